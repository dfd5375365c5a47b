package unkrawerter

import "github.com/pkg/errors"

// Error kinds. The CLI maps these onto its exit codes; the library wraps
// them with context via pkg/errors so callers can errors.Cause/Is them.
var (
	// ErrStructurallyInvalid means a decoded record had fields outside
	// their declared ranges.
	ErrStructurallyInvalid = errors.New("structurally invalid data")

	// ErrUnsupportedTargetFormat means the module cannot be expressed in
	// the requested output format (e.g. an instrument-based module or a
	// non-64-row pattern sent to the S3M writer).
	ErrUnsupportedTargetFormat = errors.New("module not representable in target format")

	// ErrInstrumentLimit means instrument trimming would still need more
	// than 254 output instruments.
	ErrInstrumentLimit = errors.New("too many instruments")

	// ErrOffsetsNotFound means the classifier could not locate a sample
	// list, an instrument list and at least one module.
	ErrOffsetsNotFound = errors.New("required offsets not found")
)
