package unkrawerter

import "bytes"

// Version is the Krawall revision a ROM was built against, packed as a
// decimal date: 0xYYYYMMDD, one nibble per digit. The only behavioural
// cutoff is versionLegacy, which changes pattern-row packing.
type Version uint32

const (
	// DefaultVersion is the newest layout; used when no stamp is found.
	DefaultVersion Version = 0x20050421

	// versionLegacy: revisions before 2004-07-07 use a one-byte row count
	// and a different note/instrument packing.
	versionLegacy Version = 0x20040707
)

func (v Version) Legacy() bool { return v < versionLegacy }

// Markers the Krawall build process leaves in the ROM, each followed
// (possibly after revision fields) by a YYYY/MM/DD date.
var versionMarkers = [][]byte{
	[]byte("$Id: Krawall"),
	[]byte("$Id: version.h 8 "),
	[]byte("$Date: "),
}

// DetectVersion scans the image for a Krawall identification string and
// parses the embedded date. Returns DefaultVersion, false if none is found.
func DetectVersion(rom *ROM) (Version, bool) {
	for _, marker := range versionMarkers {
		idx := bytes.Index(rom.data, marker)
		if idx < 0 {
			continue
		}
		if v, ok := parseVersionDate(rom.data[idx+len(marker):]); ok {
			return v, true
		}
	}
	return DefaultVersion, false
}

// parseVersionDate finds a YYYY/MM/DD string within the first 64 bytes of b
// and packs it one nibble per digit.
func parseVersionDate(b []byte) (Version, bool) {
	limit := len(b) - 10
	if limit > 64 {
		limit = 64
	}
	for i := 0; i <= limit; i++ {
		if b[i+4] != '/' || b[i+7] != '/' {
			continue
		}
		v := Version(0)
		ok := true
		for _, j := range []int{0, 1, 2, 3, 5, 6, 8, 9} {
			d := b[i+j]
			if d < '0' || d > '9' {
				ok = false
				break
			}
			v = v<<4 | Version(d-'0')
		}
		if ok {
			return v, true
		}
	}
	return 0, false
}
