package unkrawerter

import (
	log "github.com/sirupsen/logrus"
)

// Structure discovery. Krawall ROMs carry no symbol table, so the sample
// list, instrument list and module headers are found by scanning for runs of
// cartridge pointers and structurally validating what they point at.

// Candidate is a run of consecutive valid ROM pointers.
type Candidate struct {
	Start uint32 // file offset of the first pointer
	Count uint32 // number of pointers in the run
	Mask  int    // possible types, set by Classify
}

// Candidate type mask bits.
const (
	maskModule     = 1 << 0
	maskSample     = 1 << 1
	maskInstrument = 1 << 2
)

var typeNames = []string{
	"unknown",
	"module",
	"sample",
	"module or sample",
	"instrument",
	"instrument or module",
	"instrument or sample",
	"any",
}

// SearchResult holds the classified offsets of one ROM.
type SearchResult struct {
	Success         bool
	InstrumentAddr  uint32
	InstrumentCount uint32
	SampleAddr      uint32
	SampleCount     uint32
	Modules         []uint32 // module header file offsets
}

// ScanPointerRuns walks the image in 4-byte steps and collects runs of
// dwords that look like cartridge pointers. Runs shorter than threshold or
// 1024 entries and longer are discarded. Two data patterns that masquerade
// as pointer runs are excluded: the filler dword 0x08080808, and pairs of
// small-stride 0x08-prefixed halfwords from interleaved arrays.
func ScanPointerRuns(rom *ROM, threshold uint32) []Candidate {
	var runs []Candidate
	var start, count uint32
	c := rom.Cursor(0)
	for c.Tell()+4 <= rom.Len() {
		p := c.U32()
		interleaved := p&0x00FF00FF == 0x00080008 &&
			int32(uint16(p>>16))-int32(uint16(p)) < 4
		if rom.ValidPointer(p) && p != 0x08080808 && !interleaved {
			if count == 0 {
				start = c.Tell() - 4
			}
			count++
		} else {
			if count >= threshold && count < 1024 {
				runs = append(runs, Candidate{Start: start, Count: count})
			}
			count = 0
		}
	}
	return runs
}

// tooTightlyPacked drops runs whose first few pointees are spaced less than
// 0x10 bytes apart; real Krawall records are never that small.
func tooTightlyPacked(rom *ROM, cand Candidate) bool {
	n := cand.Count
	if n > 4 {
		n = 4
	}
	c := rom.Cursor(cand.Start)
	var prev uint32
	for i := uint32(0); i < n; i++ {
		p := c.U32()
		if i > 0 && int32(p)-int32(prev) < 0x10 {
			return true
		}
		prev = p
	}
	return false
}

// checkModule treats the candidate as a module's pattern-pointer table and
// validates the tail of the header that would precede it: initial speed,
// initial BPM, five boolean flags and the padding byte, then a lightweight
// sanity check of the first pattern.
func checkModule(rom *ROM, cand Candidate, version Version) bool {
	if cand.Start < 8 {
		return false
	}
	c := rom.Cursor(cand.Start - 8)
	speed := c.U8()
	if speed == 0 || speed > 0x10 {
		return false
	}
	bpm := c.U8()
	if bpm < 30 || bpm > 200 {
		return false
	}
	for i := 0; i < 5; i++ {
		if c.U8()&0xFE != 0 {
			return false
		}
	}
	if c.U8() != 0 {
		return false
	}
	ptr := c.U32()
	c.SeekPtr(ptr)
	// First index entries of a pattern are 16-bit values well below 256.
	if c.U8() != 0 || c.U8() != 0 {
		return false
	}
	c.U8()
	if c.U8() != 0 {
		return false
	}
	c.Skip(28)
	var rows uint16
	if version.Legacy() {
		rows = uint16(c.U8())
	} else {
		rows = c.U16()
	}
	if !c.Ok() || rows > 256 || rows&7 != 0 {
		return false
	}
	return true
}

// checkSample validates up to the first four pointees as sample records:
// a plausible end pointer, a loop that fits, a 16-bit c2Freq and two
// boolean bytes.
func checkSample(rom *ROM, cand Candidate) bool {
	n := cand.Count
	if n > 4 {
		n = 4
	}
	for i := uint32(0); i < n; i++ {
		addr := rom.Cursor(cand.Start + i*4).U32()
		c := rom.Cursor(addr & offsetMask)
		loopLength := c.U32()
		end := c.U32()
		if end&romBase == 0 || end&badBitMask != 0 ||
			end <= addr+sampleHeaderSize || loopLength > end-addr-sampleHeaderSize {
			return false
		}
		if c.U32() > 0xFFFF {
			return false
		}
		c.Skip(4)
		if c.U8()&0xFE != 0 || c.U8()&0xFE != 0 {
			return false
		}
		if !c.Ok() {
			return false
		}
	}
	return true
}

// checkInstrument validates up to the first four pointees as instrument
// records: a smooth 96-entry sample map (the last two slots may jump) and
// envelope sustain/loop indices within the 12-node bound.
func checkInstrument(rom *ROM, cand Candidate) bool {
	n := cand.Count
	if n > 4 {
		n = 4
	}
	for i := uint32(0); i < n; i++ {
		addr := rom.Cursor(cand.Start + i*4).U32()
		c := rom.Cursor(addr & offsetMask)
		var last uint16
		for j := 0; j < 96; j++ {
			v := c.U16()
			if v > 256 {
				return false
			}
			if j > 0 && j < 94 {
				diff := int32(v) - int32(last)
				if diff < -16 || diff > 16 {
					return false
				}
			}
			last = v
		}
		for env := 0; env < 2; env++ {
			c.Skip(48) // envelope nodes
			c.U8()     // node count, unchecked
			if c.U8() > 12 {
				return false
			}
			if c.U8() > 12 {
				return false
			}
			c.U8() // flags
		}
		if !c.Ok() {
			return false
		}
	}
	return true
}

// Classify assigns each candidate its type mask, then filters down to every
// module list, the largest sample list and the largest instrument list.
// Candidates whose mask is not a single type are discarded.
func Classify(rom *ROM, runs []Candidate, version Version) SearchResult {
	var res SearchResult
	for i := range runs {
		cand := &runs[i]
		if tooTightlyPacked(rom, *cand) {
			continue
		}
		cand.Mask = 0
		if checkModule(rom, *cand, version) {
			cand.Mask |= maskModule
		}
		if checkSample(rom, *cand) {
			cand.Mask |= maskSample
		}
		if checkInstrument(rom, *cand) {
			cand.Mask |= maskInstrument
		}
		log.Debugf("found %d matches at %08X with type %s", cand.Count, cand.Start, typeNames[cand.Mask])

		switch cand.Mask {
		case maskModule:
			if cand.Start >= moduleHeaderSize {
				res.Modules = append(res.Modules, cand.Start-moduleHeaderSize)
			}
		case maskSample:
			if cand.Count > res.SampleCount {
				res.SampleAddr = cand.Start
				res.SampleCount = cand.Count
			}
		case maskInstrument:
			if cand.Count > res.InstrumentCount {
				res.InstrumentAddr = cand.Start
				res.InstrumentCount = cand.Count
			}
		}
	}
	res.Success = res.SampleAddr != 0 && res.InstrumentAddr != 0 && len(res.Modules) > 0
	return res
}

// SearchOffsets runs the scanner and classifier over the whole image.
func SearchOffsets(rom *ROM, threshold uint32, version Version) SearchResult {
	return Classify(rom, ScanPointerRuns(rom, threshold), version)
}

// ReadPointerList reads count pointers starting at offset and returns their
// file offsets. With count == 0 it reads until the first dword that is not a
// valid ROM pointer, which supports hand-supplied list addresses.
func ReadPointerList(rom *ROM, offset uint32, count uint32) []uint32 {
	var out []uint32
	c := rom.Cursor(offset)
	for i := uint32(0); count == 0 || i < count; i++ {
		p := c.U32()
		if !c.Ok() || (count == 0 && !rom.ValidPointer(p)) {
			break
		}
		out = append(out, p&offsetMask)
	}
	return out
}
