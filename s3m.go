package unkrawerter

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// S3M assembly, Scream Tracker 3.20 format. All blocks after the header are
// addressed by parapointers (file offset divided by 16), so instrument
// headers, pattern blocks and sample bodies are kept 16-byte aligned.

const (
	s3mHeaderSize  = 0x60
	s3mSampleBlock = 0x50
	s3mRows        = 64
)

// S3MOptions control one module conversion.
type S3MOptions struct {
	// Name is embedded in the S3M header, padded to 28 characters.
	// Empty means "Krawall conversion".
	Name string
	// TrimInstruments renumbers samples so only those the pattern data
	// references are written.
	TrimInstruments bool
}

// WriteModuleToS3M converts the module at moduleOffset and writes a complete
// S3M file to w. Modules that use Krawall's instrument layer or patterns
// other than 64 rows cannot be expressed in S3M and are refused.
func WriteModuleToS3M(rom *ROM, moduleOffset uint32, sampleOffsets []uint32, w io.Writer, version Version, opts S3MOptions) error {
	m, err := ReadModule(rom, moduleOffset, version)
	if err != nil {
		return err
	}
	if m.InstrumentBased {
		return errors.Wrapf(ErrUnsupportedTargetFormat, "module at %08X is instrument based", moduleOffset)
	}
	for i, p := range m.Patterns {
		if p.Rows != s3mRows {
			return errors.Wrapf(ErrUnsupportedTargetFormat, "pattern %d has %d rows", i, p.Rows)
		}
	}
	name := opts.Name
	if name == "" {
		name = "Krawall conversion"
	}

	// Sample numbering, analogous to XM instrument trimming. Pattern
	// instrument bytes are 1-based sample references in sample-based
	// modules.
	sampleNumber := make(map[uint16]uint16)
	var sampleOrder []uint16
	if opts.TrimInstruments {
		for _, p := range m.Patterns {
			for _, row := range p.RowData {
				for _, cell := range row {
					if !cell.HasNote || cell.Instrument == 0 {
						continue
					}
					if _, ok := sampleNumber[cell.Instrument]; !ok {
						sampleOrder = append(sampleOrder, cell.Instrument)
						sampleNumber[cell.Instrument] = uint16(len(sampleOrder))
					}
				}
			}
		}
	} else {
		for i := range sampleOffsets {
			sampleOrder = append(sampleOrder, uint16(i+1))
			sampleNumber[uint16(i+1)] = uint16(i + 1)
		}
	}
	instCount := len(sampleOrder)
	patternCount := len(m.Patterns)

	// Pack every pattern body up front; parapointers need their sizes.
	st := &s3mTranslator{}
	packed := make([][]byte, patternCount)
	for i, p := range m.Patterns {
		st.startPattern(i)
		packed[i] = packS3MPattern(p, sampleNumber, opts.TrimInstruments, st)
	}

	// Load the referenced samples.
	samples := make([]*Sample, instCount)
	for i, sidx := range sampleOrder {
		if int(sidx) >= 1 && int(sidx) <= len(sampleOffsets) {
			s, err := ReadSample(rom, sampleOffsets[sidx-1])
			if err != nil {
				return err
			}
			samples[i] = s
		}
	}

	b := &binWriter{}

	// Header.
	b.strPad(name, 28, 0)
	b.u8(0x1A)
	b.u8(16) // type: ST3 module
	b.u16(0)
	b.u16(uint16(m.NumOrders))
	b.u16(uint16(instCount))
	b.u16(uint16(patternCount))
	b.u16(0)      // flags
	b.u16(0x2013) // tracker version
	b.u16(2)      // unsigned samples
	b.strPad("SCRM", 4, 0)
	b.u8(m.VolGlobal)
	b.u8(m.InitSpeed)
	b.u8(m.InitBPM)
	b.u8(64) // master volume
	b.u8(0)
	b.u8(0xFC) // channel pan block present
	b.zeros(10)

	// Channel settings: left half, then right half, unused slots off.
	channels := int(m.Channels)
	for i := 0; i < 32; i++ {
		switch {
		case i >= channels:
			b.u8(0xFF)
		case i < channels/2:
			b.u8(byte(i))
		default:
			b.u8(byte(i) | 8)
		}
	}

	b.write(m.Order[:m.NumOrders])

	// Parapointer tables, then the pan block, complete the header region;
	// every block after it is 16-byte aligned.
	dataStart := s3mHeaderSize + int(m.NumOrders) + instCount*2 + patternCount*2 + 32
	pos := align16(dataStart)
	instPara := make([]int, instCount)
	for i := range instPara {
		instPara[i] = pos
		pos += s3mSampleBlock
	}
	patternPara := make([]int, patternCount)
	for i := range patternPara {
		patternPara[i] = pos
		pos += align16(len(packed[i]) + 2)
	}
	samplePara := make([]int, instCount)
	for i, s := range samples {
		samplePara[i] = pos
		if s != nil {
			pos += align16(int(s.Size))
		}
	}

	for _, p := range instPara {
		b.u16(uint16(p / 16))
	}
	for _, p := range patternPara {
		b.u16(uint16(p / 16))
	}
	for i := 0; i < 32; i++ {
		if i < channels {
			b.u8(uint8(m.ChannelPan[i])>>3&0x0F | 0x20)
		} else {
			b.u8(0)
		}
	}
	b.padTo16()

	// Sample headers.
	for i, s := range samples {
		if b.pos() != instPara[i] {
			return errors.Errorf("internal: sample header %d at %X, expected %X", i, b.pos(), instPara[i])
		}
		writeS3MSampleHeader(b, s, i, samplePara[i])
	}

	// Patterns.
	for i, body := range packed {
		if b.pos() != patternPara[i] {
			return errors.Errorf("internal: pattern %d at %X, expected %X", i, b.pos(), patternPara[i])
		}
		b.u16(uint16(len(body) + 2))
		b.write(body)
		b.padTo16()
	}

	// Sample bodies, converted to the unsigned format the header declares.
	for _, s := range samples {
		if s == nil {
			continue
		}
		if s.HQ {
			for k := uint32(0); k+1 < s.Size; k += 2 {
				v := uint16(s.Data[k]) | uint16(s.Data[k+1])<<8
				b.u16(v + 0x8000)
			}
		} else {
			for _, v := range s.Data {
				b.u8(v ^ 0x80)
			}
		}
		b.padTo16()
	}

	if _, err := w.Write(b.buf); err != nil {
		return errors.Wrap(err, "writing S3M file")
	}
	return nil
}

func align16(n int) int { return (n + 15) &^ 15 }

// packS3MPattern re-encodes one pattern as an S3M packed body. The stream
// shape is Krawall's own, so only the note values, the volume column and the
// effect column are rewritten.
func packS3MPattern(p *Pattern, sampleNumber map[uint16]uint16, trim bool, st *s3mTranslator) []byte {
	var out []byte
	for _, row := range p.RowData {
		for _, cell := range row {
			follow := cell.Channel
			if cell.HasNote {
				follow |= 0x20
			}
			if cell.HasVolume {
				follow |= 0x40
			}
			eff, op, hasEff := byte(0), byte(0), false
			volume := cell.Volume
			hasVolume := cell.HasVolume
			if cell.HasEffect {
				if cell.Effect == effVolume && !hasVolume {
					// S3M has no set-volume effect; the value fits the
					// volume column directly.
					hasVolume = true
					follow |= 0x40
					volume = 0x10 + cell.EffectOp
					if cell.EffectOp > 0x40 {
						volume = 0x50
					}
				} else {
					eff, op, hasEff = st.apply(cell.Effect, cell.EffectOp)
				}
			}
			if hasVolume {
				switch {
				case volume < 0x10:
					volume = 0xFF
				case volume <= 0x50:
					volume -= 0x10
				case volume >= 0xC0 && volume <= 0xCF:
					// Volume-column panning; S3M keeps it as an S8x
					// effect when the slot is free.
					if !hasEff {
						eff, op, hasEff = s3mEffS, 0x80|volume&0x0F, true
					} else {
						st.warns.warn(effPan, "volume-column pan lost")
					}
					volume = 0xFF
				default:
					st.warns.warn(effVolume, "volume column value out of range")
					volume = 0xFF
				}
			}
			if hasEff {
				follow |= 0x80
			} else {
				follow &^= 0x80
			}
			if follow&0xE0 == 0 {
				continue // nothing left in this cell
			}
			out = append(out, follow)
			if cell.HasNote {
				out = append(out, s3mNote(cell.Note), s3mInstrumentByte(cell.Instrument, sampleNumber, trim))
			}
			if follow&0x40 != 0 {
				out = append(out, volume)
			}
			if hasEff {
				out = append(out, eff, op)
			}
		}
		out = append(out, 0)
	}
	return out
}

// s3mNote converts a linear 1..96 note to S3M's octave/semitone nibbles;
// out-of-range values become the note-off marker.
func s3mNote(n byte) byte {
	if n == 0 || n > 96 {
		return 254
	}
	return (n-1)/12<<4 | (n-1)%12
}

func s3mInstrumentByte(inst uint16, sampleNumber map[uint16]uint16, trim bool) byte {
	if inst == 0 {
		return 0
	}
	if trim {
		return byte(sampleNumber[inst])
	}
	return byte(inst)
}

// writeS3MSampleHeader emits one 80-byte sample record. A missing sample
// (reference past the ROM's sample list) still gets a header so numbering
// stays aligned; it simply has no data.
func writeS3MSampleHeader(b *binWriter, s *Sample, index int, bodyPos int) {
	if s == nil {
		b.u8(0) // empty slot
		b.strPad("", 12, 0)
		b.zeros(35)
		b.strPad(fmt.Sprintf("Sample%d", index), 28, 0)
		b.strPad("SCRS", 4, 0)
		return
	}
	length := s.Size
	loopLen := s.LoopLength
	if s.HQ {
		length /= 2
		loopLen /= 2
	}
	para := bodyPos / 16
	b.u8(1) // PCM sample
	b.strPad(fmt.Sprintf("Sample%d", index), 12, 0)
	b.u8(byte(para >> 16))
	b.u16(uint16(para))
	b.u32(length)
	if loopLen == 0 {
		b.u32(0)
		b.u32(length)
	} else {
		b.u32(length - loopLen)
		b.u32(length)
	}
	b.u8(s.VolDefault)
	b.u8(0)
	b.u8(0) // unpacked
	flags := byte(0)
	if s.Loop {
		flags |= 1
	}
	if s.HQ {
		flags |= 4
	}
	b.u8(flags)
	b.u32(s.C2Freq)
	b.zeros(12)
	b.strPad(fmt.Sprintf("Sample%d", index), 28, 0)
	b.strPad("SCRS", 4, 0)
}
