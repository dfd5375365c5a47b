package unkrawerter

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// XM assembly, FastTracker II format v1.04.
// Layout reference: the XM format description distributed with FT2.

const xmMaxInstruments = 254

// XMOptions control one module conversion.
type XMOptions struct {
	// Name is embedded in the XM header, padded to 20 characters.
	// Empty means "Krawall conversion".
	Name string
	// TrimInstruments renumbers instruments so only those the pattern
	// data references are written.
	TrimInstruments bool
	// FixCompatibility enables the portamento-underflow and pan-memory
	// rewrites that emulate Krawall playback quirks. Disable for
	// pattern data that is faithful rather than accurate-sounding.
	FixCompatibility bool
}

// xmNote is the per-channel scratch for one output row. flag is the XM
// packed-cell byte: 0x80 plus presence bits for note, instrument, volume,
// effect and operand. A zero flag means the channel is empty this row.
type xmNote struct {
	flag       byte
	note       byte
	instrument uint16
	volume     byte
	effect     byte
	effectOp   byte
}

func (n *xmNote) hasVolume() bool { return n.flag&0x04 != 0 }

func (n *xmNote) setVolume(v byte) {
	n.volume = v
	n.flag |= 0x04
}

func (n *xmNote) setEffect(eff, op byte) {
	n.effect = eff
	n.effectOp = op
	n.flag |= 0x18
}

func (n *xmNote) clearEffect() {
	n.effect = 0
	n.effectOp = 0
	n.flag &^= 0x18
}

// noteCut replaces the whole cell with a key-off row.
func (n *xmNote) noteCut() {
	*n = xmNote{flag: 0x81, note: 97}
}

// offsetRecord remembers an emitted 9xx effect so it can be zeroed once the
// referenced sample's true size is known.
type offsetRecord struct {
	instrument uint16 // output instrument number, 1-based
	op         byte
	pos        int // file position of the effect byte
}

// WriteModuleToXM converts the module at moduleOffset and writes a complete
// XM file to w.
func WriteModuleToXM(rom *ROM, moduleOffset uint32, sampleOffsets, instrumentOffsets []uint32, w io.Writer, version Version, opts XMOptions) error {
	m, err := ReadModule(rom, moduleOffset, version)
	if err != nil {
		return err
	}
	name := opts.Name
	if name == "" {
		name = "Krawall conversion"
	}

	// Instrument numbering. When trimming, instruments get 1-based output
	// numbers in order of first use; otherwise the ROM's list is written
	// verbatim and pattern references pass through.
	instNumber := make(map[uint16]uint16)
	var instOrder []uint16
	if opts.TrimInstruments {
		for _, p := range m.Patterns {
			for _, row := range p.RowData {
				for _, cell := range row {
					if !cell.HasNote || cell.Instrument == 0 {
						continue
					}
					if _, ok := instNumber[cell.Instrument]; !ok {
						instOrder = append(instOrder, cell.Instrument)
						instNumber[cell.Instrument] = uint16(len(instOrder))
					}
				}
			}
		}
		if len(instOrder) > xmMaxInstruments {
			return errors.Wrapf(ErrInstrumentLimit, "%d instruments referenced", len(instOrder))
		}
	} else if len(instrumentOffsets) > xmMaxInstruments {
		return errors.Wrapf(ErrInstrumentLimit, "%d instruments in ROM, enable trimming", len(instrumentOffsets))
	}
	instCount := len(instrumentOffsets)
	if opts.TrimInstruments {
		instCount = len(instOrder)
	}

	b := &binWriter{}
	patternCount := len(m.Patterns)

	// Header.
	b.strPad("Extended Module: ", 17, ' ')
	b.strPad(name, 20, ' ')
	b.u8(0x1A)
	b.strPad("UnkrawerterGBA", 20, ' ')
	b.u8(0x04)
	b.u8(0x01) // format version 1.04
	b.u32(276) // header size
	b.u16(uint16(m.NumOrders))
	b.u16(uint16(m.SongRestart))
	b.u16(uint16(m.Channels))
	b.u16(uint16(patternCount))
	b.u16(uint16(instCount))
	if m.LinearSlides {
		b.u16(1)
	} else {
		b.u16(0)
	}
	b.u16(uint16(m.InitSpeed))
	b.u16(uint16(m.InitBPM))
	b.write(m.Order[:])

	channels := int(m.Channels)
	xt := newXMTranslator(channels)
	scratch := make([]xmNote, channels)
	lastInst := make([]uint16, channels)
	panApplied := make([]bool, channels)
	portaVal := make([]int, channels)
	speed := int(m.InitSpeed)
	if speed == 0 {
		speed = 6
	}
	var offsets []offsetRecord

	for pi, p := range m.Patterns {
		b.u8(9) // pattern header length
		b.zeros(4)
		b.u16(p.Rows)
		sizePos := b.pos()
		b.u16(0) // body size, backpatched

		xt.startPattern(pi)
		for ch := range portaVal {
			portaVal[ch] = -1 // unknown until a note lands
		}

		for row := 0; row < int(p.Rows); row++ {
			for i := range scratch {
				scratch[i] = xmNote{}
			}
			for _, cell := range p.RowData[row] {
				ch := int(cell.Channel)
				n := &scratch[ch]
				n.flag = 0x80
				if cell.HasNote {
					n.flag |= 0x03
					note := cell.Note
					if note > 97 || note == 0 {
						note = 97
					}
					n.note = note
					inst := cell.Instrument
					if opts.TrimInstruments && inst != 0 {
						inst = instNumber[inst]
					}
					n.instrument = inst
				}
				if cell.HasVolume {
					n.setVolume(cell.Volume)
				}
				if cell.HasEffect {
					n.flag |= 0x18
					n.effect = cell.Effect
					n.effectOp = cell.EffectOp
					if (cell.Effect == effSpeed || cell.Effect == effSpeedBPM) &&
						cell.EffectOp > 0 && cell.EffectOp < 0x20 {
						speed = int(cell.EffectOp)
					}
					xt.apply(ch, n)
				}
			}
			for ch := 0; ch < channels; ch++ {
				n := &scratch[ch]
				if n.flag == 0 {
					b.u8(0x80)
					continue
				}
				if opts.FixCompatibility {
					if !m.AmigaLimits {
						fixPortaUnderflow(n, ch, portaVal, speed)
					}
					if !m.InstrumentBased {
						fixPanMemory(n, ch, m, lastInst, panApplied, xt)
					}
				}
				if n.flag&0x02 != 0 && n.instrument != 0 {
					lastInst[ch] = n.instrument
				}
				b.u8(n.flag)
				if n.flag&0x01 != 0 {
					b.u8(n.note)
				}
				if n.flag&0x02 != 0 {
					b.u8(byte(n.instrument))
				}
				if n.flag&0x04 != 0 {
					b.u8(n.volume)
				}
				if n.flag&0x08 != 0 {
					if n.effect == 0x09 && n.effectOp != 0 && lastInst[ch] != 0 {
						offsets = append(offsets, offsetRecord{
							instrument: lastInst[ch],
							op:         n.effectOp,
							pos:        b.pos(),
						})
					}
					b.u8(n.effect)
				}
				if n.flag&0x10 != 0 {
					b.u8(n.effectOp)
				}
			}
		}
		b.patchU16(sizePos, uint16(b.pos()-sizePos-2))
	}

	for k := 0; k < instCount; k++ {
		var instOffset uint32
		have := false
		if opts.TrimInstruments {
			ki := instOrder[k]
			if ki >= 1 && int(ki) <= len(instrumentOffsets) {
				instOffset = instrumentOffsets[ki-1]
				have = true
			}
		} else {
			instOffset = instrumentOffsets[k]
			have = true
		}
		var ins *Instrument
		if have {
			ins, err = ReadInstrument(rom, instOffset)
			if err != nil {
				return err
			}
		}
		if err := writeXMInstrument(b, rom, ins, k, sampleOffsets, uint16(k+1), offsets); err != nil {
			return err
		}
	}

	if _, err := w.Write(b.buf); err != nil {
		return errors.Wrap(err, "writing XM file")
	}
	return nil
}

// writeXMInstrument emits one instrument header, its sample headers and all
// sample bodies. Pattern references to this instrument with a sample offset
// past the first sample's end are zeroed here, once the size is known.
func writeXMInstrument(b *binWriter, rom *ROM, ins *Instrument, index int, sampleOffsets []uint32, number uint16, offsets []offsetRecord) error {
	// Krawall maps every MIDI note to a sample; the XM instrument carries
	// the distinct ones, renumbered 1-based in order of appearance.
	var samples []uint16
	if ins != nil {
		for j := 0; j < 96; j++ {
			if j == 0 || ins.Samples[j] != ins.Samples[j-1] {
				samples = append(samples, ins.Samples[j])
			}
		}
	}
	snum := len(samples)

	if snum == 0 {
		b.u32(29)
	} else {
		b.u32(252)
	}
	b.strPad(fmt.Sprintf("Instrument%d", index), 22, 0)
	b.u8(0) // type
	b.u16(uint16(snum))
	if snum == 0 {
		return nil
	}
	b.u32(40) // sample header size

	remap := make(map[uint16]byte, snum)
	for j, s := range samples {
		remap[s] = byte(j)
	}
	for j := 0; j < 96; j++ {
		b.u8(remap[ins.Samples[j]])
	}
	writeXMEnvelope(b, &ins.EnvVol)
	writeXMEnvelope(b, &ins.EnvPan)
	b.u8(ins.EnvVol.Max)
	b.u8(ins.EnvPan.Max)
	b.u8(ins.EnvVol.Sus)
	b.u8(ins.EnvVol.LoopStart)
	b.u8(ins.EnvVol.Max) // loop end
	b.u8(ins.EnvPan.Sus)
	b.u8(ins.EnvPan.LoopStart)
	b.u8(ins.EnvPan.Max)
	b.u8(ins.EnvVol.Flags)
	b.u8(ins.EnvPan.Flags)
	b.u8(ins.VibType)
	b.u8(ins.VibSweep)
	b.u8(ins.VibDepth)
	b.u8(ins.VibRate)
	b.u16(ins.VolFade)
	b.zeros(11)

	var loaded []*Sample
	for j, sidx := range samples {
		if int(sidx) >= len(sampleOffsets) {
			continue
		}
		s, err := ReadSample(rom, sampleOffsets[sidx])
		if err != nil {
			return err
		}
		if s.HQ {
			b.u32(s.Size / 2)
		} else {
			b.u32(s.Size)
		}
		if s.LoopLength == 0 {
			b.u32(0)
		} else {
			b.u32(s.Size - s.LoopLength)
		}
		b.u32(s.LoopLength)
		b.u8(s.VolDefault)
		b.u8(byte(s.FineTune))
		t := byte(0)
		if s.Loop {
			t |= 1
		}
		if s.HQ {
			t |= 0x10
		}
		b.u8(t)
		b.u8(byte(int(s.PanDefault) + 0x80))
		b.u8(byte(s.RelativeNote))
		b.u8(0)
		b.strPad(fmt.Sprintf("Sample%d", sidx), 22, ' ')
		if j == 0 {
			// The offset command addresses the note's sample; checking
			// against the first (usually only) sample catches the
			// overruns that crash playback.
			for _, rec := range offsets {
				if rec.instrument == number && uint32(rec.op)<<8 > s.Size {
					b.patchZero(rec.pos, 2)
				}
			}
		}
		loaded = append(loaded, s)
	}
	for _, s := range loaded {
		if s.HQ {
			old := int16(0)
			for k := uint32(0); k+1 < s.Size; k += 2 {
				v := int16(uint16(s.Data[k]) | uint16(s.Data[k+1])<<8)
				b.u16(uint16(v - old))
				old = v
			}
		} else {
			old := byte(0)
			for _, v := range s.Data {
				u := v ^ 0x80 // signed to unsigned
				b.u8(u - old)
				old = u
			}
		}
	}
	return nil
}

// writeXMEnvelope splits each packed node coordinate into the (x, y) pair
// XM expects: low 9 bits tick, high 7 bits level.
func writeXMEnvelope(b *binWriter, e *Envelope) {
	for _, n := range e.Nodes {
		b.u16(n.Coord & 0x1FF)
		b.u16(n.Coord >> 9)
	}
}

// fixPortaUnderflow keeps Krawall's clamped portamento behaviour: sliding a
// note below zero stops at zero, where XM would wrap. The per-channel value
// tracks the current note in sixteenths of a semitone; a slide that would
// cross zero is shortened to land there, and a slide from zero becomes a
// note cut.
func fixPortaUnderflow(n *xmNote, ch int, portaVal []int, speed int) {
	if n.flag&0x01 != 0 && n.note < 97 {
		portaVal[ch] = int(n.note) * 16
	}
	if n.flag&0x18 != 0x18 || portaVal[ch] < 0 {
		return
	}

	var delta int
	down := false
	kind := 0 // 1 = normal, 2 = fine, 3 = extra fine
	switch {
	case n.effect == 0x01:
		delta, kind = int(n.effectOp)*speed, 1
	case n.effect == 0x02:
		delta, kind, down = int(n.effectOp)*speed, 1, true
	case n.effect == 0x0E && n.effectOp>>4 == 0x1:
		delta, kind = int(n.effectOp&0x0F), 2
	case n.effect == 0x0E && n.effectOp>>4 == 0x2:
		delta, kind, down = int(n.effectOp&0x0F), 2, true
	case n.effect == xmEffX && n.effectOp>>4 == 0x1:
		delta, kind = int(n.effectOp&0x0F)>>2, 3
	case n.effect == xmEffX && n.effectOp>>4 == 0x2:
		delta, kind, down = int(n.effectOp&0x0F)>>2, 3, true
	default:
		return
	}

	if !down {
		portaVal[ch] += delta
		return
	}
	next := portaVal[ch] - delta
	if next >= 0 {
		portaVal[ch] = next
		return
	}
	if portaVal[ch] == 0 {
		n.noteCut()
		return
	}
	// One last slide that lands exactly at zero.
	switch kind {
	case 1:
		op := portaVal[ch] / speed
		if op == 0 {
			n.noteCut()
		} else {
			n.effectOp = byte(op)
		}
	case 2:
		n.effectOp = 0x20 | byte(minInt(portaVal[ch], 0x0F))
	case 3:
		n.effectOp = 0x20 | byte(minInt(portaVal[ch]<<2, 0x0F))
	}
	portaVal[ch] = 0
}

// fixPanMemory re-establishes Krawall's per-channel panning in formats that
// reset panning on instrument triggers. Priority: a free effect slot gets a
// full-resolution 8xx, an unchanged instrument byte is dropped instead (no
// reset, nothing to fix), a free volume column gets the coarse pan, and a
// fully occupied cell is warned about.
func fixPanMemory(n *xmNote, ch int, m *Module, lastInst []uint16, panApplied []bool, xt *xmTranslator) {
	triggers := n.flag&0x02 != 0 && n.instrument != 0
	if !triggers && panApplied[ch] {
		return
	}
	hasPan := (n.flag&0x08 != 0 && n.effect == 0x08) ||
		(n.flag&0x04 != 0 && n.volume >= 0xC0 && n.volume <= 0xCF)
	if hasPan {
		panApplied[ch] = true
		return
	}
	pan := byte(uint8(m.ChannelPan[ch]) * 2)
	switch {
	case n.flag&0x18 == 0:
		n.setEffect(0x08, pan)
		panApplied[ch] = true
	case triggers && n.instrument == lastInst[ch]:
		n.flag &^= 0x02
	case !n.hasVolume():
		n.setVolume(0xC0 | pan>>4)
		panApplied[ch] = true
	default:
		xt.warns.warn(effPan, "cell full, channel panning lost")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
