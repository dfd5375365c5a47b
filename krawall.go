package unkrawerter

import (
	"github.com/pkg/errors"
)

// In-ROM record layouts from the Krawall sound engine. Multi-byte fields are
// little-endian; pointers follow the convention in rom.go. The Sample and
// Pattern records end in variable-length tails whose sizes are derived from
// end pointers (samples) or the row count (patterns).

const (
	sampleHeaderSize = 18
	moduleHeaderSize = 364

	// Order-table entries with this value are skip markers, not pattern
	// indices; they are dropped when the module is read.
	orderMarker = 254
)

// Sample is one PCM sample: an 18-byte header followed by Size bytes of
// signed PCM, 8-bit unless HQ.
type Sample struct {
	LoopLength   uint32
	Size         uint32
	C2Freq       uint32
	FineTune     int8
	RelativeNote int8
	VolDefault   uint8
	PanDefault   int8
	Loop         bool
	HQ           bool
	Data         []byte
}

// EnvNode packs an envelope point: low 9 bits of Coord are the tick
// position, high 7 bits the level. Inc is playback state, meaningless
// on extraction.
type EnvNode struct {
	Coord uint16
	Inc   uint16
}

// Envelope always has 12 nodes; unused trailing nodes have Coord == 0.
type Envelope struct {
	Nodes     [12]EnvNode
	Max       uint8
	Sus       uint8
	LoopStart uint8
	Flags     uint8
}

// Instrument maps MIDI notes to sample indices and carries the volume and
// panning envelopes.
type Instrument struct {
	Samples  [96]uint16
	EnvVol   Envelope
	EnvPan   Envelope
	VolFade  uint16
	VibType  uint8
	VibSweep uint8
	VibDepth uint8
	VibRate  uint8
}

// Cell is one decoded entry of a pattern row.
type Cell struct {
	Channel    byte
	HasNote    bool
	HasVolume  bool
	HasEffect  bool
	Note       byte
	Instrument uint16
	Volume     byte
	Effect     byte
	EffectOp   byte
}

// Pattern is a decoded note grid. RowData holds each row's cells in stream
// order; a row may name any subset of channels.
type Pattern struct {
	Index   [16]uint16
	Rows    uint16
	RowData [][]Cell
}

// Module is one song: order list, per-channel panning, flags, and the
// patterns reachable from the order list.
type Module struct {
	Channels    uint8
	NumOrders   uint8
	SongRestart uint8
	Order       [256]uint8
	ChannelPan  [32]int8
	SongIndex   [64]uint8
	VolGlobal   uint8
	InitSpeed   uint8
	InitBPM     uint8

	InstrumentBased bool
	LinearSlides    bool
	VolSlides       bool
	VolOpt          bool
	AmigaLimits     bool

	Patterns []*Pattern
}

// ReadSample decodes the sample record at offset. The stored size field is
// an absolute end pointer; the PCM byte count is derived from it.
func ReadSample(rom *ROM, offset uint32) (*Sample, error) {
	c := rom.Cursor(offset)
	s := &Sample{}
	s.LoopLength = c.U32()
	end := c.U32()
	// The end pointer is exclusive, so a sample that runs to the very end of
	// the image has an end offset equal to the image length.
	if end&romBase == 0 || end&badBitMask != 0 || end&offsetMask > rom.Len() ||
		end&offsetMask < offset+sampleHeaderSize {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "sample at %08X: bad end pointer %08X", offset, end)
	}
	s.Size = end&offsetMask - offset - sampleHeaderSize
	s.C2Freq = c.U32()
	s.FineTune = c.I8()
	s.RelativeNote = c.I8()
	s.VolDefault = c.U8()
	s.PanDefault = c.I8()
	s.Loop = c.U8() != 0
	s.HQ = c.U8() != 0
	s.Data = c.Bytes(s.Size)
	if !c.Ok() {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "sample at %08X: truncated", offset)
	}
	return s, nil
}

func readEnvelope(c *Cursor) Envelope {
	var e Envelope
	for i := range e.Nodes {
		e.Nodes[i].Coord = c.U16()
		e.Nodes[i].Inc = c.U16()
	}
	e.Max = c.U8()
	e.Sus = c.U8()
	e.LoopStart = c.U8()
	e.Flags = c.U8()
	return e
}

// ReadInstrument decodes the 302-byte instrument record at offset.
func ReadInstrument(rom *ROM, offset uint32) (*Instrument, error) {
	c := rom.Cursor(offset)
	ins := &Instrument{}
	for i := range ins.Samples {
		ins.Samples[i] = c.U16()
	}
	ins.EnvVol = readEnvelope(c)
	ins.EnvPan = readEnvelope(c)
	ins.VolFade = c.U16()
	ins.VibType = c.U8()
	ins.VibSweep = c.U8()
	ins.VibDepth = c.U8()
	ins.VibRate = c.U8()
	if !c.Ok() {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "instrument at %08X: truncated", offset)
	}
	return ins, nil
}

// ReadPattern decodes the pattern at offset. Rows are terminated by a zero
// follow byte; within a row each follow byte selects a channel and up to
// three optional field groups. The note/instrument packing differs between
// legacy and modern revisions.
func ReadPattern(rom *ROM, offset uint32, version Version) (*Pattern, error) {
	c := rom.Cursor(offset)
	p := &Pattern{}
	for i := range p.Index {
		p.Index[i] = c.U16()
	}
	if version.Legacy() {
		p.Rows = uint16(c.U8())
	} else {
		p.Rows = c.U16()
	}
	p.RowData = make([][]Cell, p.Rows)
	for row := uint16(0); row < p.Rows; row++ {
		var cells []Cell
		for {
			follow := c.U8()
			if follow == 0 {
				break
			}
			cell := Cell{Channel: follow & 0x1F}
			if follow&0x20 != 0 {
				cell.HasNote = true
				note := c.U8()
				instLo := c.U8()
				if version.Legacy() {
					cell.Note = note >> 1
					cell.Instrument = uint16(instLo) | uint16(note&1)<<8
				} else {
					cell.Instrument = uint16(instLo)
					if note&0x80 != 0 {
						cell.Instrument |= uint16(c.U8()) << 8
						note &= 0x7F
					}
					cell.Note = note
				}
			}
			if follow&0x40 != 0 {
				cell.HasVolume = true
				cell.Volume = c.U8()
			}
			if follow&0x80 != 0 {
				cell.HasEffect = true
				cell.Effect = c.U8()
				cell.EffectOp = c.U8()
			}
			cells = append(cells, cell)
			if !c.Ok() {
				return nil, errors.Wrapf(ErrStructurallyInvalid, "pattern at %08X: truncated note stream", offset)
			}
		}
		p.RowData[row] = cells
	}
	if !c.Ok() {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "pattern at %08X: truncated", offset)
	}
	return p, nil
}

// ReadModule decodes the module header at offset and every pattern reachable
// from its order list. Order-table skip markers are filtered out, and note
// cells naming channels beyond the module's channel count are dropped.
func ReadModule(rom *ROM, offset uint32, version Version) (*Module, error) {
	c := rom.Cursor(offset)
	m := &Module{}
	m.Channels = c.U8()
	rawOrders := c.U8()
	m.SongRestart = c.U8()
	var rawOrder [256]uint8
	for i := range rawOrder {
		rawOrder[i] = c.U8()
	}
	for i := range m.ChannelPan {
		m.ChannelPan[i] = c.I8()
	}
	for i := range m.SongIndex {
		m.SongIndex[i] = c.U8()
	}
	m.VolGlobal = c.U8()
	m.InitSpeed = c.U8()
	m.InitBPM = c.U8()
	m.InstrumentBased = c.U8() != 0
	m.LinearSlides = c.U8() != 0
	m.VolSlides = c.U8() != 0
	m.VolOpt = c.U8() != 0
	m.AmigaLimits = c.U8() != 0
	c.Skip(1) // header padding
	if !c.Ok() {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "module at %08X: truncated header", offset)
	}
	if m.Channels == 0 || m.Channels > 32 {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "module at %08X: %d channels", offset, m.Channels)
	}

	// Drop skip markers from the order list.
	n := 0
	for i := uint8(0); i < rawOrders; i++ {
		if rawOrder[i] == orderMarker {
			continue
		}
		m.Order[n] = rawOrder[i]
		n++
	}
	m.NumOrders = uint8(n)

	maxPattern := uint8(0)
	for i := 0; i < n; i++ {
		if m.Order[i] > maxPattern {
			maxPattern = m.Order[i]
		}
	}

	for i := uint32(0); i <= uint32(maxPattern); i++ {
		ptr := rom.Cursor(offset + moduleHeaderSize + i*4).U32()
		if !rom.ValidPointer(ptr) {
			break
		}
		p, err := ReadPattern(rom, ptr&offsetMask, version)
		if err != nil {
			return nil, err
		}
		dropOutOfRangeCells(p, m.Channels)
		m.Patterns = append(m.Patterns, p)
	}
	if len(m.Patterns) == 0 {
		return nil, errors.Wrapf(ErrStructurallyInvalid, "module at %08X: no readable patterns", offset)
	}
	return m, nil
}

func dropOutOfRangeCells(p *Pattern, channels uint8) {
	for row, cells := range p.RowData {
		kept := cells[:0]
		for _, cell := range cells {
			if cell.Channel < channels {
				kept = append(kept, cell)
			}
		}
		p.RowData[row] = kept
	}
}
