package unkrawerter

import "encoding/binary"

// Helpers that assemble synthetic ROM images for the decoder and writer
// tests. Offsets returned are file offsets; pointer fields are written with
// the cartridge base so the records look exactly like real Krawall data.

type romBuilder struct {
	data []byte
}

func (r *romBuilder) pos() uint32 { return uint32(len(r.data)) }

func (r *romBuilder) u8(v byte) { r.data = append(r.data, v) }

func (r *romBuilder) u16(v uint16) {
	r.data = binary.LittleEndian.AppendUint16(r.data, v)
}

func (r *romBuilder) u32(v uint32) {
	r.data = binary.LittleEndian.AppendUint32(r.data, v)
}

func (r *romBuilder) bytes(b []byte) { r.data = append(r.data, b...) }

func (r *romBuilder) pad(n int) {
	for i := 0; i < n; i++ {
		r.data = append(r.data, 0)
	}
}

func (r *romBuilder) rom() *ROM { return NewROM(r.data) }

// addSample writes a sample record and returns its file offset.
func (r *romBuilder) addSample(pcm []byte, loopLength, c2Freq uint32) uint32 {
	off := r.pos()
	r.u32(loopLength)
	r.u32(romBase + off + sampleHeaderSize + uint32(len(pcm)))
	r.u32(c2Freq)
	r.u8(0) // fineTune
	r.u8(0) // relativeNote
	r.u8(64)
	r.u8(0) // panDefault
	if loopLength > 0 {
		r.u8(1)
	} else {
		r.u8(0)
	}
	r.u8(0) // hq
	r.bytes(pcm)
	return off
}

// addInstrument writes an instrument whose whole sample map points at one
// sample index.
func (r *romBuilder) addInstrument(sampleIdx uint16) uint32 {
	off := r.pos()
	for i := 0; i < 96; i++ {
		r.u16(sampleIdx)
	}
	for e := 0; e < 2; e++ {
		r.pad(48) // nodes
		r.u8(0)   // max
		r.u8(0)   // sus
		r.u8(0)   // loopStart
		r.u8(0)   // flags
	}
	r.u16(0) // volFade
	r.pad(4) // vibrato
	return off
}

// testCell is one note-stream entry for encodeRow.
type testCell struct {
	ch      byte
	hasNote bool
	note    byte
	inst    uint16
	hasVol  bool
	vol     byte
	hasEff  bool
	eff     byte
	op      byte
}

// encodeRow packs cells the modern way, with the row terminator.
func encodeRow(cells []testCell) []byte {
	var out []byte
	for _, c := range cells {
		follow := c.ch
		if c.hasNote {
			follow |= 0x20
		}
		if c.hasVol {
			follow |= 0x40
		}
		if c.hasEff {
			follow |= 0x80
		}
		out = append(out, follow)
		if c.hasNote {
			note := c.note
			if c.inst > 0xFF {
				note |= 0x80
			}
			out = append(out, note, byte(c.inst))
			if c.inst > 0xFF {
				out = append(out, byte(c.inst>>8))
			}
		}
		if c.hasVol {
			out = append(out, c.vol)
		}
		if c.hasEff {
			out = append(out, c.eff, c.op)
		}
	}
	return append(out, 0)
}

// addPattern writes a modern-layout pattern from pre-encoded rows.
func (r *romBuilder) addPattern(rows [][]testCell) uint32 {
	off := r.pos()
	r.pad(32) // index table
	r.u16(uint16(len(rows)))
	for _, row := range rows {
		r.bytes(encodeRow(row))
	}
	return off
}

type moduleParams struct {
	channels        byte
	orders          []byte
	channelPan      [32]int8
	instrumentBased bool
	linearSlides    bool
	amigaLimits     bool
	initSpeed       byte
	initBPM         byte
}

// addModule writes a module header and its pattern pointer table. A zero
// dword terminates the table so reads past the last pattern stop cleanly.
func (r *romBuilder) addModule(p moduleParams, patterns []uint32) uint32 {
	off := r.pos()
	r.u8(p.channels)
	r.u8(byte(len(p.orders)))
	r.u8(0) // songRestart
	var order [256]byte
	copy(order[:], p.orders)
	r.bytes(order[:])
	for _, pan := range p.channelPan {
		r.u8(byte(pan))
	}
	r.pad(64) // songIndex
	r.u8(64)  // volGlobal
	if p.initSpeed == 0 {
		p.initSpeed = 6
	}
	if p.initBPM == 0 {
		p.initBPM = 125
	}
	r.u8(p.initSpeed)
	r.u8(p.initBPM)
	r.u8(boolByte(p.instrumentBased))
	r.u8(boolByte(p.linearSlides))
	r.u8(0) // volSlides
	r.u8(0) // volOpt
	r.u8(boolByte(p.amigaLimits))
	r.u8(0) // padding
	for _, pat := range patterns {
		r.u32(romBase + pat)
	}
	r.u32(0)
	return off
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// parsedXMCell mirrors one decoded cell of an emitted XM pattern.
type parsedXMCell struct {
	flags    byte
	note     byte
	inst     byte
	volume   byte
	effect   byte
	effectOp byte
}

// parsedXM is the subset of an emitted XM file the tests assert on.
type parsedXM struct {
	numOrders    int
	restart      int
	channels     int
	patternCount int
	instCount    int
	order        []byte
	patterns     [][][]parsedXMCell // pattern -> row -> channel
	bodySizes    []uint16
	bodyEnds     []int
	sizePosns    []int
	instStart    int
}

func parseXM(data []byte) *parsedXM {
	le16 := binary.LittleEndian.Uint16
	p := &parsedXM{
		numOrders:    int(le16(data[64:])),
		restart:      int(le16(data[66:])),
		channels:     int(le16(data[68:])),
		patternCount: int(le16(data[70:])),
		instCount:    int(le16(data[72:])),
		order:        data[80:336],
	}
	pos := 336
	for i := 0; i < p.patternCount; i++ {
		rows := int(le16(data[pos+5:]))
		p.sizePosns = append(p.sizePosns, pos+7)
		size := le16(data[pos+7:])
		p.bodySizes = append(p.bodySizes, size)
		pos += 9
		pattern := make([][]parsedXMCell, rows)
		for row := 0; row < rows; row++ {
			cells := make([]parsedXMCell, p.channels)
			for ch := 0; ch < p.channels; ch++ {
				c := &cells[ch]
				c.flags = data[pos]
				pos++
				if c.flags&0x01 != 0 {
					c.note = data[pos]
					pos++
				}
				if c.flags&0x02 != 0 {
					c.inst = data[pos]
					pos++
				}
				if c.flags&0x04 != 0 {
					c.volume = data[pos]
					pos++
				}
				if c.flags&0x08 != 0 {
					c.effect = data[pos]
					pos++
				}
				if c.flags&0x10 != 0 {
					c.effectOp = data[pos]
					pos++
				}
			}
			pattern[row] = cells
		}
		p.patterns = append(p.patterns, pattern)
		p.bodyEnds = append(p.bodyEnds, pos)
	}
	p.instStart = pos
	return p
}
