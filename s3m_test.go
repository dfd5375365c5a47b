package unkrawerter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func buildS3MFixture(params moduleParams, pcm []byte, patterns ...[][]testCell) (*ROM, uint32, []uint32) {
	b := &romBuilder{}
	b.pad(16)
	sampleOff := b.addSample(pcm, 0, 22050)
	var patOffs []uint32
	for _, rows := range patterns {
		patOffs = append(patOffs, b.addPattern(rows))
	}
	if params.orders == nil {
		params.orders = make([]byte, len(patterns))
		for i := range params.orders {
			params.orders[i] = byte(i)
		}
	}
	modOff := b.addModule(params, patOffs)
	return b.rom(), modOff, []uint32{sampleOff}
}

func fullRows(first []testCell, n int) [][]testCell {
	rows := make([][]testCell, n)
	rows[0] = first
	return rows
}

func TestWriteModuleToS3M(t *testing.T) {
	pcm := []byte{0x00, 0x7F, 0x80, 0xFE}
	rom, modOff, sampleOffs := buildS3MFixture(moduleParams{channels: 4}, pcm,
		fullRows([]testCell{
			{ch: 0, hasNote: true, note: 13, inst: 1, hasVol: true, vol: 0x30, hasEff: true, eff: effSpeedBPM, op: 0x1F},
			{ch: 1, hasNote: true, note: 97, inst: 1},
		}, 64),
	)
	var out bytes.Buffer
	if err := WriteModuleToS3M(rom, modOff, sampleOffs, &out, DefaultVersion, S3MOptions{TrimInstruments: true}); err != nil {
		t.Fatal(err)
	}
	data := out.Bytes()
	le16 := binary.LittleEndian.Uint16

	if string(data[0x2C:0x30]) != "SCRM" {
		t.Fatalf("missing SCRM magic: %q", data[0x2C:0x30])
	}
	ordNum := int(le16(data[0x20:]))
	insNum := int(le16(data[0x22:]))
	patNum := int(le16(data[0x24:]))
	if ordNum != 1 || insNum != 1 || patNum != 1 {
		t.Fatalf("orders/instruments/patterns = %d/%d/%d, want 1/1/1", ordNum, insNum, patNum)
	}

	paraBase := 0x60 + ordNum
	instPara := int(le16(data[paraBase:])) * 16
	patPara := int(le16(data[paraBase+insNum*2:])) * 16

	t.Run("alignment", func(t *testing.T) {
		if instPara%16 != 0 || patPara%16 != 0 {
			t.Error("parapointers not 16-byte scaled")
		}
		if len(data)%16 != 0 {
			t.Errorf("file length %d not 16-byte aligned", len(data))
		}
	})

	t.Run("sampleHeader", func(t *testing.T) {
		if data[instPara] != 1 {
			t.Errorf("sample type %d, want 1", data[instPara])
		}
		if string(data[instPara+76:instPara+80]) != "SCRS" {
			t.Errorf("missing SCRS magic")
		}
		length := binary.LittleEndian.Uint32(data[instPara+16:])
		if length != uint32(len(pcm)) {
			t.Errorf("sample length %d, want %d", length, len(pcm))
		}
		memseg := int(data[instPara+13])<<16 | int(le16(data[instPara+14:]))
		body := memseg * 16
		if body%16 != 0 || body >= len(data) {
			t.Fatalf("bad sample body parapointer %X", body)
		}
		for i, v := range pcm {
			if data[body+i] != v^0x80 {
				t.Errorf("body[%d] = %02X, want unsigned %02X", i, data[body+i], v^0x80)
			}
		}
	})

	t.Run("patternBody", func(t *testing.T) {
		body := data[patPara+2:]
		follow := body[0]
		if follow&0x1F != 0 || follow&0x20 == 0 || follow&0x40 == 0 || follow&0x80 == 0 {
			t.Fatalf("unexpected follow byte %02X", follow)
		}
		if body[1] != 0x10 {
			t.Errorf("note byte %02X, want octave/semitone 10", body[1])
		}
		if body[2] != 1 {
			t.Errorf("instrument byte %d, want 1", body[2])
		}
		if body[3] != 0x20 {
			t.Errorf("volume byte %02X, want 20", body[3])
		}
		if body[4] != s3mEffA || body[5] != 0x1F {
			t.Errorf("effect %02X %02X, want A 1F", body[4], body[5])
		}
		// Channel 1: note off becomes 254.
		if body[6]&0x1F != 1 || body[7] != 254 {
			t.Errorf("channel 1 note-off: follow %02X note %02X", body[6], body[7])
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		var again bytes.Buffer
		if err := WriteModuleToS3M(rom, modOff, sampleOffs, &again, DefaultVersion, S3MOptions{TrimInstruments: true}); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, again.Bytes()) {
			t.Error("two runs produced different output")
		}
	})
}

func TestS3MRejections(t *testing.T) {
	t.Run("shortFirstPattern", func(t *testing.T) {
		rom, modOff, sampleOffs := buildS3MFixture(moduleParams{channels: 2}, make([]byte, 8),
			fullRows([]testCell{{ch: 0, hasNote: true, note: 13, inst: 1}}, 63),
		)
		var out bytes.Buffer
		err := WriteModuleToS3M(rom, modOff, sampleOffs, &out, DefaultVersion, S3MOptions{})
		if !errors.Is(err, ErrUnsupportedTargetFormat) {
			t.Errorf("got %v, want ErrUnsupportedTargetFormat", err)
		}
	})

	t.Run("instrumentBased", func(t *testing.T) {
		rom, modOff, sampleOffs := buildS3MFixture(moduleParams{channels: 2, instrumentBased: true}, make([]byte, 8),
			fullRows([]testCell{{ch: 0, hasNote: true, note: 13, inst: 1}}, 64),
		)
		var out bytes.Buffer
		err := WriteModuleToS3M(rom, modOff, sampleOffs, &out, DefaultVersion, S3MOptions{})
		if !errors.Is(err, ErrUnsupportedTargetFormat) {
			t.Errorf("got %v, want ErrUnsupportedTargetFormat", err)
		}
	})
}
