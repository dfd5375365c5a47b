package unkrawerter

import (
	"io"

	"github.com/pkg/errors"
	wav "github.com/youpy/go-wav"
)

// WriteSampleToWAV dumps the sample record at offset as a mono PCM WAV at
// the sample's own c2Freq rate: unsigned 8-bit, or 16-bit for HQ samples.
func WriteSampleToWAV(rom *ROM, offset uint32, w io.Writer) error {
	s, err := ReadSample(rom, offset)
	if err != nil {
		return err
	}
	rate := s.C2Freq
	if rate == 0 {
		rate = 8363
	}
	if s.HQ {
		n := s.Size / 2
		out := wav.NewWriter(w, n, 1, rate, 16)
		samples := make([]wav.Sample, 0, n)
		for k := uint32(0); k+1 < s.Size; k += 2 {
			v := int(int16(uint16(s.Data[k]) | uint16(s.Data[k+1])<<8))
			samples = append(samples, wav.Sample{Values: [2]int{v, v}})
		}
		if err := out.WriteSamples(samples); err != nil {
			return errors.Wrap(err, "writing WAV samples")
		}
		return nil
	}
	out := wav.NewWriter(w, s.Size, 1, rate, 8)
	samples := make([]wav.Sample, 0, s.Size)
	for _, v := range s.Data {
		u := int(v ^ 0x80)
		samples = append(samples, wav.Sample{Values: [2]int{u, u}})
	}
	if err := out.WriteSamples(samples); err != nil {
		return errors.Wrap(err, "writing WAV samples")
	}
	return nil
}
