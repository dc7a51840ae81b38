package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zeozeozeo/gomplerate"
)

// bytesToInt16 decodes little-endian PCM16. A trailing odd byte is ignored.
func bytesToInt16(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	return samples
}

// toMono averages interleaved channels.
func toMono(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for ch := 0; ch < channels; ch++ {
			sum += int32(samples[i*channels+ch])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// resampler converts one stream between fixed rates. It is rebuilt when the
// input rate changes.
type resampler struct {
	from, to int
	r        interface{ ResampleInt16([]int16) []int16 }
}

func (rs *resampler) int16(samples []int16, from, to int) ([]int16, error) {
	if from == to || len(samples) == 0 {
		return samples, nil
	}
	if rs.r == nil || rs.from != from || rs.to != to {
		r, err := gomplerate.NewResampler(1, from, to)
		if err != nil {
			return nil, fmt.Errorf("resample %d Hz to %d Hz: %w", from, to, err)
		}
		rs.r, rs.from, rs.to = r, from, to
	}
	return rs.r.ResampleInt16(samples), nil
}

func int16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// EncodePCM16 is the inverse of the bus frame decoding, used by publishers
// and tests.
func EncodePCM16(samples []float32) []byte {
	ints := float32ToInt16(samples)
	buf := make([]byte, len(ints)*2)
	for i, s := range ints {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}
