package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// WAVSource replays a decoded WAV file. With realtime pacing each Read only
// returns the samples a live microphone would have produced by now.
type WAVSource struct {
	samples    []float32
	pos        int
	sampleRate int
	realtime   bool
	now        func() time.Time
	started    time.Time
}

// OpenWAV decodes path into mono samples at sampleRate.
func OpenWAV(path string, sampleRate int, realtime bool) (*WAVSource, error) {
	if path == "" {
		return nil, errors.New("wav source requires audio.path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	defer f.Close()

	samples, err := decodeWAV(f, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &WAVSource{samples: samples, sampleRate: sampleRate, realtime: realtime, now: time.Now}, nil
}

func decodeWAV(r io.ReadSeeker, sampleRate int) ([]float32, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read pcm: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, errors.New("wav file has no usable format")
	}

	depth := int(d.BitDepth)
	pcm := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case depth == 8:
			pcm[i] = int16((v - 128) << 8)
		case depth > 16:
			pcm[i] = int16(v >> (depth - 16))
		default:
			pcm[i] = int16(v)
		}
	}
	mono := toMono(pcm, buf.Format.NumChannels)
	var rs resampler
	resampled, err := rs.int16(mono, buf.Format.SampleRate, sampleRate)
	if err != nil {
		return nil, err
	}
	return int16ToFloat32(resampled), nil
}

func (s *WAVSource) Read() ([]float32, error) {
	end := len(s.samples)
	if s.realtime {
		if s.started.IsZero() {
			s.started = s.now()
		}
		due := int(s.now().Sub(s.started).Seconds() * float64(s.sampleRate))
		end = min(due, len(s.samples))
	}
	if end < s.pos {
		end = s.pos
	}
	out := s.samples[s.pos:end]
	s.pos = end
	if s.pos >= len(s.samples) {
		return out, io.EOF
	}
	return out, nil
}

// Duration is the length of the decoded audio.
func (s *WAVSource) Duration() time.Duration {
	return time.Duration(len(s.samples)) * time.Second / time.Duration(max(s.sampleRate, 1))
}

func (s *WAVSource) Close() error { return nil }
