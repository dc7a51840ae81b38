package features

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	DefaultSampleRate = 16000
	DefaultHopLength  = 160
	DefaultNFFT       = 400
	DefaultMels       = 80
)

// Extractor turns a stream of mono samples into feature frames. Samples that
// do not yet fill a frame are retained for the next call.
type Extractor interface {
	Push(samples []float32) []Frame
	Kind() string
	Width() int
	HopLength() int
	SampleRate() int
}

// New builds an extractor by kind ("logmel" or "pcm").
func New(kind string, sampleRate, hopLength, nfft, nMels int) (Extractor, error) {
	switch kind {
	case "logmel", "":
		return NewLogMel(sampleRate, hopLength, nfft, nMels), nil
	case "pcm":
		return NewPCMFrames(sampleRate, hopLength), nil
	default:
		return nil, fmt.Errorf("unknown feature kind %q", kind)
	}
}

// PCMFrames slices the waveform itself into hop-sized frames, for decoders
// that consume raw audio.
type PCMFrames struct {
	sampleRate int
	hop        int
	pending    []float32
}

func NewPCMFrames(sampleRate, hopLength int) *PCMFrames {
	return &PCMFrames{sampleRate: sampleRate, hop: hopLength}
}

func (p *PCMFrames) Push(samples []float32) []Frame {
	p.pending = append(p.pending, samples...)
	n := len(p.pending) / p.hop
	if n == 0 {
		return nil
	}
	frames := make([]Frame, n)
	for i := range frames {
		frame := make(Frame, p.hop)
		copy(frame, p.pending[i*p.hop:(i+1)*p.hop])
		frames[i] = frame
	}
	p.pending = append(p.pending[:0], p.pending[n*p.hop:]...)
	return frames
}

func (p *PCMFrames) Kind() string    { return "pcm" }
func (p *PCMFrames) Width() int      { return p.hop }
func (p *PCMFrames) HopLength() int  { return p.hop }
func (p *PCMFrames) SampleRate() int { return p.sampleRate }

// Flatten concatenates PCM frames back into one waveform.
func Flatten(frames []Frame) []float32 {
	var n int
	for _, f := range frames {
		n += len(f)
	}
	out := make([]float32, 0, n)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// LogMel computes Whisper-style log-mel columns: Hann-windowed power spectrum,
// mel filterbank, log10, clamped to 8 below the running maximum and scaled to
// roughly [-1, 1].
type LogMel struct {
	sampleRate int
	hop        int
	nfft       int
	nMels      int
	filters    [][]float64
	window     []float64
	fft        *fourier.FFT
	pending    []float32
	peak       float64
}

func NewLogMel(sampleRate, hopLength, nfft, nMels int) *LogMel {
	return &LogMel{
		sampleRate: sampleRate,
		hop:        hopLength,
		nfft:       nfft,
		nMels:      nMels,
		filters:    melFilterbank(nfft, nMels, sampleRate),
		window:     hannWindow(nfft),
		fft:        fourier.NewFFT(nfft),
		peak:       math.Inf(-1),
	}
}

func (m *LogMel) Kind() string    { return "logmel" }
func (m *LogMel) Width() int      { return m.nMels }
func (m *LogMel) HopLength() int  { return m.hop }
func (m *LogMel) SampleRate() int { return m.sampleRate }

func (m *LogMel) Push(samples []float32) []Frame {
	m.pending = append(m.pending, samples...)
	if len(m.pending) < m.nfft {
		return nil
	}
	n := (len(m.pending)-m.nfft)/m.hop + 1

	raw := make([][]float64, n)
	buf := make([]float64, m.nfft)
	var coeffs []complex128
	for f := 0; f < n; f++ {
		start := f * m.hop
		for i := 0; i < m.nfft; i++ {
			buf[i] = float64(m.pending[start+i]) * m.window[i]
		}
		coeffs = m.fft.Coefficients(coeffs, buf)

		mel := make([]float64, m.nMels)
		for b := 0; b < m.nMels; b++ {
			var sum float64
			for k, c := range coeffs {
				w := m.filters[b][k]
				if w == 0 {
					continue
				}
				re, im := real(c), imag(c)
				sum += (re*re + im*im) * w
			}
			v := math.Log10(math.Max(sum, 1e-10))
			if v > m.peak {
				m.peak = v
			}
			mel[b] = v
		}
		raw[f] = mel
	}

	frames := make([]Frame, n)
	floor := m.peak - 8.0
	for f, mel := range raw {
		frame := make(Frame, m.nMels)
		for b, v := range mel {
			frame[b] = float32((math.Max(v, floor) + 4.0) / 4.0)
		}
		frames[f] = frame
	}
	m.pending = append(m.pending[:0], m.pending[n*m.hop:]...)
	return frames
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

// melFilterbank builds triangular filters on the HTK mel scale over the
// nfft/2+1 positive-frequency bins.
func melFilterbank(nfft, nMels, sampleRate int) [][]float64 {
	hzToMel := func(hz float64) float64 { return 2595.0 * math.Log10(1.0+hz/700.0) }
	melToHz := func(mel float64) float64 { return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0) }

	bins := nfft/2 + 1
	maxMel := hzToMel(float64(sampleRate) / 2)
	points := make([]float64, nMels+2)
	for i := range points {
		points[i] = melToHz(maxMel * float64(i) / float64(nMels+1))
	}

	filters := make([][]float64, nMels)
	for m := 0; m < nMels; m++ {
		lower, center, upper := points[m], points[m+1], points[m+2]
		row := make([]float64, bins)
		for k := 0; k < bins; k++ {
			hz := float64(k) * float64(sampleRate) / float64(nfft)
			switch {
			case hz > lower && hz <= center:
				row[k] = (hz - lower) / (center - lower)
			case hz > center && hz < upper:
				row[k] = (upper - hz) / (upper - center)
			}
		}
		// slaney-style area normalisation
		norm := 2.0 / (upper - lower)
		for k := range row {
			row[k] *= norm
		}
		filters[m] = row
	}
	return filters
}
