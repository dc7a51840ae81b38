package transcriber

import "github.com/loqalabs/loqa-stream/internal/decoder"

// Quality is the subset of a decode result the gate looks at.
type Quality struct {
	AvgLogprob       float64
	CompressionRatio float64
	NoSpeechProb     float64
}

func qualityOf(h decoder.Hypothesis) Quality {
	return Quality{AvgLogprob: h.AvgLogprob, CompressionRatio: h.CompressionRatio, NoSpeechProb: h.NoSpeechProb}
}

// Thresholds is the quality gate. All three comparisons are strict.
type Thresholds struct {
	Logprob          float64
	CompressionRatio float64
	NoSpeech         float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Logprob: -1.0, CompressionRatio: 2.4, NoSpeech: 0.6}
}

func (t Thresholds) Accept(q Quality) bool {
	return q.AvgLogprob > t.Logprob &&
		q.CompressionRatio < t.CompressionRatio &&
		q.NoSpeechProb < t.NoSpeech
}

// orDefault fills zero fields from def.
func (t Thresholds) orDefault(def Thresholds) Thresholds {
	if t.Logprob == 0 {
		t.Logprob = def.Logprob
	}
	if t.CompressionRatio == 0 {
		t.CompressionRatio = def.CompressionRatio
	}
	if t.NoSpeech == 0 {
		t.NoSpeech = def.NoSpeech
	}
	return t
}
