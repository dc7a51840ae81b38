package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/features"
)

// TimestampBase is the token id of the 0.00s timestamp. Timestamp tokens
// advance by one per 20ms.
const TimestampBase = 50364

const timestampResolution = 20 * time.Millisecond

// Hypothesis is one decode result over a window. Pieces, when present, holds
// the text of each token and is parallel to Tokens.
type Hypothesis struct {
	Tokens           []int    `json:"tokens"`
	Pieces           []string `json:"pieces,omitempty"`
	Text             string   `json:"text"`
	AvgLogprob       float64  `json:"avg_logprob"`
	CompressionRatio float64  `json:"compression_ratio"`
	NoSpeechProb     float64  `json:"no_speech_prob"`
	Temperature      float64  `json:"temperature"`
}

// Window is the fixed-size input to one decode. Frames is always padded to
// the configured window length; only the first Available frames are real.
type Window struct {
	Frames     []features.Frame
	Available  int
	Offset     int
	Kind       string
	SampleRate int
	HopLength  int
}

// Samples flattens the real part of a pcm window into one waveform.
func (w Window) Samples() []float32 {
	return features.Flatten(w.Frames[:w.Available])
}

// Decoder abstracts speech recognition backends.
type Decoder interface {
	Decode(ctx context.Context, window Window, opts Options) (Hypothesis, error)
}

// Tokenizer is implemented by decoders that can turn token ids back into text
// when a hypothesis carries no Pieces.
type Tokenizer interface {
	DecodeTokens(tokens []int) string
}

// Options are the per-attempt decode settings. BeamSize and BestOf are
// mutually exclusive.
type Options struct {
	Task        string
	Language    string
	Temperature float64
	BeamSize    int
	BestOf      int
	FP16        bool
}

// NewOptions uses beam search at temperature 0 and best-of sampling above it.
func NewOptions(task, language string, temperature float64, beamSize, bestOf int, fp16 bool) Options {
	opts := Options{
		Task:        task,
		Language:    language,
		Temperature: temperature,
		FP16:        fp16,
	}
	if temperature == 0 {
		opts.BeamSize = beamSize
	} else {
		opts.BestOf = bestOf
	}
	return opts
}

// ErrFault matches every FaultError.
var ErrFault = errors.New("decoder fault")

// FaultError reports a decoder failure. It is never retried.
type FaultError struct {
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("decoder fault: %v", e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

func (e *FaultError) Is(target error) bool { return target == ErrFault }

// Attempt runs exactly one decode over window.
func Attempt(ctx context.Context, d Decoder, window Window, opts Options) (Hypothesis, error) {
	hyp, err := d.Decode(ctx, window, opts)
	if err != nil {
		return Hypothesis{}, &FaultError{Err: err}
	}
	hyp.Temperature = opts.Temperature
	if hyp.CompressionRatio == 0 && hyp.Text != "" {
		hyp.CompressionRatio = CompressionRatio(hyp.Text)
	}
	return hyp, nil
}

// New builds the decoder selected by cfg.Mode.
func New(cfg config.DecoderConfig, logger *slog.Logger) (Decoder, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMock(), nil
	case "exec":
		return NewExecDecoder(cfg)
	case "openai":
		return NewOpenAIDecoder(cfg)
	case "whispercpp":
		return NewWhisperCppDecoder(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown decoder mode %q", cfg.Mode)
	}
}

// Close releases decoders that hold native resources.
func Close(d Decoder) error {
	if c, ok := d.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// TimestampToken maps an offset inside the window to its timestamp token.
func TimestampToken(d time.Duration) int {
	if d < 0 {
		d = 0
	}
	return TimestampBase + int((d+timestampResolution/2)/timestampResolution)
}

// TimedSegment is a backend segment expressed in window time.
type TimedSegment struct {
	Start  time.Duration
	End    time.Duration
	Tokens []int
	Pieces []string
	Text   string
}

// FromSegments lays out segment-level results as timestamp-delimited token
// runs: start timestamp, text tokens, end timestamp. Segments without their
// own tokens contribute one placeholder token carrying the segment text.
// The layout always opens on the window-start timestamp, so a first segment
// that starts late is preceded by an empty run covering the leading silence.
func FromSegments(segs []TimedSegment) (tokens []int, pieces []string) {
	if len(segs) > 0 && TimestampToken(segs[0].Start) > TimestampBase {
		tokens = append(tokens, TimestampBase, TimestampToken(segs[0].Start))
		pieces = append(pieces, "", "")
	}
	for _, seg := range segs {
		tokens = append(tokens, TimestampToken(seg.Start))
		pieces = append(pieces, "")
		if len(seg.Tokens) > 0 && len(seg.Pieces) == len(seg.Tokens) {
			tokens = append(tokens, seg.Tokens...)
			pieces = append(pieces, seg.Pieces...)
		} else {
			tokens = append(tokens, 0)
			pieces = append(pieces, seg.Text)
		}
		end := seg.End
		if end <= seg.Start {
			end = seg.Start + timestampResolution
		}
		tokens = append(tokens, TimestampToken(end))
		pieces = append(pieces, "")
	}
	return tokens, pieces
}
