//go:build whispercpp

package decoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-stream/internal/config"
)

// whisperCppDecoder runs whisper.cpp in process. The model is loaded once;
// each attempt gets a fresh context.
type whisperCppDecoder struct {
	model   whisper.Model
	threads uint
	logger  *slog.Logger
	mu      sync.Mutex
}

func NewWhisperCppDecoder(cfg config.DecoderConfig, logger *slog.Logger) (Decoder, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper.cpp model_path not configured")
	}
	logger = logger.With(slog.String("component", "whispercpp"))
	logger.Info("loading whisper.cpp model", slog.String("path", cfg.ModelPath))
	model, err := whisper.New(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	logger.Info("whisper.cpp model loaded", slog.Bool("multilingual", model.IsMultilingual()))
	threads := uint(0)
	if cfg.Threads > 0 {
		threads = uint(cfg.Threads)
	}
	return &whisperCppDecoder{model: model, threads: threads, logger: logger}, nil
}

func (d *whisperCppDecoder) Decode(_ context.Context, window Window, opts Options) (Hypothesis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if window.Kind != "pcm" {
		return Hypothesis{}, fmt.Errorf("whisper.cpp decoder needs pcm frames, got %q", window.Kind)
	}

	wctx, err := d.model.NewContext()
	if err != nil {
		return Hypothesis{}, fmt.Errorf("create whisper context: %w", err)
	}
	if opts.Language != "" {
		if err := wctx.SetLanguage(opts.Language); err != nil {
			d.logger.Warn("failed to set language", slog.String("language", opts.Language), slogError(err))
		}
	}
	wctx.SetTranslate(opts.Task == "translate")
	if d.threads > 0 {
		wctx.SetThreads(d.threads)
	}
	wctx.SetTemperature(float32(opts.Temperature))
	// The bindings have no best_of setter, so sampled attempts use the
	// library default and opts.BestOf is ignored.
	if opts.BeamSize > 0 {
		wctx.SetBeamSize(opts.BeamSize)
	}

	if err := wctx.Process(window.Samples(), nil, nil, nil); err != nil {
		return Hypothesis{}, fmt.Errorf("whisper process: %w", err)
	}

	var (
		segs    []TimedSegment
		text    strings.Builder
		logprob float64
		counted int
	)
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Hypothesis{}, fmt.Errorf("get segment: %w", err)
		}
		seg := TimedSegment{Start: segment.Start, End: segment.End, Text: segment.Text}
		for _, tok := range segment.Tokens {
			if !wctx.IsText(tok) {
				continue
			}
			seg.Tokens = append(seg.Tokens, tok.Id)
			seg.Pieces = append(seg.Pieces, tok.Text)
			if tok.P > 0 {
				logprob += math.Log(float64(tok.P))
				counted++
			}
		}
		segs = append(segs, seg)
		text.WriteString(segment.Text)
	}

	if len(segs) == 0 {
		return Hypothesis{Tokens: []int{TimestampBase}, Pieces: []string{""}, NoSpeechProb: 1}, nil
	}
	// whisper.cpp does not report a no-speech probability through the
	// bindings. NoSpeechProb stays 0, so only a window with no segments at
	// all is treated as silence.
	hyp := Hypothesis{Text: text.String()}
	hyp.Tokens, hyp.Pieces = FromSegments(segs)
	if counted > 0 {
		hyp.AvgLogprob = logprob / float64(counted)
	}
	return hyp, nil
}

func (d *whisperCppDecoder) Close() error {
	return d.model.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
