// Package audio provides the sample sources a transcriber reads from. Every
// source yields mono float32 samples in [-1, 1] at the configured rate.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/config"
)

// Source returns whatever samples arrived since the previous Read without
// blocking. io.EOF marks the end of a finite stream and may accompany the
// last samples.
type Source interface {
	Read() ([]float32, error)
	Close() error
}

// Deps are the shared resources some sources need.
type Deps struct {
	Bus    *bus.Client
	Logger *slog.Logger
}

// Open builds the source selected by cfg.Source.
func Open(ctx context.Context, cfg config.AudioConfig, deps Deps) (Source, error) {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "audio"), slog.String("source", cfg.Source))

	var (
		src Source
		err error
	)
	switch cfg.Source {
	case "wav":
		src, err = OpenWAV(cfg.Path, cfg.SampleRate, cfg.Realtime)
	case "bus":
		if deps.Bus == nil {
			return nil, errors.New("audio source bus requires a NATS connection")
		}
		src, err = SubscribeBus(deps.Bus, cfg.SessionID, cfg.SampleRate, log)
	case "capture":
		src, err = OpenCapture(ctx, cfg.SampleRate, log)
	case "silence", "":
		src = NewSilence(cfg.SampleRate)
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Source)
	}
	if err != nil {
		return nil, err
	}
	log.Info("audio source opened", slog.Int("sample_rate", cfg.SampleRate))
	return src, nil
}

// Scoped runs fn with src and closes src on every exit path.
func Scoped(src Source, fn func(Source) error) (err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close audio source: %w", cerr))
		}
	}()
	return fn(src)
}

// queue collects samples pushed from callbacks until the next Read.
type queue struct {
	mu      sync.Mutex
	pending []float32
	eof     bool
	err     error
}

func (q *queue) push(samples []float32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.eof || q.err != nil {
		return
	}
	q.pending = append(q.pending, samples...)
}

func (q *queue) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eof = true
}

func (q *queue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
}

func (q *queue) Read() ([]float32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	switch {
	case q.err != nil:
		return out, q.err
	case q.eof:
		return out, io.EOF
	}
	return out, nil
}
