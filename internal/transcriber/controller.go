package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/decoder"
	"github.com/loqalabs/loqa-stream/internal/features"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Source yields whatever mono samples arrived since the previous call. It
// must not block for long. io.EOF marks the end of a finite stream.
type Source interface {
	Read() ([]float32, error)
}

// Options configures a Controller.
type Options struct {
	WindowFrames             int
	MinFrames                int
	InputStride              int
	Padding                  int
	InitStep                 time.Duration
	MinStep                  time.Duration
	ShutdownTimeout          time.Duration
	Thresholds               Thresholds
	Temperatures             []float64
	Task                     string
	Language                 string
	BeamSize                 int
	BestOf                   int
	FP16                     bool
	ResetTemperatureOnAccept bool
	Verbose                  bool
}

func DefaultOptions() Options {
	return Options{
		WindowFrames:    3000,
		MinFrames:       200,
		InputStride:     2,
		Padding:         200,
		InitStep:        3 * time.Second,
		MinStep:         100 * time.Millisecond,
		ShutdownTimeout: time.Second,
		Thresholds:      DefaultThresholds(),
		Temperatures:    []float64{0, 0.2, 0.6},
		Task:            "transcribe",
		Language:        "en",
		BeamSize:        10,
		BestOf:          10,
		FP16:            true,
	}
}

func OptionsFromConfig(t config.TranscriberConfig, d config.DecoderConfig) Options {
	return Options{
		WindowFrames:    t.WindowFrames,
		MinFrames:       t.MinFrames,
		InputStride:     t.InputStride,
		Padding:         t.Padding,
		InitStep:        time.Duration(t.InitStepMS) * time.Millisecond,
		MinStep:         time.Duration(t.MinStepMS) * time.Millisecond,
		ShutdownTimeout: time.Duration(t.ShutdownTimeoutMS) * time.Millisecond,
		Thresholds: Thresholds{
			Logprob:          t.LogprobThreshold,
			CompressionRatio: t.CompressionRatioThreshold,
			NoSpeech:         t.NoSpeechThreshold,
		},
		Temperatures:             append([]float64(nil), d.Temperature...),
		Task:                     d.Task,
		Language:                 d.Language,
		BeamSize:                 d.BeamSize,
		BestOf:                   d.BestOf,
		FP16:                     d.FP16,
		ResetTemperatureOnAccept: t.ResetTemperatureOnAccept,
		Verbose:                  t.Verbose,
	}
}

// ReadRequest is the consumer-side filter applied by Read. Zero fields take
// the controller thresholds, so a threshold of exactly 0 cannot be asked
// for; pass a value next to it such as 1e-9 instead. A non-zero Padding
// replaces the stability padding for subsequent cycles.
type ReadRequest struct {
	LogprobThreshold          float64
	CompressionRatioThreshold float64
	NoSpeechThreshold         float64
	Padding                   int
}

func (r ReadRequest) thresholds() Thresholds {
	return Thresholds{
		Logprob:          r.LogprobThreshold,
		CompressionRatio: r.CompressionRatioThreshold,
		NoSpeech:         r.NoSpeechThreshold,
	}
}

type outcome string

const (
	outcomeSkipped     outcome = "skipped"
	outcomeRejected    outcome = "rejected"
	outcomeDropped     outcome = "dropped"
	outcomeProvisional outcome = "provisional"
	outcomeCommitted   outcome = "committed"
	outcomeDrained     outcome = "drained"
	outcomeFailed      outcome = "failed"
	outcomeStopped     outcome = "stopped"
)

func (o outcome) terminal() bool {
	return o == outcomeDrained || o == outcomeFailed || o == outcomeStopped
}

// Controller turns a live audio source into finalized segments. One worker
// goroutine decodes; any number of goroutines may call Read.
type Controller struct {
	opts      Options
	src       Source
	dec       decoder.Decoder
	tokenizer decoder.Tokenizer
	ext       features.Extractor
	log       *slog.Logger
	tracer    trace.Tracer
	rec       *recorder

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	doneMu sync.Once

	state   atomic.Int32
	closed  atomic.Bool
	started atomic.Bool
	failure atomic.Pointer[FailedError]

	// mu guards everything below. It is held for a whole cycle, decode
	// included, but never across the pacing sleep.
	mu      sync.Mutex
	buf     *features.Buffer
	ladder  *Ladder
	queue   []Segment
	padding int
	eof     bool
}

func New(opts Options, src Source, dec decoder.Decoder, ext features.Extractor, log *slog.Logger) (*Controller, error) {
	if src == nil || dec == nil || ext == nil {
		return nil, errors.New("transcriber needs a source, a decoder and an extractor")
	}
	if opts.WindowFrames <= 0 || opts.InputStride <= 0 {
		return nil, errors.New("window_frames and input_stride must be positive")
	}
	if opts.InitStep <= 0 || opts.MinStep <= 0 {
		return nil, errors.New("init_step and min_step must be positive")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = time.Second
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	ladder, err := NewLadder(opts.Temperatures)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "transcriber"))

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		opts:    opts,
		src:     src,
		dec:     dec,
		ext:     ext,
		log:     log,
		tracer:  otel.Tracer(instrumentationName),
		rec:     newRecorder(log),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		buf:     features.NewBuffer(ext.Width()),
		ladder:  ladder,
		padding: opts.Padding,
	}
	if tok, ok := dec.(decoder.Tokenizer); ok {
		c.tokenizer = tok
	}
	return c, nil
}

// Start launches the worker. It may be called once. Cancelling ctx stops the
// worker like Close does.
func (c *Controller) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.state.Store(int32(StateRunning))
	stop := context.AfterFunc(ctx, c.cancel)
	go func() {
		defer stop()
		c.run()
	}()
	c.log.Info("transcriber started",
		slog.Int("window_frames", c.opts.WindowFrames),
		slog.Int("padding", c.opts.Padding),
		slog.Any("temperatures", c.opts.Temperatures),
	)
	return nil
}

// Read drains the output queue and returns the segments that pass req's
// quality filter.
func (c *Controller) Read(req ReadRequest) ([]Segment, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateIdle:
		return nil, ErrNotStarted
	case StateClosed:
		return nil, ErrClosed
	case StateFailed:
		return nil, c.failure.Load()
	}

	if req.Padding > 0 {
		c.padding = req.Padding
	}
	pending := c.queue
	c.queue = nil
	if len(pending) == 0 {
		return nil, nil
	}

	filter := req.thresholds().orDefault(c.opts.Thresholds)
	out := pending[:0]
	for _, seg := range pending {
		if filter.Accept(seg.Quality()) {
			out = append(out, seg)
		}
	}
	return out, nil
}

// Close stops the worker, waiting at most the shutdown timeout. Later Read
// calls return ErrClosed. It is safe to call more than once.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	if c.started.Load() {
		select {
		case <-c.done:
		case <-time.After(c.opts.ShutdownTimeout):
			c.log.Warn("transcriber worker did not stop in time", slog.Duration("timeout", c.opts.ShutdownTimeout))
		}
	} else {
		c.finish()
	}
	c.state.Store(int32(StateClosed))
	if c.mu.TryLock() {
		c.queue = nil
		c.mu.Unlock()
	}
	c.log.Info("transcriber closed")
	return nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

// Done is closed when the worker exits: drained, failed or closed.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the fault that stopped the worker, if any.
func (c *Controller) Err() error {
	if f := c.failure.Load(); f != nil {
		return f
	}
	return nil
}

func (c *Controller) Stats() Stats { return c.rec.snapshot(c.State()) }

func (c *Controller) finish() {
	c.doneMu.Do(func() { close(c.done) })
}

func (c *Controller) run() {
	defer c.finish()
	step := c.opts.InitStep
	timer := time.NewTimer(step)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			c.state.CompareAndSwap(int32(StateRunning), int32(StateClosed))
			return
		case <-timer.C:
		}
		next, result := c.cycle(c.ctx, step)
		if result.terminal() {
			return
		}
		step = next
		timer.Reset(step)
	}
}

// cycle runs one ingest and decode round and returns the next pacing step.
func (c *Controller) cycle(ctx context.Context, step time.Duration) (time.Duration, outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() || c.State() != StateRunning {
		return step, outcomeStopped
	}
	c.rec.cycles.Add(1)
	defer func() {
		c.rec.position(c.buf.Offset(), c.buf.Len(), c.ladder.Index())
	}()

	if err := c.ingest(); err != nil {
		c.fail(err)
		return step, outcomeFailed
	}

	if c.buf.Len() == 0 || c.buf.Len() < c.opts.MinFrames {
		if c.eof {
			c.drain("source exhausted")
			return step, outcomeDrained
		}
		c.rec.skipped.Add(1)
		return step, outcomeSkipped
	}

	offset := c.buf.Offset()
	available := c.buf.Available(c.opts.WindowFrames)
	window := decoder.Window{
		Frames:     c.buf.Window(c.opts.WindowFrames),
		Available:  available,
		Offset:     offset,
		Kind:       c.ext.Kind(),
		SampleRate: c.ext.SampleRate(),
		HopLength:  c.ext.HopLength(),
	}
	opts := decoder.NewOptions(c.opts.Task, c.opts.Language, c.ladder.Current(), c.opts.BeamSize, c.opts.BestOf, c.opts.FP16)

	spanCtx, span := c.tracer.Start(ctx, "transcriber.decode", trace.WithAttributes(
		attribute.Int("offset", offset),
		attribute.Int("available", available),
		attribute.Float64("temperature", opts.Temperature),
	))
	started := time.Now()
	hyp, err := decoder.Attempt(spanCtx, c.dec, window, opts)
	took := time.Since(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		span.End()
		c.rec.decode(ctx, "fault", took)
		c.fail(err)
		return step, outcomeFailed
	}

	if !c.opts.Thresholds.Accept(qualityOf(hyp)) {
		span.SetAttributes(attribute.String("outcome", string(outcomeRejected)))
		span.End()
		c.rec.decode(ctx, string(outcomeRejected), took)
		return c.reject(ctx, hyp, step, available)
	}
	span.SetAttributes(attribute.String("outcome", "accepted"))
	span.End()
	c.rec.decode(ctx, "accepted", took)
	if c.opts.ResetTemperatureOnAccept {
		c.ladder.Reset()
	}

	padding := c.padding
	if c.eof {
		padding = 0
	}
	mapper := Mapper{
		Offset:     offset,
		Stride:     c.opts.InputStride,
		HopLength:  c.ext.HopLength(),
		SampleRate: c.ext.SampleRate(),
	}
	if len(hyp.Tokens) > 0 {
		mapper.Origin = hyp.Tokens[0]
	}
	front := frontier{
		offset:    offset,
		available: available,
		padding:   padding,
		final:     c.eof && c.buf.Len() <= c.opts.WindowFrames,
	}
	stable, end := stableSegments(hyp, mapper, front, c.tokenizer)
	if end <= offset {
		if c.eof {
			c.drain("no stable segments left")
			return c.opts.InitStep, outcomeDrained
		}
		c.logHypothesis("provisional hypothesis", hyp)
		return c.opts.InitStep, outcomeProvisional
	}

	commit := end - offset
	if err := c.buf.Commit(commit); err != nil {
		c.fail(fmt.Errorf("commit stable segments: %w", err))
		return step, outcomeFailed
	}
	c.queue = append(c.queue, stable...)
	c.ladder.Reset()
	c.rec.commit(ctx, commit, len(stable))
	c.log.Debug("committed segments",
		slog.Int("segments", len(stable)),
		slog.Int("frames", commit),
		slog.Int("offset", c.buf.Offset()),
	)
	return c.opts.InitStep, outcomeCommitted
}

func (c *Controller) reject(ctx context.Context, hyp decoder.Hypothesis, step time.Duration, available int) (time.Duration, outcome) {
	next := step / 2
	escalated := c.ladder.Escalate()
	c.logHypothesis("low quality hypothesis", hyp)
	if escalated || next >= c.opts.MinStep {
		return next, outcomeRejected
	}
	if err := c.buf.Commit(available); err != nil {
		c.fail(fmt.Errorf("drop window: %w", err))
		return step, outcomeFailed
	}
	c.ladder.Reset()
	c.rec.drop(ctx, available)
	c.log.Info("dropped undecodable audio",
		slog.Int("frames", available),
		slog.Int("offset", c.buf.Offset()),
	)
	return c.opts.InitStep, outcomeDropped
}

func (c *Controller) ingest() error {
	samples, err := c.src.Read()
	if len(samples) > 0 {
		c.buf.Extend(c.ext.Push(samples))
	}
	if errors.Is(err, io.EOF) {
		if !c.eof {
			c.eof = true
			c.log.Info("audio source exhausted", slog.Int("buffered", c.buf.Len()))
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	return nil
}

func (c *Controller) fail(err error) {
	c.failure.Store(&FailedError{Cause: err})
	if c.state.CompareAndSwap(int32(StateRunning), int32(StateFailed)) {
		c.log.Error("transcriber stopped", slogError(err))
	}
	c.queue = nil
}

func (c *Controller) drain(reason string) {
	if c.state.CompareAndSwap(int32(StateRunning), int32(StateDrained)) {
		c.log.Info("transcriber drained", slog.String("reason", reason), slog.Int("discarded_frames", c.buf.Len()))
	}
}

func (c *Controller) logHypothesis(msg string, hyp decoder.Hypothesis) {
	level := slog.LevelDebug
	if c.opts.Verbose {
		level = slog.LevelInfo
	}
	c.log.Log(c.ctx, level, msg,
		slog.String("text", hyp.Text),
		slog.Float64("avg_logprob", hyp.AvgLogprob),
		slog.Float64("compression_ratio", hyp.CompressionRatio),
		slog.Float64("no_speech_prob", hyp.NoSpeechProb),
		slog.Float64("temperature", hyp.Temperature),
		slog.Int("temperature_index", c.ladder.Index()),
	)
}
