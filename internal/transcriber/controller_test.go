package transcriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/decoder"
	"github.com/loqalabs/loqa-stream/internal/features"
)

// unitExtractor turns every sample into one single-value frame so tests can
// reason in frames directly.
type unitExtractor struct{}

func (unitExtractor) Push(samples []float32) []features.Frame {
	frames := make([]features.Frame, len(samples))
	for i, s := range samples {
		frames[i] = features.Frame{s}
	}
	return frames
}
func (unitExtractor) Kind() string    { return "logmel" }
func (unitExtractor) Width() int      { return 1 }
func (unitExtractor) HopLength() int  { return 160 }
func (unitExtractor) SampleRate() int { return 16000 }

type fakeSource struct {
	mu      sync.Mutex
	pending []float32
	eof     bool
	err     error
}

func (s *fakeSource) push(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, make([]float32, n)...)
}

func (s *fakeSource) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
}

func (s *fakeSource) Read() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := s.pending
	s.pending = nil
	if s.eof {
		return out, io.EOF
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// hypothesis builds confident runs ending at the given frame distances from
// the window start. Stride 2 means one timestamp tick per two frames.
func hypothesis(ends ...int) decoder.Hypothesis {
	var segs []decoder.TimedSegment
	start := 0
	for i, end := range ends {
		segs = append(segs, decoder.TimedSegment{
			Start: time.Duration(start) * 10 * time.Millisecond,
			End:   time.Duration(end) * 10 * time.Millisecond,
			Text:  fmt.Sprintf(" seg%d", i),
		})
		start = end
	}
	tokens, pieces := decoder.FromSegments(segs)
	return decoder.Hypothesis{Tokens: tokens, Pieces: pieces, AvgLogprob: -0.2, CompressionRatio: 1.2, NoSpeechProb: 0.1}
}

func lowQuality() decoder.Hypothesis {
	h := hypothesis(100)
	h.AvgLogprob = -2
	return h
}

func newTestController(t *testing.T, src Source, dec decoder.Decoder, mutate func(*Options)) *Controller {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts, src, dec, unitExtractor{}, discardLogger())
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// begin marks the controller running without a worker so tests can drive
// cycles by hand.
func begin(c *Controller) {
	c.state.Store(int32(StateRunning))
}

func TestCycleCommitsStableSegments(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock(decoder.Step{Hypothesis: hypothesis(100, 400, 900)})
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(1000)
	next, result := c.cycle(context.Background(), time.Second)
	if result != outcomeCommitted {
		t.Fatalf("expected commit, got %s", result)
	}
	if next != c.opts.InitStep {
		t.Fatalf("expected step reset to %v, got %v", c.opts.InitStep, next)
	}
	if c.buf.Offset() != 400 {
		t.Fatalf("expected offset 400, got %d", c.buf.Offset())
	}

	segs, err := c.Read(ReadRequest{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("expected 2 stable segments, got %+v", segs)
	}
	if segs[0].Text != "seg0" || segs[0].StartPos != 0 || segs[0].EndPos != 100 {
		t.Fatalf("unexpected first segment %+v", segs[0])
	}
	if segs[1].StartPos != 100 || segs[1].EndPos != 400 || segs[1].End != 4*time.Second {
		t.Fatalf("unexpected second segment %+v", segs[1])
	}

	again, err := c.Read(ReadRequest{})
	if err != nil || len(again) != 0 {
		t.Fatalf("expected an empty second read, got %v %v", again, err)
	}
	if got := c.Stats(); got.Segments != 2 || got.CommittedFrames != 400 || got.Offset != 400 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestLateFirstSegmentKeepsWindowPositions(t *testing.T) {
	tokens, pieces := decoder.FromSegments([]decoder.TimedSegment{
		{Start: 3 * time.Second, End: 5 * time.Second, Text: " hello"},
	})
	dec := decoder.NewMock(decoder.Step{Hypothesis: decoder.Hypothesis{
		Tokens:           tokens,
		Pieces:           pieces,
		AvgLogprob:       -0.2,
		CompressionRatio: 1.2,
		NoSpeechProb:     0.1,
	}})
	src := &fakeSource{}
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(1000)
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeCommitted {
		t.Fatalf("expected commit, got %s", result)
	}
	// the leading 3s of silence is committed along with the segment
	if c.buf.Offset() != 500 {
		t.Fatalf("expected offset 500, got %d", c.buf.Offset())
	}
	segs, err := c.Read(ReadRequest{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("expected only the spoken segment, got %+v", segs)
	}
	got := segs[0]
	if got.Text != "hello" || got.StartPos != 300 || got.EndPos != 500 {
		t.Fatalf("unexpected segment %+v", got)
	}
	if got.Start != 3*time.Second || got.End != 5*time.Second {
		t.Fatalf("unexpected times %v -> %v", got.Start, got.End)
	}
}

func TestNoReemissionAcrossCycles(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock(
		decoder.Step{Hypothesis: hypothesis(100, 400, 900)},
		// re-decoded from offset 400: the old 400..900 run is seen again
		decoder.Step{Hypothesis: hypothesis(500, 1000)},
	)
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(1000)
	c.cycle(context.Background(), time.Second)
	first, _ := c.Read(ReadRequest{})

	src.push(600)
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeCommitted {
		t.Fatalf("expected commit, got %s", result)
	}
	second, _ := c.Read(ReadRequest{})
	if len(second) != 1 {
		t.Fatalf("expected one new segment, got %+v", second)
	}
	if second[0].StartPos != 400 || second[0].EndPos != 900 {
		t.Fatalf("unexpected segment %+v", second[0])
	}
	if second[0].StartPos < first[len(first)-1].EndPos {
		t.Fatalf("segment %+v overlaps already emitted audio", second[0])
	}
	if calls := dec.Calls(); calls[1].Offset != 400 || calls[1].Available != 1200 {
		t.Fatalf("unexpected second window %+v", calls[1])
	}
}

func TestSkipBelowMinFrames(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock()
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(150)
	next, result := c.cycle(context.Background(), 750*time.Millisecond)
	if result != outcomeSkipped || next != 750*time.Millisecond {
		t.Fatalf("expected skip with unchanged step, got %s %v", result, next)
	}
	if len(dec.Calls()) != 0 {
		t.Fatalf("decoder must not run below min frames")
	}
}

func TestRejectEscalatesThenDrops(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock()
	for i := 0; i < 5; i++ {
		dec.Push(decoder.Step{Hypothesis: lowQuality()})
	}
	c := newTestController(t, src, dec, nil)
	begin(c)
	src.push(500)

	step := c.opts.InitStep
	var results []outcome
	for i := 0; i < 5; i++ {
		var result outcome
		step, result = c.cycle(context.Background(), step)
		results = append(results, result)
	}
	for i, r := range results[:4] {
		if r != outcomeRejected {
			t.Fatalf("cycle %d: expected reject, got %s", i, r)
		}
	}
	if results[4] != outcomeDropped {
		t.Fatalf("expected drop on the fifth cycle, got %s", results[4])
	}
	if step != c.opts.InitStep {
		t.Fatalf("expected step reset after drop, got %v", step)
	}
	if c.buf.Offset() != 500 || c.buf.Len() != 0 {
		t.Fatalf("expected whole window dropped, offset %d len %d", c.buf.Offset(), c.buf.Len())
	}
	if c.ladder.Index() != 0 {
		t.Fatalf("expected ladder reset after drop")
	}

	wantTemps := []float64{0, 0.2, 0.6, 0.6, 0.6}
	for i, call := range dec.Calls() {
		if call.Options.Temperature != wantTemps[i] {
			t.Fatalf("call %d: expected temperature %v, got %v", i, wantTemps[i], call.Options.Temperature)
		}
		if (call.Options.Temperature == 0) != (call.Options.BeamSize > 0) {
			t.Fatalf("call %d: beam size only applies at temperature 0: %+v", i, call.Options)
		}
	}
	segs, _ := c.Read(ReadRequest{})
	if len(segs) != 0 {
		t.Fatalf("dropped audio must not produce segments")
	}
	if got := c.Stats(); got.Drops != 1 || got.DroppedFrames != 500 || got.Rejected != 5 {
		t.Fatalf("unexpected stats %+v", got)
	}
}

func TestDropOnlyCommitsTheWindow(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock(decoder.Step{Hypothesis: lowQuality()})
	c := newTestController(t, src, dec, func(o *Options) {
		o.Temperatures = []float64{0}
		o.WindowFrames = 300
	})
	begin(c)
	src.push(500)

	if _, result := c.cycle(context.Background(), 150*time.Millisecond); result != outcomeDropped {
		t.Fatalf("expected drop, got %s", result)
	}
	if c.buf.Offset() != 300 || c.buf.Len() != 200 {
		t.Fatalf("expected only the 300-frame window dropped, offset %d len %d", c.buf.Offset(), c.buf.Len())
	}
}

func TestProvisionalKeepsTemperature(t *testing.T) {
	for _, resetOnAccept := range []bool{false, true} {
		t.Run(fmt.Sprintf("reset_on_accept=%v", resetOnAccept), func(t *testing.T) {
			src := &fakeSource{}
			dec := decoder.NewMock(
				decoder.Step{Hypothesis: lowQuality()},
				decoder.Step{Hypothesis: hypothesis(900)},
			)
			c := newTestController(t, src, dec, func(o *Options) { o.ResetTemperatureOnAccept = resetOnAccept })
			begin(c)
			src.push(1000)

			step, _ := c.cycle(context.Background(), c.opts.InitStep)
			if _, result := c.cycle(context.Background(), step); result != outcomeProvisional {
				t.Fatalf("expected provisional, got %s", result)
			}
			want := 1
			if resetOnAccept {
				want = 0
			}
			if c.ladder.Index() != want {
				t.Fatalf("expected ladder index %d, got %d", want, c.ladder.Index())
			}
			if c.buf.Offset() != 0 {
				t.Fatalf("provisional results must not commit")
			}
		})
	}
}

func TestDecoderFaultFailsController(t *testing.T) {
	src := &fakeSource{}
	cause := errors.New("cuda out of memory")
	dec := decoder.NewMock(decoder.Step{Err: cause})
	c := newTestController(t, src, dec, nil)
	begin(c)
	src.push(500)

	if _, result := c.cycle(context.Background(), time.Second); result != outcomeFailed {
		t.Fatalf("expected failure, got %s", result)
	}
	if c.State() != StateFailed {
		t.Fatalf("expected failed state, got %s", c.State())
	}
	_, err := c.Read(ReadRequest{})
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if !errors.Is(err, ErrFailed) || !errors.Is(err, cause) || !errors.Is(err, decoder.ErrFault) {
		t.Fatalf("failure must wrap the decoder fault: %v", err)
	}
	if c.Err() == nil {
		t.Fatalf("expected Err to report the fault")
	}
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeStopped {
		t.Fatalf("a failed controller must not decode again")
	}
}

func TestSourceFaultFailsController(t *testing.T) {
	src := &fakeSource{err: errors.New("device unplugged")}
	c := newTestController(t, src, decoder.NewMock(), nil)
	begin(c)
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeFailed {
		t.Fatalf("expected failure, got %s", result)
	}
	if _, err := c.Read(ReadRequest{}); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
}

func TestLifecycleErrors(t *testing.T) {
	c := newTestController(t, &fakeSource{}, decoder.NewMock(), nil)
	if _, err := c.Read(ReadRequest{}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := c.Read(ReadRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from Start, got %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("expected Done closed after Close")
	}
}

func TestReadFilterAndPaddingOverride(t *testing.T) {
	src := &fakeSource{}
	weak := hypothesis(300)
	weak.AvgLogprob = -0.5
	dec := decoder.NewMock(
		decoder.Step{Hypothesis: weak},
		decoder.Step{Hypothesis: hypothesis(650)},
	)
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(1000)
	c.cycle(context.Background(), time.Second)
	segs, err := c.Read(ReadRequest{LogprobThreshold: -0.3, Padding: 40})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected weak segment filtered out, got %+v", segs)
	}
	if c.buf.Offset() != 300 {
		t.Fatalf("filtered segments are still committed, offset %d", c.buf.Offset())
	}

	// 300 + 650 + 40 < 300 + 700 only holds with the overridden padding
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeCommitted {
		t.Fatalf("expected commit with the smaller padding, got %s", result)
	}
}

func TestDrainAtEndOfStream(t *testing.T) {
	src := &fakeSource{}
	dec := decoder.NewMock(decoder.Step{Hypothesis: hypothesis(400, 1000)})
	c := newTestController(t, src, dec, nil)
	begin(c)

	src.push(1000)
	src.finish()
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeCommitted {
		t.Fatalf("expected commit, got %s", result)
	}
	if c.buf.Len() != 0 {
		t.Fatalf("expected the tail segment committed at end of stream, %d frames left", c.buf.Len())
	}
	if _, result := c.cycle(context.Background(), time.Second); result != outcomeDrained {
		t.Fatalf("expected drain, got %s", result)
	}
	if c.State() != StateDrained {
		t.Fatalf("expected drained state, got %s", c.State())
	}
	segs, err := c.Read(ReadRequest{})
	if err != nil || len(segs) != 2 {
		t.Fatalf("expected both segments after drain, got %v %v", segs, err)
	}
}

func TestWorkerRunsToDrain(t *testing.T) {
	src := &fakeSource{}
	src.push(1000)
	src.finish()
	c := newTestController(t, src, decoder.NewMock(), func(o *Options) {
		o.InitStep = 5 * time.Millisecond
		o.MinStep = time.Millisecond
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not drain")
	}
	segs, err := c.Read(ReadRequest{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(segs) != 5 {
		t.Fatalf("expected 5 synthetic segments, got %d", len(segs))
	}
	for i := 1; i < len(segs); i++ {
		if segs[i].StartPos < segs[i-1].EndPos {
			t.Fatalf("segments out of order: %+v then %+v", segs[i-1], segs[i])
		}
	}
}

func TestConcurrentReadersSeeEachSegmentOnce(t *testing.T) {
	src := &fakeSource{}
	c := newTestController(t, src, decoder.NewMock(), func(o *Options) {
		o.InitStep = 2 * time.Millisecond
		o.MinStep = time.Millisecond
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		for i := 0; i < 30; i++ {
			src.push(100)
			time.Sleep(time.Millisecond)
		}
		src.finish()
	}()

	const readers = 4
	var (
		mu  sync.Mutex
		all []Segment
		wg  sync.WaitGroup
	)
	errs := make(chan error, readers)
	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := -1
			for {
				drained := false
				select {
				case <-c.Done():
					drained = true
				default:
				}
				segs, err := c.Read(ReadRequest{})
				if err != nil {
					errs <- err
					return
				}
				for _, seg := range segs {
					if seg.StartPos < last {
						errs <- fmt.Errorf("segment %+v read after one ending at %d", seg, last)
						return
					}
					last = seg.EndPos
				}
				mu.Lock()
				all = append(all, segs...)
				mu.Unlock()
				if drained {
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatalf("readers did not finish")
	}
	close(errs)
	for err := range errs {
		t.Fatalf("reader: %v", err)
	}

	// 3000 frames make 15 synthetic segments of 200 frames
	if len(all) != 15 {
		t.Fatalf("expected 15 segments across readers, got %d", len(all))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartPos < all[j].StartPos })
	for i, seg := range all {
		if seg.StartPos != i*200 || seg.EndPos != (i+1)*200 {
			t.Fatalf("segment %d is %+v, expected frames %d-%d exactly once", i, seg, i*200, (i+1)*200)
		}
	}
}

func TestCloseStopsSleepingWorker(t *testing.T) {
	c := newTestController(t, &fakeSource{}, decoder.NewMock(), func(o *Options) {
		o.InitStep = time.Hour
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Read(ReadRequest{}); err != nil {
		t.Fatalf("read while running: %v", err)
	}
	started := time.Now()
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if time.Since(started) > c.opts.ShutdownTimeout {
		t.Fatalf("close took longer than the shutdown timeout")
	}
	if _, err := c.Read(ReadRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCancelledContextStopsWorker(t *testing.T) {
	c := newTestController(t, &fakeSource{}, decoder.NewMock(), func(o *Options) {
		o.InitStep = time.Hour
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker ignored cancellation")
	}
	if _, err := c.Read(ReadRequest{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOffsetMonotonicUnderRandomDecodes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	src := &fakeSource{}
	dec := decoder.NewMock()
	c := newTestController(t, src, dec, func(o *Options) { o.WindowFrames = 600 })
	begin(c)

	lastOffset := 0
	lastEnd := 0
	step := c.opts.InitStep
	for i := 0; i < 300; i++ {
		src.push(rng.Intn(300))
		switch rng.Intn(4) {
		case 0:
			dec.Push(decoder.Step{Hypothesis: lowQuality()})
		default:
			var ends []int
			end := 0
			for j := 0; j < 1+rng.Intn(4); j++ {
				end += 2 * (1 + rng.Intn(150))
				ends = append(ends, end)
			}
			dec.Push(decoder.Step{Hypothesis: hypothesis(ends...)})
		}
		// skipped cycles leave their scripted step for a later decode
		step, _ = c.cycle(context.Background(), step)
		if c.buf.Offset() < lastOffset {
			t.Fatalf("offset went back from %d to %d", lastOffset, c.buf.Offset())
		}
		lastOffset = c.buf.Offset()

		segs, err := c.Read(ReadRequest{})
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, seg := range segs {
			if seg.StartPos < lastEnd || seg.EndPos <= seg.StartPos {
				t.Fatalf("segment %+v overlaps emitted audio ending at %d", seg, lastEnd)
			}
			if seg.EndPos > c.buf.Offset() {
				t.Fatalf("segment %+v emitted past the committed offset %d", seg, c.buf.Offset())
			}
			lastEnd = seg.EndPos
		}
	}
}
