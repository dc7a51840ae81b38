package transcriber

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-stream/transcriber"

// Stats is a point-in-time view of the controller counters.
type Stats struct {
	State            string `json:"state"`
	Cycles           int64  `json:"cycles"`
	Skipped          int64  `json:"skipped"`
	Decodes          int64  `json:"decodes"`
	Accepted         int64  `json:"accepted"`
	Rejected         int64  `json:"rejected"`
	Drops            int64  `json:"drops"`
	Segments         int64  `json:"segments"`
	CommittedFrames  int64  `json:"committed_frames"`
	DroppedFrames    int64  `json:"dropped_frames"`
	Offset           int64  `json:"offset"`
	Buffered         int64  `json:"buffered"`
	TemperatureIndex int64  `json:"temperature_index"`
	LastDecodeMS     int64  `json:"last_decode_ms"`
}

type recorder struct {
	cycles          atomic.Int64
	skipped         atomic.Int64
	decodes         atomic.Int64
	accepted        atomic.Int64
	rejected        atomic.Int64
	drops           atomic.Int64
	segments        atomic.Int64
	committedFrames atomic.Int64
	droppedFrames   atomic.Int64
	offset          atomic.Int64
	buffered        atomic.Int64
	tempIndex       atomic.Int64
	lastDecodeMS    atomic.Int64

	decodeCounter    metric.Int64Counter
	dropCounter      metric.Int64Counter
	committedCounter metric.Int64Counter
	decodeDuration   metric.Float64Histogram
}

func newRecorder(log *slog.Logger) *recorder {
	r := &recorder{}
	if err := r.initMetrics(otel.Meter(instrumentationName)); err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

func (r *recorder) initMetrics(meter metric.Meter) error {
	var err error
	r.decodeCounter, err = meter.Int64Counter(
		"loqa.transcriber.decodes",
		metric.WithDescription("Decode attempts by outcome"),
	)
	if err != nil {
		return err
	}
	r.dropCounter, err = meter.Int64Counter(
		"loqa.transcriber.drops",
		metric.WithDescription("Windows dropped after exhausting retries"),
	)
	if err != nil {
		return err
	}
	r.committedCounter, err = meter.Int64Counter(
		"loqa.transcriber.committed_frames",
		metric.WithDescription("Feature frames committed behind emitted segments"),
	)
	if err != nil {
		return err
	}
	r.decodeDuration, err = meter.Float64Histogram(
		"loqa.transcriber.decode.duration",
		metric.WithDescription("Decode attempt latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	buffered, err := meter.Int64ObservableGauge(
		"loqa.transcriber.buffered_frames",
		metric.WithDescription("Feature frames waiting to be committed"),
	)
	if err != nil {
		return err
	}
	tempIndex, err := meter.Int64ObservableGauge(
		"loqa.transcriber.temperature_index",
		metric.WithDescription("Current rung of the temperature ladder"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(buffered, r.buffered.Load())
		o.ObserveInt64(tempIndex, r.tempIndex.Load())
		return nil
	}, buffered, tempIndex)
	return err
}

func (r *recorder) decode(ctx context.Context, outcome string, took time.Duration) {
	r.decodes.Add(1)
	r.lastDecodeMS.Store(took.Milliseconds())
	switch outcome {
	case "rejected":
		r.rejected.Add(1)
	case "fault":
	default:
		r.accepted.Add(1)
	}
	if r.decodeCounter != nil {
		r.decodeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if r.decodeDuration != nil {
		r.decodeDuration.Record(ctx, took.Seconds())
	}
}

func (r *recorder) commit(ctx context.Context, frames, segments int) {
	r.segments.Add(int64(segments))
	r.committedFrames.Add(int64(frames))
	if r.committedCounter != nil {
		r.committedCounter.Add(ctx, int64(frames))
	}
}

func (r *recorder) drop(ctx context.Context, frames int) {
	r.drops.Add(1)
	r.droppedFrames.Add(int64(frames))
	if r.dropCounter != nil {
		r.dropCounter.Add(ctx, 1)
	}
}

func (r *recorder) position(offset, buffered, tempIndex int) {
	r.offset.Store(int64(offset))
	r.buffered.Store(int64(buffered))
	r.tempIndex.Store(int64(tempIndex))
}

func (r *recorder) snapshot(state State) Stats {
	return Stats{
		State:            state.String(),
		Cycles:           r.cycles.Load(),
		Skipped:          r.skipped.Load(),
		Decodes:          r.decodes.Load(),
		Accepted:         r.accepted.Load(),
		Rejected:         r.rejected.Load(),
		Drops:            r.drops.Load(),
		Segments:         r.segments.Load(),
		CommittedFrames:  r.committedFrames.Load(),
		DroppedFrames:    r.droppedFrames.Load(),
		Offset:           r.offset.Load(),
		Buffered:         r.buffered.Load(),
		TemperatureIndex: r.tempIndex.Load(),
		LastDecodeMS:     r.lastDecodeMS.Load(),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
