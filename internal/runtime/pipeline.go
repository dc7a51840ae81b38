package runtime

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/transcriber"
	"github.com/loqalabs/loqa-stream/internal/transcript"
	"github.com/loqalabs/loqa-stream/internal/translate"
)

// SegmentReader is the consumer side of a transcriber.
type SegmentReader interface {
	Read(transcriber.ReadRequest) ([]transcriber.Segment, error)
	Done() <-chan struct{}
}

// Publisher sends messages on the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Pipeline polls the transcriber and hands every finalized segment to the
// translator, the bus, the transcript store and websocket clients. Only
// the reader is required.
type Pipeline struct {
	Reader     SegmentReader
	Translator translate.Translator
	Publisher  Publisher
	Store      *transcript.Store
	Hub        *Hub
	SessionID  string
	Provider   string
	SourceLang string
	TargetLang string
	Config     config.PipelineConfig
	Logger     *slog.Logger

	// OnSegment, when set, sees every segment after it was processed.
	OnSegment func(protocol.Segment, string)

	seq int64
}

func (p *Pipeline) request() transcriber.ReadRequest {
	return transcriber.ReadRequest{
		LogprobThreshold:          p.Config.LogprobThreshold,
		CompressionRatioThreshold: p.Config.CompressionRatioThreshold,
		NoSpeechThreshold:         p.Config.NoSpeechThreshold,
		Padding:                   p.Config.Padding,
	}
}

// Run reads every read interval until ctx ends or the transcriber stops.
// A transcriber failure is returned; a drained or closed one is not.
func (p *Pipeline) Run(ctx context.Context) error {
	interval := time.Duration(p.Config.ReadIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_, err := p.Flush(context.WithoutCancel(ctx))
			return ignoreClosed(err)
		case <-p.Reader.Done():
			_, err := p.Flush(ctx)
			return ignoreClosed(err)
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				return ignoreClosed(err)
			}
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, transcriber.ErrClosed) {
		return nil
	}
	return err
}

// Flush performs one Read and processes what it returned.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	segs, err := p.Reader.Read(p.request())
	if err != nil {
		return 0, err
	}
	if len(segs) == 0 {
		return 0, nil
	}

	texts := make([]string, 0, len(segs))
	for _, seg := range segs {
		p.handle(ctx, seg)
		texts = append(texts, seg.Text)
	}
	if p.Config.PublishText && p.Publisher != nil {
		msg := protocol.Transcript{
			SessionID: p.SessionID,
			Text:      strings.TrimSpace(strings.Join(texts, "")),
			Timestamp: time.Now().UTC(),
		}
		if err := p.Publisher.PublishJSON(protocol.SubjectTranscriptFinal, msg); err != nil {
			p.Logger.Warn("failed to publish transcript", slogError(err))
		}
	}
	return len(segs), nil
}

func (p *Pipeline) handle(ctx context.Context, seg transcriber.Segment) {
	p.seq++
	msg := protocol.Segment{
		SessionID:        p.SessionID,
		Sequence:         p.seq,
		Text:             seg.Text,
		Start:            seg.Start.Seconds(),
		End:              seg.End.Seconds(),
		StartPos:         seg.StartPos,
		EndPos:           seg.EndPos,
		AvgLogprob:       seg.AvgLogprob,
		CompressionRatio: seg.CompressionRatio,
		NoSpeechProb:     seg.NoSpeechProb,
		Temperature:      seg.Temperature,
		Timestamp:        time.Now().UTC(),
	}
	p.Logger.Info("segment",
		slog.Int64("sequence", msg.Sequence),
		slog.String("text", msg.Text),
		slog.Float64("start", msg.Start),
		slog.Float64("end", msg.End),
	)

	if p.Publisher != nil {
		if err := p.Publisher.PublishJSON(protocol.SubjectSegmentFinal, msg); err != nil {
			p.Logger.Warn("failed to publish segment", slogError(err))
		}
	}

	var rowID int64
	if p.Store != nil {
		id, err := p.Store.AppendSegment(ctx, msg)
		if err != nil {
			p.Logger.Warn("failed to store segment", slogError(err))
		}
		rowID = id
	}

	translation := p.translate(ctx, msg, rowID)

	if p.Hub != nil {
		p.Hub.Broadcast(Event{Type: "segment", Payload: segmentEvent{Segment: msg, Translation: translation}})
	}
	if p.OnSegment != nil {
		p.OnSegment(msg, translation)
	}
}

type segmentEvent struct {
	protocol.Segment
	Translation string `json:"translation,omitempty"`
}

// translate returns the translation of msg, or "" when there is none.
// Provider errors are logged and never reach the transcriber.
func (p *Pipeline) translate(ctx context.Context, msg protocol.Segment, rowID int64) string {
	if p.Translator == nil || strings.TrimSpace(msg.Text) == "" {
		return ""
	}
	text, err := p.Translator.Translate(ctx, msg.Text)
	if err != nil {
		p.Logger.Warn("translation failed",
			slog.String("provider", p.Provider),
			slog.Int64("sequence", msg.Sequence),
			slogError(err),
		)
		return ""
	}
	tr := protocol.TranslatedSegment{
		SessionID:   msg.SessionID,
		Sequence:    msg.Sequence,
		Text:        msg.Text,
		Translation: text,
		Provider:    p.Provider,
		SourceLang:  p.SourceLang,
		TargetLang:  p.TargetLang,
		Start:       msg.Start,
		End:         msg.End,
		Timestamp:   time.Now().UTC(),
	}
	if p.Publisher != nil {
		if err := p.Publisher.PublishJSON(protocol.SubjectSegmentTranslated, tr); err != nil {
			p.Logger.Warn("failed to publish translation", slogError(err))
		}
	}
	if p.Store != nil {
		if err := p.Store.AppendTranslation(ctx, rowID, tr); err != nil {
			p.Logger.Warn("failed to store translation", slogError(err))
		}
	}
	return text
}
