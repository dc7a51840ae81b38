package audio

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-stream/internal/bus"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource consumes PCM16 audio frames published on the bus. One source
// follows one session: the configured one, or else the first that shows up.
type BusSource struct {
	queue
	sampleRate int
	log        *slog.Logger
	sub        *nats.Subscription

	frameMu  sync.Mutex
	session  string
	sequence int
	rs       resampler
}

func SubscribeBus(client *bus.Client, sessionID string, sampleRate int, log *slog.Logger) (*BusSource, error) {
	s := &BusSource{sampleRate: sampleRate, log: log, session: sessionID, sequence: -1}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	if sessionID != "" {
		subject = protocol.AudioFrameSubject(sessionID)
	}
	sub, err := client.Subscribe(subject, s.handleFrame)
	if err != nil {
		return nil, err
	}
	s.sub = sub
	log.Info("listening for audio frames", slog.String("subject", subject))
	return s, nil
}

// Session reports the session being followed, empty until the first frame.
func (s *BusSource) Session() string {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	return s.session
}

func (s *BusSource) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.session == "" {
		s.session = frame.SessionID
		s.log.Info("following audio session", slog.String("session_id", frame.SessionID))
	}
	if frame.SessionID != s.session {
		s.log.Debug("ignoring frame from another session", slog.String("session_id", frame.SessionID))
		return
	}
	if frame.Sequence != 0 && frame.Sequence <= s.sequence {
		s.log.Debug("ignoring stale audio frame", slog.Int("sequence", frame.Sequence))
		return
	}
	s.sequence = frame.Sequence

	samples, err := s.convert(frame)
	if err != nil {
		s.fail(err)
		s.log.Error("audio frame conversion failed", slogError(err))
		return
	}
	s.push(samples)
	if frame.Final {
		s.finish()
		s.log.Info("audio session finished", slog.String("session_id", frame.SessionID))
	}
}

func (s *BusSource) convert(frame protocol.AudioFrame) ([]float32, error) {
	rate := frame.SampleRate
	if rate <= 0 {
		rate = s.sampleRate
	}
	pcm := toMono(bytesToInt16(frame.PCM), frame.Channels)
	resampled, err := s.rs.int16(pcm, rate, s.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", frame.Sequence, err)
	}
	return int16ToFloat32(resampled), nil
}

func (s *BusSource) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
