package audio

import (
	"sync"
	"time"
)

// Silence produces zero samples at the real-time rate. It never ends.
type Silence struct {
	mu         sync.Mutex
	sampleRate int
	now        func() time.Time
	started    time.Time
	emitted    int
}

func NewSilence(sampleRate int) *Silence {
	return &Silence{sampleRate: sampleRate, now: time.Now}
}

func (s *Silence) Read() ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		s.started = s.now()
		return nil, nil
	}
	due := int(s.now().Sub(s.started).Seconds() * float64(s.sampleRate))
	n := due - s.emitted
	if n <= 0 {
		return nil, nil
	}
	s.emitted = due
	return make([]float32, n), nil
}

func (s *Silence) Close() error { return nil }
