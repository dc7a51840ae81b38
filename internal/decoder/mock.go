package decoder

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted mock result.
type Step struct {
	Hypothesis Hypothesis
	Err        error
}

// Mock replays scripted steps in order. Once the script is exhausted it
// synthesises one confident segment per SegmentFrames of real audio.
type Mock struct {
	mu            sync.Mutex
	script        []Step
	calls         []Call
	SegmentFrames int
}

// Call records what the mock was asked to decode.
type Call struct {
	Offset    int
	Available int
	Options   Options
}

func NewMock(steps ...Step) *Mock {
	return &Mock{script: steps, SegmentFrames: 200}
}

// Push appends steps to the script.
func (m *Mock) Push(steps ...Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
}

// Calls returns a copy of the recorded calls.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Mock) Decode(_ context.Context, window Window, opts Options) (Hypothesis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Offset: window.Offset, Available: window.Available, Options: opts})
	if len(m.script) > 0 {
		step := m.script[0]
		m.script = m.script[1:]
		return step.Hypothesis, step.Err
	}
	return m.synthesize(window), nil
}

func (m *Mock) synthesize(window Window) Hypothesis {
	per := m.SegmentFrames
	if per <= 0 {
		per = 200
	}
	frameDur := time.Second * time.Duration(window.HopLength) / time.Duration(max(window.SampleRate, 1))
	var segs []TimedSegment
	for start := 0; start+per <= window.Available; start += per {
		segs = append(segs, TimedSegment{
			Start: time.Duration(start) * frameDur,
			End:   time.Duration(start+per) * frameDur,
			Text:  fmt.Sprintf("[segment at frame %d]", window.Offset+start),
		})
	}
	if len(segs) == 0 {
		return Hypothesis{Tokens: []int{TimestampBase}, Pieces: []string{""}, AvgLogprob: -0.1, NoSpeechProb: 0.9}
	}
	tokens, pieces := FromSegments(segs)
	var text string
	for _, seg := range segs {
		text += " " + seg.Text
	}
	// the placeholder text repeats, so its gzip ratio says nothing about
	// decode quality
	return Hypothesis{
		Tokens:           tokens,
		Pieces:           pieces,
		Text:             text,
		AvgLogprob:       -0.1,
		NoSpeechProb:     0.01,
		CompressionRatio: 1.2,
	}
}
