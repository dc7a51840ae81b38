package decoder

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/features"
	openai "github.com/sashabaranov/go-openai"
)

func TestNewOptionsBeamAndBestOfExclusive(t *testing.T) {
	greedy := NewOptions("transcribe", "en", 0, 10, 5, true)
	if greedy.BeamSize != 10 || greedy.BestOf != 0 {
		t.Fatalf("expected beam search at temperature 0, got %+v", greedy)
	}
	sampled := NewOptions("transcribe", "en", 0.4, 10, 5, true)
	if sampled.BeamSize != 0 || sampled.BestOf != 5 {
		t.Fatalf("expected best-of sampling above 0, got %+v", sampled)
	}
}

func TestAttemptWrapsFault(t *testing.T) {
	cause := errors.New("model crashed")
	mock := NewMock(Step{Err: cause})
	_, err := Attempt(context.Background(), mock, Window{}, NewOptions("transcribe", "en", 0, 1, 1, false))
	if err == nil {
		t.Fatalf("expected error")
	}
	var fault *FaultError
	if !errors.As(err, &fault) {
		t.Fatalf("expected FaultError, got %T", err)
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrFault) {
		t.Fatalf("fault must match both the cause and ErrFault")
	}
}

func TestAttemptFillsTemperatureAndCompression(t *testing.T) {
	mock := NewMock(Step{Hypothesis: Hypothesis{Text: strings.Repeat("hello hello ", 40), Temperature: 9}})
	hyp, err := Attempt(context.Background(), mock, Window{}, NewOptions("transcribe", "en", 0.2, 1, 1, false))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if hyp.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", hyp.Temperature)
	}
	if hyp.CompressionRatio < 2.4 {
		t.Fatalf("expected repetitive text to compress well, got %v", hyp.CompressionRatio)
	}
}

func TestCompressionRatioEmpty(t *testing.T) {
	if CompressionRatio("") != 0 {
		t.Fatalf("expected 0 for empty text")
	}
}

func TestFromSegmentsLayout(t *testing.T) {
	tokens, pieces := FromSegments([]TimedSegment{
		{Start: 0, End: 2 * time.Second, Text: " hello"},
		{Start: 2 * time.Second, End: 3 * time.Second, Tokens: []int{7, 8}, Pieces: []string{" wor", "ld"}},
	})
	want := []int{TimestampBase, 0, TimestampBase + 100, TimestampBase + 100, 7, 8, TimestampBase + 150}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tokens)
		}
	}
	if len(pieces) != len(tokens) || pieces[1] != " hello" || pieces[5] != "ld" {
		t.Fatalf("unexpected pieces %q", pieces)
	}
}

func TestFromSegmentsOpensOnWindowStart(t *testing.T) {
	tokens, pieces := FromSegments([]TimedSegment{
		{Start: 3 * time.Second, End: 5 * time.Second, Text: " hello"},
	})
	want := []int{TimestampBase, TimestampBase + 150, TimestampBase + 150, 0, TimestampBase + 250}
	if len(tokens) != len(want) {
		t.Fatalf("expected %v, got %v", want, tokens)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, tokens)
		}
	}
	if pieces[0] != "" || pieces[1] != "" || pieces[3] != " hello" {
		t.Fatalf("unexpected pieces %q", pieces)
	}
}

func TestMockSynthesisPassesDefaultGate(t *testing.T) {
	mock := NewMock()
	window := Window{
		Frames:     make([]features.Frame, 3000),
		Available:  3000,
		SampleRate: 16000,
		HopLength:  160,
	}
	hyp, err := Attempt(context.Background(), mock, window, Options{})
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	// fifteen near-identical placeholder texts would gzip far past 2.4
	if hyp.CompressionRatio != 1.2 {
		t.Fatalf("expected the synthetic ratio to be kept, got %v", hyp.CompressionRatio)
	}
	if hyp.AvgLogprob <= -1 || hyp.NoSpeechProb >= 0.6 {
		t.Fatalf("synthetic hypothesis would fail the default gate: %+v", hyp)
	}
}

func TestMockSynthesizesSegments(t *testing.T) {
	mock := NewMock()
	window := Window{
		Frames:     make([]features.Frame, 3000),
		Available:  450,
		Offset:     1000,
		SampleRate: 16000,
		HopLength:  160,
	}
	hyp, err := mock.Decode(context.Background(), window, Options{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// two whole 200-frame segments fit in 450 frames
	if len(hyp.Tokens) != 6 {
		t.Fatalf("expected 6 tokens, got %v", hyp.Tokens)
	}
	if hyp.Tokens[2] != TimestampBase+100 {
		t.Fatalf("expected first segment to end at 2s, got %d", hyp.Tokens[2]-TimestampBase)
	}
	if len(mock.Calls()) != 1 || mock.Calls()[0].Offset != 1000 {
		t.Fatalf("expected recorded call")
	}
}

func TestParseExecResultSegments(t *testing.T) {
	hyp, err := parseExecResult([]byte(`{"segments":[{"start":0,"end":1.5,"text":" one"},{"start":1.5,"end":2,"text":" two"}],"avg_logprob":-0.3}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if hyp.Text != " one two" {
		t.Fatalf("unexpected text %q", hyp.Text)
	}
	if len(hyp.Tokens) != 6 || hyp.Tokens[2] != TimestampBase+75 {
		t.Fatalf("unexpected tokens %v", hyp.Tokens)
	}
	if _, err := parseExecResult([]byte(`{"tokens":[1,2],"pieces":["a"]}`)); err == nil {
		t.Fatalf("expected error for mismatched pieces")
	}
}

func TestExecDecoderRunsCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\n" +
		"for a in \"$@\"; do if [ -f \"$a\" ]; then test -s \"$a\" || exit 3; fi; done\n" +
		"echo '{\"tokens\":[50364,11,50464],\"pieces\":[\"\",\" hi\",\"\"],\"text\":\" hi\",\"avg_logprob\":-0.2,\"no_speech_prob\":0.1}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	dec, err := NewExecDecoder(config.DecoderConfig{Command: script, TimeoutMS: 5000})
	if err != nil {
		t.Fatalf("new exec decoder: %v", err)
	}
	pcm := features.NewPCMFrames(16000, 160).Push(make([]float32, 16000))
	window := Window{Frames: pcm, Available: len(pcm), Kind: "pcm", SampleRate: 16000, HopLength: 160}
	hyp, err := Attempt(context.Background(), dec, window, NewOptions("transcribe", "en", 0, 5, 5, false))
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if hyp.Text != " hi" || len(hyp.Tokens) != 3 || hyp.AvgLogprob != -0.2 {
		t.Fatalf("unexpected hypothesis %+v", hyp)
	}

	if _, err := dec.Decode(context.Background(), Window{Kind: "logmel"}, Options{}); err == nil {
		t.Fatalf("expected error for logmel window")
	}
}

func TestHypothesisFromAudioResponse(t *testing.T) {
	var resp openai.AudioResponse
	body := `{"text":" a b","segments":[` +
		`{"start":0,"end":1,"text":" a","avg_logprob":-0.2,"no_speech_prob":0.05},` +
		`{"start":1,"end":2,"text":" b","avg_logprob":-0.4,"no_speech_prob":0.3}]}`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	hyp := hypothesisFromAudioResponse(resp)
	if len(hyp.Tokens) != 6 || hyp.Tokens[5] != TimestampBase+100 {
		t.Fatalf("unexpected tokens %v", hyp.Tokens)
	}
	if hyp.AvgLogprob > -0.29 || hyp.AvgLogprob < -0.31 {
		t.Fatalf("expected mean logprob -0.3, got %v", hyp.AvgLogprob)
	}
	if hyp.NoSpeechProb != 0.05 {
		t.Fatalf("expected no-speech from the first segment, got %v", hyp.NoSpeechProb)
	}

	empty := hypothesisFromAudioResponse(openai.AudioResponse{})
	if empty.NoSpeechProb != 1 {
		t.Fatalf("expected no-speech for an empty response")
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(config.DecoderConfig{Mode: "vosk"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
