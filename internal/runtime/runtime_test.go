package runtime

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/loqalabs/loqa-stream/internal/protocol"
	"github.com/loqalabs/loqa-stream/internal/transcript"
)

func init() {
	traceWriter = io.Discard
}

func writeTone(t *testing.T, seconds int) string {
	t.Helper()
	const rate = 16000
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	data := make([]int, rate*seconds)
	for i := range data {
		data[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = ""
	cfg.Bus.Enabled = false
	cfg.TranscriptStore.Path = filepath.Join(t.TempDir(), "transcripts.db")
	cfg.TranscriptStore.RetentionMode = "persistent"
	cfg.Features.Kind = "pcm"
	cfg.Decoder.Mode = "mock"
	cfg.Transcriber.InitStepMS = 10
	cfg.Transcriber.MinStepMS = 1
	cfg.Pipeline.ReadIntervalMS = 10
	cfg.Pipeline.CompressionRatioThreshold = 2.4
	return cfg
}

func TestStartTranscribesWAVToDrain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Source = "wav"
	cfg.Audio.Path = writeTone(t, 10)
	cfg.Audio.SessionID = "wav-session"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rt := New(cfg, discardLogger())
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("runtime did not stop on its own after the file drained")
	}

	store, err := transcript.Open(context.Background(), cfg.TranscriptStore, discardLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()

	records, err := store.ListSegments(context.Background(), "wav-session", 0)
	if err != nil {
		t.Fatalf("list segments: %v", err)
	}
	// the mock decoder emits one segment per 200 frames of 10ms
	if len(records) != 5 {
		t.Fatalf("expected 5 segments, got %d", len(records))
	}
	for i, r := range records {
		if r.Segment.Sequence != int64(i+1) {
			t.Fatalf("record %d has sequence %d", i, r.Segment.Sequence)
		}
		if i > 0 && r.Segment.StartPos < records[i-1].Segment.EndPos {
			t.Fatalf("segments overlap: %+v then %+v", records[i-1].Segment, r.Segment)
		}
	}

	sessions, err := store.Sessions(context.Background(), 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].State != "drained" || sessions[0].EndedAt.IsZero() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audio.Source = "silence"
	cfg.TranscriptStore.Enabled = false

	ctx, cancel := context.WithCancel(context.Background())
	rt := New(cfg, discardLogger())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for rt.Addr() == "" || !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("runtime never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err := http.Get("http://" + rt.Addr() + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runtime did not stop")
	}
}

func TestHTTPHandlers(t *testing.T) {
	store, err := transcript.Open(context.Background(), config.TranscriptStoreConfig{
		Path:          filepath.Join(t.TempDir(), "t.db"),
		RetentionMode: "persistent",
	}, discardLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.BeginSession(ctx, transcript.Session{ID: "abc", Source: "wav"}); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.AppendSegment(ctx, protocol.Segment{SessionID: "abc", Sequence: 1, Text: " hi"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rt := New(config.Default(), discardLogger())
	rt.store = store
	rt.sessionID = "abc"
	rt.hub = NewHub(discardLogger())
	srv := httptest.NewServer(rt.routes())
	t.Cleanup(srv.Close)

	get := func(path string) *http.Response {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	if resp := get("/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	if resp := get("/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: %d", resp.StatusCode)
	}

	var status statusResponse
	if err := json.NewDecoder(get("/status").Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.SessionID != "abc" || status.Translator != "none" {
		t.Fatalf("unexpected status %+v", status)
	}

	var records []transcript.Record
	if err := json.NewDecoder(get("/sessions/abc/segments").Body).Decode(&records); err != nil {
		t.Fatalf("decode segments: %v", err)
	}
	if len(records) != 1 || records[0].Segment.Text != " hi" {
		t.Fatalf("unexpected records %+v", records)
	}

	var empty []transcript.Record
	if err := json.NewDecoder(get("/sessions/missing/segments").Body).Decode(&empty); err != nil {
		t.Fatalf("decode empty segments: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected an empty list, got %+v", empty)
	}

	var sessions []transcript.Session
	if err := json.NewDecoder(get("/sessions?limit=5").Body).Decode(&sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "abc" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}
