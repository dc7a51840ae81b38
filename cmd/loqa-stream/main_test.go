package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-stream/internal/config"
)

func writeTone(t *testing.T, dir string, seconds int) string {
	t.Helper()
	const rate = 16000
	path := filepath.Join(dir, "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	data := make([]int, rate*seconds)
	for i := range data {
		data[i] = int(6000 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, Data: data, SourceBitDepth: 16}); err != nil {
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

func TestTranscribePrintsSegments(t *testing.T) {
	dir := t.TempDir()
	wavPath := writeTone(t, dir, 6)
	cfgPath := filepath.Join(dir, "loqa-stream.yaml")
	cfgYAML := `
features:
  kind: pcm
transcriber:
  init_step_ms: 10
  min_step_ms: 1
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := runTranscribe(ctx, []string{"-config", cfgPath, "-file", wavPath, "-interval", "10ms", "-compression", "2.4", "-log-level", "error"}, &out)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// 600 frames of 10ms make three mock segments
	if len(lines) != 3 {
		t.Fatalf("expected 3 printed segments, got %d:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "[segment at frame 0]") || !strings.HasPrefix(lines[2], "[   4.00 ->    6.00]") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestApplyTranscribeFlags(t *testing.T) {
	var f transcribeFlags
	f.file = "talk.wav"
	f.provider = "openai"
	f.target = "fr"
	f.interval = 500 * time.Millisecond
	f.logprob = -0.6
	f.padding = 120

	cfg := config.Default()
	applyTranscribeFlags(&cfg, f)
	if cfg.Audio.Source != "wav" || cfg.Audio.Path != "talk.wav" {
		t.Fatalf("file flag not applied: %+v", cfg.Audio)
	}
	if cfg.Translator.Provider != "openai" || cfg.Translator.TargetLang != "fr" {
		t.Fatalf("translator flags not applied: %+v", cfg.Translator)
	}
	if cfg.Pipeline.ReadIntervalMS != 500 || cfg.Pipeline.Padding != 120 || cfg.Pipeline.LogprobThreshold != -0.6 {
		t.Fatalf("pipeline flags not applied: %+v", cfg.Pipeline)
	}
	if cfg.TranscriptStore.Enabled || cfg.Bus.Embedded {
		t.Fatalf("the CLI must not start a store or an embedded bus")
	}
}
