package decoder

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	openai "github.com/sashabaranov/go-openai"
)

// openAIDecoder sends the window to an OpenAI-compatible transcription
// endpoint and rebuilds timestamp runs from the verbose_json segments.
type openAIDecoder struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	mu      sync.Mutex
}

func NewOpenAIDecoder(cfg config.DecoderConfig) (Decoder, error) {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	model := cfg.Model
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.Endpoint, "/")
	} else if !strings.HasPrefix(model, "whisper-") && !strings.HasPrefix(model, "gpt-") {
		model = openai.Whisper1
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIDecoder{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}, nil
}

func (d *openAIDecoder) Decode(ctx context.Context, window Window, opts Options) (Hypothesis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if window.Kind != "pcm" {
		return Hypothesis{}, fmt.Errorf("openai decoder needs pcm frames, got %q", window.Kind)
	}

	file, err := os.CreateTemp("", "loqa_window_*.wav")
	if err != nil {
		return Hypothesis{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if err := writeSamplesToWav(file, window.Samples(), window.SampleRate); err != nil {
		file.Close()
		return Hypothesis{}, err
	}
	if err := file.Close(); err != nil {
		return Hypothesis{}, fmt.Errorf("close temp file: %w", err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	req := openai.AudioRequest{
		Model:       d.model,
		FilePath:    file.Name(),
		Temperature: float32(opts.Temperature),
		Language:    opts.Language,
		Format:      openai.AudioResponseFormatVerboseJSON,
	}
	var resp openai.AudioResponse
	if opts.Task == "translate" {
		resp, err = d.client.CreateTranslation(ctx, req)
	} else {
		resp, err = d.client.CreateTranscription(ctx, req)
	}
	if err != nil {
		return Hypothesis{}, fmt.Errorf("openai transcription: %w", err)
	}
	return hypothesisFromAudioResponse(resp), nil
}

func hypothesisFromAudioResponse(resp openai.AudioResponse) Hypothesis {
	if len(resp.Segments) == 0 {
		return Hypothesis{
			Tokens:       []int{TimestampBase},
			Pieces:       []string{""},
			Text:         resp.Text,
			NoSpeechProb: 1,
		}
	}
	segs := make([]TimedSegment, len(resp.Segments))
	var logprob float64
	for i, s := range resp.Segments {
		segs[i] = TimedSegment{
			Start: secondsToDuration(s.Start),
			End:   secondsToDuration(s.End),
			Text:  s.Text,
		}
		logprob += s.AvgLogprob
	}
	tokens, pieces := FromSegments(segs)
	return Hypothesis{
		Tokens:       tokens,
		Pieces:       pieces,
		Text:         resp.Text,
		AvgLogprob:   logprob / float64(len(resp.Segments)),
		NoSpeechProb: resp.Segments[0].NoSpeechProb,
	}
}
