package decoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
	"github.com/mattn/go-shellwords"
)

// execDecoder runs an external recognizer per attempt. The window is passed
// as a 16-bit WAV file and the command answers with JSON on stdout.
type execDecoder struct {
	cmd     []string
	cfg     config.DecoderConfig
	timeout time.Duration
	mu      sync.Mutex
}

type execSegment struct {
	Start  float64  `json:"start"`
	End    float64  `json:"end"`
	Text   string   `json:"text"`
	Tokens []int    `json:"tokens"`
	Pieces []string `json:"pieces"`
}

type execResult struct {
	Tokens           []int         `json:"tokens"`
	Pieces           []string      `json:"pieces"`
	Text             string        `json:"text"`
	Segments         []execSegment `json:"segments"`
	AvgLogprob       float64       `json:"avg_logprob"`
	CompressionRatio float64       `json:"compression_ratio"`
	NoSpeechProb     float64       `json:"no_speech_prob"`
}

func NewExecDecoder(cfg config.DecoderConfig) (Decoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	return &execDecoder{cmd: args, cfg: cfg, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}, nil
}

func (d *execDecoder) Decode(ctx context.Context, window Window, opts Options) (Hypothesis, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if window.Kind != "pcm" {
		return Hypothesis{}, fmt.Errorf("exec decoder needs pcm frames, got %q", window.Kind)
	}

	file, err := os.CreateTemp("", "loqa_window_*.wav")
	if err != nil {
		return Hypothesis{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeSamplesToWav(file, window.Samples(), window.SampleRate); err != nil {
		return Hypothesis{}, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	base := d.cmd[0]
	cmdArgs := append([]string{}, d.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if d.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", d.cfg.ModelPath)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Task != "" {
		cmdArgs = append(cmdArgs, "--task", opts.Task)
	}
	cmdArgs = append(cmdArgs, "--temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64))
	if opts.BeamSize > 0 {
		cmdArgs = append(cmdArgs, "--beam-size", strconv.Itoa(opts.BeamSize))
	}
	if opts.BestOf > 0 {
		cmdArgs = append(cmdArgs, "--best-of", strconv.Itoa(opts.BestOf))
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Hypothesis{}, fmt.Errorf("decoder command failed: %w: %s", err, stderr.String())
	}
	return parseExecResult(stdout.Bytes())
}

func parseExecResult(data []byte) (Hypothesis, error) {
	var resp execResult
	if err := json.Unmarshal(data, &resp); err != nil {
		return Hypothesis{}, fmt.Errorf("decode decoder response: %w", err)
	}
	hyp := Hypothesis{
		Tokens:           resp.Tokens,
		Pieces:           resp.Pieces,
		Text:             resp.Text,
		AvgLogprob:       resp.AvgLogprob,
		CompressionRatio: resp.CompressionRatio,
		NoSpeechProb:     resp.NoSpeechProb,
	}
	if len(hyp.Tokens) == 0 && len(resp.Segments) > 0 {
		var text string
		segs := make([]TimedSegment, len(resp.Segments))
		for i, s := range resp.Segments {
			segs[i] = TimedSegment{
				Start:  secondsToDuration(s.Start),
				End:    secondsToDuration(s.End),
				Tokens: s.Tokens,
				Pieces: s.Pieces,
				Text:   s.Text,
			}
			text += s.Text
		}
		if hyp.Text == "" {
			hyp.Text = text
		}
		hyp.Tokens, hyp.Pieces = FromSegments(segs)
	}
	if len(hyp.Pieces) != 0 && len(hyp.Pieces) != len(hyp.Tokens) {
		return Hypothesis{}, fmt.Errorf("decoder response has %d pieces for %d tokens", len(hyp.Pieces), len(hyp.Tokens))
	}
	return hyp, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
