package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec pipes a JSON request to an external command and reads the
// translation from its JSON stdout.
type Exec struct {
	cmd            []string
	source, target string
	timeout        time.Duration
}

type execRequest struct {
	Text       string `json:"text"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
}

type execResponse struct {
	Translation string `json:"translation"`
	Error       string `json:"error,omitempty"`
}

func NewExec(command, source, target string, timeout time.Duration) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse translator command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("translator command empty")
	}
	return &Exec{cmd: args, source: source, target: target, timeout: timeout}, nil
}

func (e *Exec) Authenticate(Credentials) error { return nil }

func (e *Exec) Translate(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	input, err := json.Marshal(execRequest{Text: text, SourceLang: e.source, TargetLang: e.target})
	if err != nil {
		return "", err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("translator command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", fmt.Errorf("decode translator response: %w", err)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("translator command: %s", resp.Error)
	}
	return resp.Translation, nil
}
