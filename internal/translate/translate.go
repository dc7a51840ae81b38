// Package translate turns finalized segment text into another language.
// Translation runs on the consumer side of the transcriber and never
// affects its state.
package translate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-stream/internal/config"
)

// Credentials authenticate against a hosted provider. For baidu Key is the
// app id and Secret the app key; for openai Key is the API key.
type Credentials struct {
	Key    string
	Secret string
}

// Translator translates one piece of text at a time.
type Translator interface {
	Authenticate(Credentials) error
	Translate(ctx context.Context, text string) (string, error)
}

// ErrNotAuthenticated is returned by hosted providers used before
// Authenticate.
var ErrNotAuthenticated = errors.New("translator not authenticated")

// LoadSecretFile reads a two-line credentials file: key on the first line,
// secret on the second.
func LoadSecretFile(path string) (Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("open secret file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() && len(lines) < 2 {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return Credentials{}, fmt.Errorf("read secret file: %w", err)
	}
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return Credentials{}, fmt.Errorf("secret file %s needs a key line and a secret line", path)
	}
	return Credentials{Key: lines[0], Secret: lines[1]}, nil
}

// New builds and authenticates the configured provider. It returns a nil
// Translator when translation is disabled.
func New(cfg config.TranslatorConfig, log *slog.Logger) (Translator, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	httpClient := &http.Client{Timeout: timeout}

	var t Translator
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "baidu":
		t = NewBaidu(cfg.SourceLang, cfg.TargetLang, cfg.Endpoint, httpClient)
	case "youdao":
		t = NewYoudao(cfg.SourceLang, cfg.TargetLang, cfg.Endpoint, httpClient)
	case "openai":
		t = NewOpenAI(cfg.SourceLang, cfg.TargetLang, cfg.Endpoint, cfg.Model, timeout)
	case "ollama":
		t = NewOllama(cfg.SourceLang, cfg.TargetLang, cfg.Endpoint, cfg.Model, httpClient)
	case "exec":
		var err error
		t, err = NewExec(cfg.Command, cfg.SourceLang, cfg.TargetLang, timeout)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown translator provider %q", cfg.Provider)
	}

	creds := Credentials{Key: cfg.AppKey, Secret: cfg.AppSecret}
	if cfg.SecretFile != "" {
		fromFile, err := LoadSecretFile(cfg.SecretFile)
		if err != nil {
			return nil, err
		}
		creds = fromFile
	}
	if err := t.Authenticate(creds); err != nil {
		return nil, fmt.Errorf("authenticate %s translator: %w", cfg.Provider, err)
	}

	log.Info("translator ready",
		slog.String("provider", cfg.Provider),
		slog.String("source_lang", cfg.SourceLang),
		slog.String("target_lang", cfg.TargetLang),
	)
	return t, nil
}

// instruction is the prompt LLM-backed providers send with every request.
func instruction(source, target string) string {
	from := "the source language"
	if source != "" {
		from = source
	}
	return fmt.Sprintf("Translate the user's text from %s to %s. Reply with the translation only, without quotes or commentary.", from, target)
}
