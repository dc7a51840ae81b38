package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI translates with a chat completion model on any OpenAI-compatible
// endpoint.
type OpenAI struct {
	source, target string
	endpoint       string
	model          string
	timeout        time.Duration
	client         *openai.Client
}

func NewOpenAI(source, target, endpoint, model string, timeout time.Duration) *OpenAI {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAI{source: source, target: target, endpoint: endpoint, model: model, timeout: timeout}
}

// Authenticate uses Key as the API key. Local endpoints may not need one.
func (o *OpenAI) Authenticate(c Credentials) error {
	if c.Key == "" && o.endpoint == "" {
		return errors.New("openai needs an api key")
	}
	cfg := openai.DefaultConfig(c.Key)
	if o.endpoint != "" {
		cfg.BaseURL = strings.TrimRight(o.endpoint, "/")
	}
	o.client = openai.NewClientWithConfig(cfg)
	return nil
}

func (o *OpenAI) Translate(ctx context.Context, text string) (string, error) {
	if o.client == nil {
		return "", ErrNotAuthenticated
	}
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instruction(o.source, o.target)},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
