// Package genai wraps the OpenAI API for drafting outreach copy when no
// template matches a step. Generated text never bypasses the approval gate.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Generator produces message copy from a system and user prompt.
type Generator interface {
	GenerateWithSystemPrompt(ctx context.Context, system, user string) (string, error)
}

// Opts holds configuration options for the OpenAI client.
type Opts struct {
	// APIKey is the OpenAI API key. Falls back to OPENAI_API_KEY.
	APIKey string
	// Model overrides the completion model.
	Model openai.ChatModel
}

// Option defines a configuration option for the OpenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the completion model.
func WithModel(model openai.ChatModel) Option {
	return func(o *Opts) { o.Model = model }
}

// Client implements Generator backed by the OpenAI chat completions API.
type Client struct {
	client openai.Client
	model  openai.ChatModel
}

var _ Generator = (*Client)(nil)

// NewClient creates a Client from options, falling back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key not set; set OPENAI_API_KEY or use WithAPIKey")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}

	c := &Client{
		client: openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:  cfg.Model,
	}
	slog.Debug("Client.NewClient initialized", "model", cfg.Model)
	return c, nil
}

// GenerateWithSystemPrompt generates copy with a system prompt steering tone
// and constraints.
func (c *Client) GenerateWithSystemPrompt(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Model: c.model,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", errors.New("chat completion returned empty content")
	}
	slog.Debug("Client.GenerateWithSystemPrompt complete", "chars", len(out))
	return out, nil
}
