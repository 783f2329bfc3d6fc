// Package openai implements domain.Generator on top of the official
// openai-go chat completions client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"supportrag/internal/domain"
)

// Config configures the chat completions client.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
}

// Client calls a chat model once per prompt at temperature 0. It never
// retries: a failed call is reported to the caller immediately.
type Client struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewClient creates a generator. A missing API key is an error.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Generate returns the first choice's message content.
func (c *Client) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	params := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(0),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		c.logger.Warn("chat completion failed", zap.String("model", c.model), zap.Error(err))
		return "", domain.NewError(domain.KindProviderUnavailable, "chat completion failed", err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewError(domain.KindProviderUnavailable, "chat completion returned no choices", errors.New("empty choices"))
	}
	c.logger.Debug("chat completion",
		zap.String("model", c.model),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("took", time.Since(start)))
	return resp.Choices[0].Message.Content, nil
}
