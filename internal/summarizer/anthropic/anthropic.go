// Package anthropic implements the summarizer using Claude models via the
// official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/oakmemory/oak/internal/summarizer"
)

// Client implements summarizer.Summarizer against the Anthropic API.
type Client struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

var _ summarizer.Summarizer = (*Client)(nil)

// Config contains configuration for the Anthropic summarizer.
type Config struct {
	APIKey    string
	BaseURL   string // Optional custom base URL
	Model     string
	MaxTokens int
}

// New creates an Anthropic summarizer client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		client:    anthropic.NewClient(options...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return "anthropic" }

// Summarize sends the batch to Claude and validates the structured response.
func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (*summarizer.Result, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: summarizer.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(summarizer.BuildUserPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: summarize: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response", summarizer.ErrUnparseable)
	}

	return summarizer.ParseResult(text.String())
}
