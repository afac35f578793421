// Package openai implements the summarizer using OpenAI chat models.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/oakmemory/oak/internal/summarizer"
)

// Client implements summarizer.Summarizer against the OpenAI API.
type Client struct {
	client    *openai.Client
	model     string
	maxTokens int
}

var _ summarizer.Summarizer = (*Client)(nil)

// Config contains configuration for the OpenAI summarizer.
type Config struct {
	APIKey    string
	BaseURL   string // Optional custom base URL
	Model     string
	MaxTokens int
}

// New creates an OpenAI summarizer client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &Client{
		client:    openai.NewClientWithConfig(config),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name returns the provider name.
func (c *Client) Name() string { return "openai" }

// Summarize sends the batch to the model and validates the structured
// response. JSON object mode keeps the output parseable.
func (c *Client) Summarize(ctx context.Context, req summarizer.Request) (*summarizer.Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizer.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: summarizer.BuildUserPrompt(req)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: summarize: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", summarizer.ErrUnparseable)
	}

	return summarizer.ParseResult(resp.Choices[0].Message.Content)
}
