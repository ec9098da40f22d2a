// Package llm wraps the chat-completion API behind a narrow request/
// response contract so checks never touch the vendor client directly.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/sentinel-bot/internal/ratelimit"
)

// ErrNotConfigured is returned when no API credential is present.
var ErrNotConfigured = errors.New("openai client not configured")

// Request is one completion call. Feature identifies the calling
// component in logs and usage accounting.
type Request struct {
	System      string
	User        string
	Feature     string
	JSONMode    bool
	MaxTokens   int
	Temperature *float32
}

// Response carries the model's text plus token usage.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Completer is the contract the AI check consumes; tests substitute a fake.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Configured() bool
	Model() string
}

// Client is the production Completer backed by go-openai, fronted by a
// process-wide rate limiter.
type Client struct {
	api         *openai.Client
	model       string
	maxTokens   int
	temperature float32
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

func NewClient(apiKey, model string, maxTokens int, temperature float32, limiter *ratelimit.Limiter, logger *zap.Logger) *Client {
	c := &Client{
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		limiter:     limiter,
		logger:      logger,
	}
	if apiKey != "" {
		c.api = openai.NewClient(apiKey)
	}
	return c
}

func (c *Client) Configured() bool {
	return c.api != nil
}

func (c *Client) Model() string {
	return c.model
}

func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	completion := openai.ChatCompletionRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
	}
	if req.JSONMode {
		completion.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, completion)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("empty completion response")
	}

	c.logger.Debug("Chat completion finished",
		zap.String("feature", req.Feature),
		zap.String("model", c.model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens))

	return &Response{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}
