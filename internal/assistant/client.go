// Package assistant provides the Anthropic-backed reply client used when an
// assistant message is regenerated.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-3-5-haiku-latest"

const defaultSystemPrompt = "You are a writing assistant inside a drafting tool. " +
	"Answer the user's prompt directly and concisely."

type Config struct {
	Model     string
	MaxTokens int

	MaxRetries     int
	RetryBaseDelay time.Duration

	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey string

	SystemPrompt string
}

func DefaultConfig() *Config {
	return &Config{
		Model:          defaultModel,
		MaxTokens:      1024,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
		SystemPrompt:   defaultSystemPrompt,
	}
}

// Client wraps the Anthropic SDK behind the transcript engine's
// AssistantClient interface.
type Client struct {
	cfg    *Config
	client anthropic.Client
}

func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("assistant: no API key, set ANTHROPIC_API_KEY")
	}

	return &Client{
		cfg:    cfg,
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}, nil
}

// Reply sends the prompt and returns the assistant's text, retrying with
// exponential backoff on rate limits and server errors.
func (c *Client) Reply(ctx context.Context, prompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doRequest(ctx, prompt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("assistant: max retries exceeded: %w", lastErr)
}

func (c *Client) doRequest(ctx context.Context, prompt string) (string, error) {
	model := c.cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := c.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system := c.cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("assistant request: %w", err)
	}

	var result strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			result.WriteString(block.Text)
		}
	}
	return result.String(), nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	if strings.Contains(msg, "rate_limit") || strings.Contains(msg, "429") {
		return true
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") {
		return true
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return true
	}
	return false
}
