package engine

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ovenzeze/open-interpreter/internal/logger"
)

const maxRetries = 3

var baseDelay = 2 * time.Second

type claude struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

func newClaude(cfg Config) Completer {
	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &claude{
		client:      anthropic.NewClient(opts...),
		model:       model,
		maxTokens:   int64(cfg.MaxTokens),
		temperature: cfg.Temperature,
	}
}

func (c *claude) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	maxTokens := c.maxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    c.convertMessages(req),
		Temperature: anthropic.Float(c.temperature),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	var resp *anthropic.Message
	var err error
	for attempt := range maxRetries {
		resp, err = c.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryableError(err) {
			return "", err
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			logger.Warn("claude overloaded, retrying", "attempt", attempt+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if onDelta != nil && text.Len() > 0 {
		onDelta(text.String())
	}
	return text.String(), nil
}

// convertMessages maps the prompt onto alternating user and assistant turns,
// merging neighbours with the same role. The first turn must be the user's.
func (c *claude) convertMessages(req Request) []anthropic.MessageParam {
	type turn struct {
		role string
		text []string
	}

	var turns []turn
	for _, msg := range req.Messages {
		if msg.Content == "" {
			continue
		}

		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		if len(turns) == 0 && role == "assistant" {
			continue
		}

		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text = append(turns[n-1].text, msg.Content)
			continue
		}
		turns = append(turns, turn{role: role, text: []string{msg.Content}})
	}

	result := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(block))
		} else {
			result = append(result, anthropic.NewUserMessage(block))
		}
	}

	return result
}

func isRetryableError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "529") ||
		strings.Contains(errStr, "overloaded") ||
		strings.Contains(errStr, "Overloaded") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "502")
}

func (c *claude) Model() string {
	return c.model
}

func (c *claude) Provider() string {
	return "claude"
}
