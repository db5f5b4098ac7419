package engine

import (
	"context"
	"strings"
)

const echoCodeOutputPrefix = "Code output:"

// echo is the offline completer. A user message carrying a fenced code
// block is sent back verbatim so the block runs; code output is
// acknowledged; anything else is echoed as prose.
type echo struct {
	model string
}

func newEcho(model string) Completer {
	if model == "" {
		model = "echo"
	}
	return &echo{model: model}
}

func (e *echo) Complete(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}

	var reply string
	switch {
	case strings.Contains(last, echoCodeOutputPrefix):
		reply = "Done."
	case strings.Contains(last, fence):
		reply = last
	default:
		reply = "You said: " + last
	}

	if onDelta != nil {
		for _, part := range splitKeep(reply) {
			onDelta(part)
		}
	}
	return reply, nil
}

// splitKeep splits s after each space and newline so every part is a
// realistic streaming delta.
func splitKeep(s string) []string {
	var parts []string
	for s != "" {
		i := strings.IndexAny(s, " \n")
		if i < 0 {
			parts = append(parts, s)
			break
		}
		parts = append(parts, s[:i+1])
		s = s[i+1:]
	}
	return parts
}

func (e *echo) Model() string {
	return e.model
}

func (e *echo) Provider() string {
	return "echo"
}
