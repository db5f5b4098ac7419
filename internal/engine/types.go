// Package engine is the execution engine behind each session: a language
// model completer paired with a local code runner.
package engine

import (
	"context"
	"time"

	"github.com/ovenzeze/open-interpreter/internal/message"
)

// Turn is one request handed to an instance.
type Turn struct {
	Messages []message.Message
	Stream   bool
	Model    string
}

type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float64

	SystemPrompt string
	AutoRun      bool
	MaxLoops     int
	SandboxDir   string
	ExecTimeout  time.Duration
}

// Request is a provider-neutral completion request.
type Request struct {
	System   string
	Messages []message.OpenAIMessage
	Model    string
}

// Completer produces one assistant reply. onDelta receives text as it
// arrives; backends without streaming call it once with the full reply.
type Completer interface {
	Complete(ctx context.Context, req Request, onDelta func(string)) (string, error)
	Model() string
	Provider() string
}

const defaultSystemPrompt = `You are Open Interpreter, a world-class programmer that can complete any goal by executing code.
When you execute code, it will be executed on the user's machine in a dedicated working directory.
Write code in fenced blocks tagged with python, javascript or shell. Output of each block is sent back to you.
Keep going until the goal is reached, then reply in plain text without a code block.`
