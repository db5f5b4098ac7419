// Package turn runs one conversational turn against a session: it resolves
// the session, serializes turns with the session lock, drives the execution
// instance and persists what it produces.
package turn

import (
	"github.com/ovenzeze/open-interpreter/internal/message"
)

type State string

const (
	Completed State = "completed"
	Busy      State = "busy"
	Expired   State = "expired"
	Failed    State = "failed"
)

type Request struct {
	SessionID string
	Messages  []message.Message
	Stream    bool
	Model     string
	// Metadata seeds a session created by this turn.
	Metadata map[string]any
}

// Reply is the aggregated non-streaming answer in chat-completions shape.
type Reply struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	Model     string   `json:"model"`
	SessionID string   `json:"session_id,omitempty"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`
}

type Choice struct {
	Index        int          `json:"index"`
	Message      ReplyMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

type ReplyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	State     State
	SessionID string
	Reply     *Reply
	// Messages holds every message assembled during the turn.
	Messages []message.Message
	Err      error
}

// Sink receives fragments of a streaming turn as they are produced.
type Sink interface {
	Emit(c message.Chunk) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(c message.Chunk) error

func (f SinkFunc) Emit(c message.Chunk) error { return f(c) }
