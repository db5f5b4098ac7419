package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/message"
	"github.com/ovenzeze/open-interpreter/internal/turn"
)

type chatRequest struct {
	Messages  []json.RawMessage `json:"messages"`
	Stream    bool              `json:"stream"`
	SessionID string            `json:"session_id"`
	Model     string            `json:"model"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, apierr.Validation("messages array is required"))
		return
	}

	msgs, err := decodeMessages(req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}

	treq := turn.Request{SessionID: req.SessionID, Messages: msgs, Stream: req.Stream, Model: req.Model}

	if !req.Stream {
		s.reply(w, s.Turns.Run(r.Context(), treq, nil))
		return
	}

	sse := newEventStream(w)
	res := s.Turns.Run(r.Context(), treq, turn.SinkFunc(func(c message.Chunk) error {
		return sse.data(c)
	}))

	switch {
	case !sse.started:
		s.reply(w, res)
	case res.State == turn.Completed:
		sse.event("done")
	}
}

// openAIRequest is the body of /v1/chat/completions.
type openAIRequest struct {
	Messages  []message.OpenAIMessage `json:"messages"`
	Stream    bool                    `json:"stream"`
	Model     string                  `json:"model"`
	SessionID string                  `json:"session_id"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req openAIRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, err)
		return
	}

	msgs, err := openAITurnMessages(req)
	if err != nil {
		writeError(w, err)
		return
	}

	treq := turn.Request{SessionID: req.SessionID, Messages: msgs, Stream: req.Stream, Model: req.Model}

	if !req.Stream {
		s.reply(w, s.Turns.Run(r.Context(), treq, nil))
		return
	}

	model := req.Model
	if model == "" {
		model = s.Model
	}

	sse := newEventStream(w)
	enc := &completionChunker{id: "chatcmpl-" + uuid.NewString(), model: model}

	res := s.Turns.Run(r.Context(), treq, turn.SinkFunc(func(c message.Chunk) error {
		frame, ok := enc.frame(c)
		if !ok {
			return nil
		}
		return sse.data(frame)
	}))

	if !sse.started && res.State != turn.Completed {
		s.reply(w, res)
		return
	}

	if res.State == turn.Completed {
		sse.data(enc.stop())
	}
	sse.raw("[DONE]")
}

// openAITurnMessages picks the messages a completions request adds to the
// conversation. Without a session the whole history is taken; with one the
// session already holds the history, so only the trailing user message is.
func openAITurnMessages(req openAIRequest) ([]message.Message, error) {
	if len(req.Messages) == 0 {
		return nil, apierr.Validation("messages array is required")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return nil, apierr.Validation("message %d: invalid role %q", i, m.Role)
		}
	}

	src := req.Messages
	if req.SessionID != "" {
		last := src[len(src)-1]
		if last.Role != "user" {
			return nil, apierr.Validation("last message must come from the user")
		}
		src = src[len(src)-1:]
	}

	msgs := message.FromOpenAI(src)
	if len(msgs) == 0 {
		return nil, apierr.Validation("messages contain no content")
	}
	for _, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// reply writes a finished turn as a JSON response.
func (s *Server) reply(w http.ResponseWriter, res turn.Result) {
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Reply)
}

// eventStream writes server-sent events. Headers go out with the first
// event, so a turn that fails before producing anything can still answer
// with a plain JSON error.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newEventStream(w http.ResponseWriter) *eventStream {
	f, _ := w.(http.Flusher)
	return &eventStream{w: w, flusher: f}
}

func (e *eventStream) start() {
	if e.started {
		return
	}
	e.started = true

	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	e.w.WriteHeader(http.StatusOK)
}

func (e *eventStream) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return e.raw(string(b))
}

func (e *eventStream) raw(payload string) error {
	return e.write("data: " + payload + "\n\n")
}

func (e *eventStream) event(name string) error {
	return e.write("event: " + name + "\n\n")
}

func (e *eventStream) write(frame string) error {
	e.start()
	if _, err := fmt.Fprint(e.w, frame); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

type completionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
}

type completionChoice struct {
	Index        int             `json:"index"`
	Delta        completionDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type completionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
}

// completionChunker renders NCU fragments as chat.completion.chunk frames.
// Code and console output are wrapped in fenced blocks.
type completionChunker struct {
	id    string
	model string
}

func (c *completionChunker) chunk(delta completionDelta, finish *string) completionChunk {
	return completionChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   c.model,
		Choices: []completionChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (c *completionChunker) frame(ch message.Chunk) (completionChunk, bool) {
	content := ch.Content

	switch ch.Type {
	case message.TypeConfirmation:
		return completionChunk{}, false

	case message.TypeError:
		return c.chunk(completionDelta{Role: "assistant", Content: content, Type: "error"}, nil), true

	case message.TypeConsole:
		content = fenced(content, "", ch.Start, ch.End)
		if content == "" {
			return completionChunk{}, false
		}
		return c.chunk(completionDelta{Content: content, Type: "console_output"}, nil), true

	case message.TypeCode:
		lang := string(ch.Format)
		if lang == "" {
			lang = string(message.FormatPython)
		}
		content = fenced(content, lang, ch.Start, ch.End)
	}

	if content == "" {
		return completionChunk{}, false
	}
	return c.chunk(completionDelta{Role: "assistant", Content: content}, nil), true
}

func (c *completionChunker) stop() completionChunk {
	reason := "stop"
	return c.chunk(completionDelta{}, &reason)
}

// fenced opens a code fence on a start fragment and closes it on an end
// fragment. Fragments in between pass through.
func fenced(content, lang string, start, end bool) string {
	if start {
		content = "\n```" + lang + "\n" + content
	}
	if end {
		content += "\n```"
	}
	return content
}
