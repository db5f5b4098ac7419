package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
)

var ErrClosed = errors.New("interpreter closed")

// Interpreter is the per-session execution instance. It keeps the
// conversation history, asks the completer for the next reply and runs the
// code blocks in it, feeding their output back until the reply has no code.
type Interpreter struct {
	mu      sync.Mutex
	id      string
	llm     Completer
	runner  *Runner
	history []message.Message
	closed  bool

	system   string
	autoRun  bool
	maxLoops int
}

func NewInterpreter(id string, llm Completer, runner *Runner, cfg Config) *Interpreter {
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}

	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 3
	}

	return &Interpreter{
		id:       id,
		llm:      llm,
		runner:   runner,
		system:   system,
		autoRun:  cfg.AutoRun,
		maxLoops: maxLoops,
	}
}

// Load replaces the history with the persisted conversation.
func (it *Interpreter) Load(history []message.Message) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.history = slices.Clone(history)
}

func (it *Interpreter) History() []message.Message {
	it.mu.Lock()
	defer it.mu.Unlock()
	return slices.Clone(it.history)
}

func (it *Interpreter) Model() string {
	return it.llm.Model()
}

// Close removes the workspace. It waits for a running turn to finish.
func (it *Interpreter) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return nil
	}
	it.closed = true
	it.history = nil

	if it.runner == nil {
		return nil
	}
	return it.runner.Dispose()
}

// Run starts a turn. Fragments arrive on the first channel, which is closed
// when the turn ends; a failure is then delivered on the second.
func (it *Interpreter) Run(ctx context.Context, turn Turn) (<-chan message.Chunk, <-chan error) {
	out := make(chan message.Chunk, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		it.mu.Lock()
		defer it.mu.Unlock()

		if it.closed {
			errc <- ErrClosed
			return
		}

		emit := func(c message.Chunk) {
			select {
			case out <- c:
			case <-ctx.Done():
			}
		}

		var err error
		var pc panics.Catcher
		pc.Try(func() { err = it.run(ctx, turn, emit) })
		if r := pc.Recovered(); r != nil {
			logger.Error("interpreter panicked", "session", it.id, "panic", r.Value)
			err = r.AsError()
		}

		if err != nil {
			errc <- err
		}
	}()

	return out, errc
}

func (it *Interpreter) run(ctx context.Context, turn Turn, emit func(message.Chunk)) error {
	it.history = append(it.history, turn.Messages...)

	for loop := 0; loop < it.maxLoops; loop++ {
		var parser *fenceParser
		if turn.Stream {
			parser = newFenceParser(emit)
		} else {
			parser = newFenceParser(nil)
		}

		// Each block is recorded, and code executed, the moment the
		// parser closes it, so a code message is always followed by its
		// confirmation and console output.
		var (
			ran     bool
			failed  bool
			execErr error
		)
		parser.onBlock = func(b *block) {
			m := message.New(message.RoleAssistant, b.typ, b.content.String())
			m.Format = b.format
			m.Recipient = message.RecipientUser
			it.history = append(it.history, m)
			if !turn.Stream {
				emit(message.Chunk{Message: m})
			}

			if b.typ != message.TypeCode {
				return
			}
			it.confirm(b.format, m.Content, emit)

			if failed || execErr != nil || b.format == "" || !it.autoRun || it.runner == nil {
				return
			}
			if err := ctx.Err(); err != nil {
				execErr = err
				return
			}

			it.execute(ctx, b.format, m.Content, turn.Stream, emit)
			ran = true
		}

		req := Request{System: it.system, Messages: prompt(it.history), Model: turn.Model}
		_, err := it.llm.Complete(ctx, req, parser.Write)
		if err != nil {
			// an unterminated block is kept but never run
			failed = true
		}
		parser.Close()

		if err != nil {
			return fmt.Errorf("%s completion: %w", it.llm.Provider(), err)
		}
		if execErr != nil {
			return execErr
		}
		if !ran {
			return nil
		}
	}

	logger.Debug("interpreter stopped at loop limit", "session", it.id, "loops", it.maxLoops)
	return nil
}

// execute runs one code block and records its console output.
func (it *Interpreter) execute(ctx context.Context, format message.Format, code string, stream bool, emit func(message.Chunk)) {
	if ContainsSecret(code) {
		logger.Warn("code block references credentials", "session", it.id, "format", format)
	}

	output := it.runCode(ctx, format, code, stream, emit)

	m := message.New(message.RoleComputer, message.TypeConsole, output)
	m.Format = message.FormatOutput
	m.Recipient = message.RecipientUser
	it.history = append(it.history, m)
	if !stream {
		emit(message.Chunk{Message: m})
	}
}

func (it *Interpreter) confirm(format message.Format, code string, emit func(message.Chunk)) {
	payload, _ := json.Marshal(map[string]string{
		"type":    string(message.TypeCode),
		"format":  string(format),
		"content": code,
	})

	m := message.New(message.RoleComputer, message.TypeConfirmation, string(payload))
	m.Format = message.FormatExecution
	m.Recipient = message.RecipientUser
	it.history = append(it.history, m)
	emit(message.Chunk{Message: m})
}

func (it *Interpreter) runCode(ctx context.Context, format message.Format, code string, stream bool, emit func(message.Chunk)) string {
	consoleChunk := func(content string) message.Chunk {
		c := message.NewChunk(message.RoleComputer, message.TypeConsole, content)
		c.Format = message.FormatOutput
		c.Recipient = message.RecipientUser
		return c
	}

	var onLine func(string)
	if stream {
		start := consoleChunk("")
		start.Start = true
		emit(start)
		onLine = func(line string) { emit(consoleChunk(line)) }
	}

	output, err := it.runner.Run(ctx, format, code, onLine)
	if err != nil {
		tail := err.Error() + "\n"
		output += tail
		if onLine != nil {
			onLine(tail)
		}
		logger.Debug("code run failed", "session", it.id, "format", format, "error", err)
	}

	if stream {
		end := consoleChunk("")
		end.End = true
		emit(end)
	}

	return strings.TrimRight(output, "\n")
}

// prompt renders the history for the completer. Code goes back as fenced
// blocks, console output as user text; confirmations are dropped.
func prompt(history []message.Message) []message.OpenAIMessage {
	out := make([]message.OpenAIMessage, 0, len(history))

	for _, m := range history {
		switch {
		case m.Role == message.RoleUser:
			out = append(out, message.OpenAIMessage{Role: "user", Content: m.Content})

		case m.Role == message.RoleAssistant && m.Type == message.TypeCode:
			lang := m.Format
			if lang == "" {
				lang = message.FormatPython
			}
			out = append(out, message.OpenAIMessage{
				Role:    "assistant",
				Content: fence + string(lang) + "\n" + m.Content + "\n" + fence,
			})

		case m.Role == message.RoleAssistant:
			out = append(out, message.OpenAIMessage{Role: "assistant", Content: m.Content})

		case m.Type == message.TypeConsole && m.Format != message.FormatActiveLine:
			text := strings.TrimSpace(m.Content)
			if text == "" {
				text = "No output"
			}
			out = append(out, message.OpenAIMessage{Role: "user", Content: echoCodeOutputPrefix + "\n" + text})
		}
	}

	return out
}
