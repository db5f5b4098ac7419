package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/engine"
	"github.com/ovenzeze/open-interpreter/internal/instance"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

type Orchestrator struct {
	sessions    *session.Store
	locks       *session.LockTable
	pool        *instance.Pool
	lockTimeout time.Duration
	now         func() time.Time
}

func New(sessions *session.Store, locks *session.LockTable, pool *instance.Pool, lockTimeout time.Duration) *Orchestrator {
	return &Orchestrator{
		sessions:    sessions,
		locks:       locks,
		pool:        pool,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// Run executes one turn. When req.Stream is set every fragment is passed to
// sink as it is produced, followed by a terminal end fragment, or an error
// fragment if the turn fails mid-run. A sink that fails is detached; the
// turn still runs to completion and persists its output.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) Result {
	if len(req.Messages) == 0 {
		return Result{State: Failed, SessionID: req.SessionID, Err: apierr.Validation("messages must not be empty")}
	}
	for _, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return Result{State: Failed, SessionID: req.SessionID, Err: err}
		}
	}

	id, res, ok := o.resolve(ctx, req)
	if !ok {
		return res
	}

	log := logger.With("session", id)

	if !o.locks.Acquire(ctx, id, o.lockTimeout) {
		log.Info("turn rejected, session busy")
		return Result{State: Busy, SessionID: id, Err: &apierr.BusyError{SessionID: id, RetryAfter: o.lockTimeout}}
	}
	release := sync.OnceFunc(func() { o.locks.Release(id) })
	defer release()

	if !req.Stream {
		sink = nil
	}
	out := &stream{sink: sink, log: log}

	var pc panics.Catcher
	pc.Try(func() { res = o.run(ctx, id, req, out) })

	if r := pc.Recovered(); r != nil {
		log.Error("turn panicked", "panic", r.Value)
		fault := &apierr.ExecutionFault{Err: r.AsError()}
		out.emit(message.ErrorChunk(fault))
		res = Result{State: Failed, SessionID: id, Err: fault}
	}

	release()
	return res
}

func (o *Orchestrator) resolve(ctx context.Context, req Request) (string, Result, bool) {
	if req.SessionID == "" {
		rec, err := o.sessions.Create(ctx, req.Metadata)
		if err != nil {
			return "", Result{State: Failed, Err: err}, false
		}
		return rec.ID, Result{}, true
	}

	if _, err := o.sessions.Get(req.SessionID); err != nil {
		return "", Result{State: Expired, SessionID: req.SessionID, Err: apierr.Expired(req.SessionID)}, false
	}
	return req.SessionID, Result{}, true
}

// run does the locked part of a turn.
func (o *Orchestrator) run(ctx context.Context, id string, req Request, out *stream) Result {
	history, err := o.sessions.Messages(id)
	if err != nil {
		return Result{State: Expired, SessionID: id, Err: apierr.Expired(id)}
	}

	for _, m := range req.Messages {
		if err := o.sessions.AppendMessage(id, m); err != nil && !isPersistence(err) {
			return o.fail(id, err)
		}
	}

	inst, err := o.pool.Get(ctx, id, history)
	if err != nil {
		return o.fail(id, &apierr.ExecutionFault{Err: err})
	}

	if _, err := o.sessions.Get(id); err != nil {
		return Result{State: Expired, SessionID: id, Err: apierr.Expired(id)}
	}

	// the engine runs to completion even if the caller goes away
	runCtx := context.WithoutCancel(ctx)
	chunks, errc := inst.Run(runCtx, engine.Turn{Messages: req.Messages, Stream: req.Stream, Model: req.Model})
	defer func() {
		if r := recover(); r != nil {
			// let the engine finish into the void
			go func() {
				for range chunks {
				}
			}()
			panic(r)
		}
	}()

	asm := message.NewAssembler()
	var assembled []message.Message
	var replies []string

	keep := func(m message.Message) {
		if m.Type == message.TypeError {
			return
		}
		if err := o.sessions.AppendMessage(id, m); err != nil {
			out.log.Warn("failed to persist turn output", "type", m.Type, "error", err)
		}
		assembled = append(assembled, m)
		if m.Role == message.RoleAssistant && m.Type == message.TypeMessage {
			replies = append(replies, m.Content)
		}
	}

	for c := range chunks {
		out.emit(c)
		if m, ok := asm.Add(c); ok {
			keep(m)
		}
	}

	if err := <-errc; err != nil {
		if m, ok := asm.Flush(); ok {
			keep(m)
		}

		fault := &apierr.ExecutionFault{Err: err}
		out.log.Error("turn failed", "error", err)
		out.emit(message.ErrorChunk(fault))
		return Result{State: Failed, SessionID: id, Messages: assembled, Err: fault}
	}

	if m, ok := asm.Flush(); ok {
		keep(m)
	}
	out.emit(message.EndChunk())

	model := req.Model
	if model == "" {
		model = inst.Model()
	}

	return Result{
		State:     Completed,
		SessionID: id,
		Messages:  assembled,
		Reply: &Reply{
			ID:        "chatcmpl-" + uuid.NewString(),
			Object:    "chat.completion",
			Created:   o.now().Unix(),
			Model:     model,
			SessionID: id,
			Choices: []Choice{{
				Index:        0,
				Message:      ReplyMessage{Role: string(message.RoleAssistant), Content: strings.Join(replies, "\n")},
				FinishReason: "stop",
			}},
		},
	}
}

func (o *Orchestrator) fail(id string, err error) Result {
	var nf *apierr.NotFoundError
	if errors.As(err, &nf) {
		return Result{State: Expired, SessionID: id, Err: apierr.Expired(id)}
	}

	logger.Error("turn failed", "session", id, "error", err)
	return Result{State: Failed, SessionID: id, Err: err}
}

func isPersistence(err error) bool {
	var pe *apierr.PersistenceError
	return errors.As(err, &pe)
}

// stream forwards fragments to the sink until the first delivery failure.
type stream struct {
	sink Sink
	log  *slog.Logger
}

func (s *stream) emit(c message.Chunk) {
	if s.sink == nil {
		return
	}

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = s.sink.Emit(c) })
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
	}

	if err != nil {
		s.log.Warn("stream consumer gone, detaching", "error", err)
		s.sink = nil
	}
}
