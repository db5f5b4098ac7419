package turn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/engine"
	"github.com/ovenzeze/open-interpreter/internal/instance"
	"github.com/ovenzeze/open-interpreter/internal/message"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

// scriptInstance replays fixed chunks, optionally waiting for a signal or
// failing at the end.
type scriptInstance struct {
	chunks  []message.Chunk
	err     error
	wait    chan struct{}
	started chan struct{}
	once    sync.Once
	panics  bool
}

func (s *scriptInstance) Load([]message.Message) {}

func (s *scriptInstance) Run(ctx context.Context, turn engine.Turn) (<-chan message.Chunk, <-chan error) {
	if s.panics {
		panic("engine exploded")
	}
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}

	out := make(chan message.Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if s.wait != nil {
			<-s.wait
		}
		for _, c := range s.chunks {
			out <- c
		}
		if s.err != nil {
			errc <- s.err
		}
	}()
	return out, errc
}

func (s *scriptInstance) Model() string { return "script" }
func (s *scriptInstance) Close() error  { return nil }

type harness struct {
	store *session.Store
	locks *session.LockTable
	pool  *instance.Pool
	orch  *Orchestrator
}

func newHarness(t *testing.T, factory instance.Factory) *harness {
	t.Helper()

	files, err := session.NewFileStore(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)

	pool := instance.New(factory, 3)
	t.Cleanup(pool.Close)

	store := session.NewStore(files, time.Hour, session.WithActivityHook(pool.Touch))
	locks := session.NewLockTable()

	return &harness{
		store: store,
		locks: locks,
		pool:  pool,
		orch:  New(store, locks, pool, 50*time.Millisecond),
	}
}

func fixed(inst instance.Instance) instance.Factory {
	return func(ctx context.Context, id string) (instance.Instance, error) { return inst, nil }
}

func echoFactory(t *testing.T) instance.Factory {
	f := engine.NewFactoryWithCompleter(engine.Config{
		Provider:   "echo",
		SandboxDir: t.TempDir(),
		AutoRun:    true,
	}, mustEcho(t))

	return func(ctx context.Context, id string) (instance.Instance, error) {
		return f.New(ctx, id)
	}
}

func mustEcho(t *testing.T) engine.Completer {
	c, err := engine.NewCompleter(engine.Config{Provider: "echo"})
	require.NoError(t, err)
	return c
}

func user(content string) []message.Message {
	return []message.Message{message.New(message.RoleUser, message.TypeMessage, content)}
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []message.Chunk
	fail   bool
}

func (r *recordingSink) Emit(c message.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("client disconnected")
	}
	r.chunks = append(r.chunks, c)
	return nil
}

func chunk(content string, start, end bool) message.Chunk {
	c := message.NewChunk(message.RoleAssistant, message.TypeMessage, content)
	c.Start, c.End = start, end
	return c
}

func TestNonStreamingTurnOnFreshSession(t *testing.T) {
	h := newHarness(t, echoFactory(t))

	res := h.orch.Run(context.Background(), Request{Messages: user("hello")}, nil)
	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.State)
	require.NotEmpty(t, res.SessionID)

	require.NotNil(t, res.Reply)
	assert.Equal(t, "chat.completion", res.Reply.Object)
	require.Len(t, res.Reply.Choices, 1)
	assert.Equal(t, "assistant", res.Reply.Choices[0].Message.Role)
	assert.Equal(t, "You said: hello", res.Reply.Choices[0].Message.Content)
	assert.Equal(t, "stop", res.Reply.Choices[0].FinishReason)

	msgs, err := h.store.Messages(res.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, message.RoleUser, msgs[0].Role)
	assert.Equal(t, message.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "You said: hello", msgs[1].Content)

	assert.False(t, h.locks.Held(res.SessionID))
}

func TestStreamingTurnAssemblesFragments(t *testing.T) {
	inst := &scriptInstance{chunks: []message.Chunk{
		chunk("Hel", true, false),
		chunk("lo", false, false),
		chunk("!", false, true),
	}}
	h := newHarness(t, fixed(inst))

	sess, err := h.store.Create(context.Background(), nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	res := h.orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("hi"), Stream: true}, sink)
	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.State)

	require.Len(t, sink.chunks, 4)
	last := sink.chunks[3]
	assert.True(t, last.End)
	assert.Empty(t, last.Content)
	assert.Equal(t, message.RecipientUser, last.Recipient)

	msgs, err := h.store.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello!", msgs[1].Content)
}

func TestConcurrentTurnsOneBusy(t *testing.T) {
	inst := &scriptInstance{
		chunks: []message.Chunk{{Message: message.New(message.RoleAssistant, message.TypeMessage, "done")}},
		wait:   make(chan struct{}),
	}
	h := newHarness(t, fixed(inst))

	sess, err := h.store.Create(context.Background(), nil)
	require.NoError(t, err)

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- h.orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("go")}, nil)
		}()
	}

	first := <-results
	assert.Equal(t, Busy, first.State)
	var be *apierr.BusyError
	require.ErrorAs(t, first.Err, &be)
	assert.Equal(t, sess.ID, be.SessionID)

	close(inst.wait)
	second := <-results
	assert.Equal(t, Completed, second.State)
	assert.False(t, h.locks.Held(sess.ID))
}

func TestEngineErrorEmitsErrorFragment(t *testing.T) {
	inst := &scriptInstance{
		chunks: []message.Chunk{chunk("partial", true, false)},
		err:    errors.New("model unavailable"),
	}
	h := newHarness(t, fixed(inst))

	sess, err := h.store.Create(context.Background(), nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	res := h.orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("hi"), Stream: true}, sink)

	assert.Equal(t, Failed, res.State)
	var fault *apierr.ExecutionFault
	require.ErrorAs(t, res.Err, &fault)

	require.NotEmpty(t, sink.chunks)
	last := sink.chunks[len(sink.chunks)-1]
	assert.Equal(t, message.TypeError, last.Type)
	assert.Contains(t, last.Content, "model unavailable")

	assert.False(t, h.locks.Held(sess.ID), "lock is released on failure")

	msgs, err := h.store.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "partial output is kept")
	assert.Equal(t, "partial", msgs[1].Content)
}

func TestEnginePanicBecomesFault(t *testing.T) {
	h := newHarness(t, fixed(&scriptInstance{panics: true}))

	sess, err := h.store.Create(context.Background(), nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	res := h.orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("hi"), Stream: true}, sink)

	assert.Equal(t, Failed, res.State)
	var fault *apierr.ExecutionFault
	require.ErrorAs(t, res.Err, &fault)
	assert.Contains(t, fault.Error(), "engine exploded")
	assert.False(t, h.locks.Held(sess.ID))

	require.Len(t, sink.chunks, 1)
	assert.Equal(t, message.TypeError, sink.chunks[0].Type)
}

func TestUnknownSessionExpired(t *testing.T) {
	h := newHarness(t, fixed(&scriptInstance{}))

	res := h.orch.Run(context.Background(), Request{SessionID: "missing", Messages: user("hi")}, nil)
	assert.Equal(t, Expired, res.State)

	var nf *apierr.NotFoundError
	require.ErrorAs(t, res.Err, &nf)
	assert.True(t, nf.Expired)
	assert.Equal(t, 404, apierr.Status(res.Err))
}

func TestDetachedSinkStillPersists(t *testing.T) {
	inst := &scriptInstance{chunks: []message.Chunk{
		chunk("kept", true, false),
		chunk("", false, true),
	}}
	h := newHarness(t, fixed(inst))

	sess, err := h.store.Create(context.Background(), nil)
	require.NoError(t, err)

	res := h.orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("hi"), Stream: true}, &recordingSink{fail: true})
	assert.Equal(t, Completed, res.State)

	msgs, err := h.store.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "kept", msgs[1].Content)
}

func TestRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, fixed(&scriptInstance{}))

	res := h.orch.Run(context.Background(), Request{}, nil)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 400, apierr.Status(res.Err))

	bad := []message.Message{{Role: "robot", Type: message.TypeMessage, Content: "x"}}
	res = h.orch.Run(context.Background(), Request{Messages: bad}, nil)
	assert.Equal(t, 400, apierr.Status(res.Err))
	assert.Equal(t, 0, h.store.Len(), "no session is created for a rejected turn")
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	h := newHarness(t, echoFactory(t))
	ctx := context.Background()

	first := h.orch.Run(ctx, Request{Messages: user("one")}, nil)
	require.Equal(t, Completed, first.State)

	second := h.orch.Run(ctx, Request{SessionID: first.SessionID, Messages: user("two")}, nil)
	require.Equal(t, Completed, second.State)
	assert.Equal(t, "You said: two", second.Reply.Choices[0].Message.Content)

	msgs, err := h.store.Messages(first.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "two", msgs[2].Content)
}

// testClock is a settable clock shared by a store and a test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSessionExpiresWhileInstanceBoots(t *testing.T) {
	files, err := session.NewFileStore(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)

	clock := &testClock{now: time.Now()}
	store := session.NewStore(files, time.Hour, session.WithClock(clock.Now))
	locks := session.NewLockTable()

	// a slow boot outlives the session; the instance must never run
	pool := instance.New(func(ctx context.Context, id string) (instance.Instance, error) {
		clock.Advance(2 * time.Hour)
		return &scriptInstance{panics: true}, nil
	}, 3)
	t.Cleanup(pool.Close)

	orch := New(store, locks, pool, 50*time.Millisecond)

	sess, err := store.Create(context.Background(), nil)
	require.NoError(t, err)

	sink := &recordingSink{}
	res := orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("hi"), Stream: true}, sink)

	assert.Equal(t, Expired, res.State)
	assert.Equal(t, 404, apierr.Status(res.Err))
	assert.Equal(t, "session_expired", apierr.Code(res.Err))
	assert.Empty(t, sink.chunks)
	assert.False(t, locks.Held(sess.ID))
}

func TestSessionExpiresWhileWaitingForLock(t *testing.T) {
	files, err := session.NewFileStore(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)

	touches := make(chan string, 64)
	clock := &testClock{now: time.Now()}
	store := session.NewStore(files, time.Hour,
		session.WithClock(clock.Now),
		session.WithActivityHook(func(id string, at time.Time) {
			select {
			case touches <- id:
			default:
			}
		}),
	)
	locks := session.NewLockTable()

	holder := &scriptInstance{
		chunks:  []message.Chunk{{Message: message.New(message.RoleAssistant, message.TypeMessage, "done")}},
		wait:    make(chan struct{}),
		started: make(chan struct{}),
	}
	pool := instance.New(fixed(holder), 3)
	t.Cleanup(pool.Close)

	orch := New(store, locks, pool, 5*time.Second)

	sess, err := store.Create(context.Background(), nil)
	require.NoError(t, err)

	first := make(chan Result, 1)
	go func() {
		first <- orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("one")}, nil)
	}()
	<-holder.started

	for len(touches) > 0 {
		<-touches
	}

	second := make(chan Result, 1)
	go func() {
		second <- orch.Run(context.Background(), Request{SessionID: sess.ID, Messages: user("two")}, nil)
	}()

	// the second turn has looked the session up and now waits for the lock
	assert.Equal(t, sess.ID, <-touches)

	clock.Advance(2 * time.Hour)
	close(holder.wait)
	<-first

	res := <-second
	assert.Equal(t, Expired, res.State)
	assert.Equal(t, 404, apierr.Status(res.Err))
	assert.False(t, locks.Held(sess.ID))
}

func TestCodeAndProseTurnKeepsValidSequence(t *testing.T) {
	for _, stream := range []bool{false, true} {
		h := newHarness(t, echoFactory(t))

		var sink Sink
		if stream {
			sink = &recordingSink{}
		}
		res := h.orch.Run(context.Background(), Request{
			Messages: user("```shell\necho hi\n```\nthanks"),
			Stream:   stream,
		}, sink)
		require.Equal(t, Completed, res.State, "stream=%v", stream)

		rec, err := h.store.Get(res.SessionID)
		require.NoError(t, err)

		var kinds []string
		for _, m := range rec.Messages {
			kinds = append(kinds, string(m.Role)+"/"+string(m.Type))
		}
		assert.Equal(t, []string{
			"user/message",
			"assistant/code",
			"computer/confirmation",
			"computer/console",
			"assistant/message",
			"assistant/message",
		}, kinds, "stream=%v", stream)

		require.NoError(t, message.ValidateSequence(rec.Messages), "stream=%v", stream)

		_, err = h.store.Import(rec)
		assert.NoError(t, err, "a record the server wrote can be restored")
		_, err = h.store.Update(res.SessionID, session.Patch{Messages: rec.Messages})
		assert.NoError(t, err, "a record the server wrote can be sent back")
	}
}
