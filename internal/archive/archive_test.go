package archive

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovenzeze/open-interpreter/internal/message"
	"github.com/ovenzeze/open-interpreter/internal/session"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	times   map[string]time.Time
	clock   time.Time
	down    bool
}

func newMemBucket() *memBucket {
	return &memBucket{
		objects: map[string][]byte{},
		times:   map[string]time.Time{},
		clock:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memBucket) Ensure(ctx context.Context) error { return m.Reachable(ctx) }

func (m *memBucket) Upload(ctx context.Context, name string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("connection refused")
	}
	m.clock = m.clock.Add(time.Minute)
	m.objects[name] = append([]byte(nil), data...)
	m.times[name] = m.clock
	return nil
}

func (m *memBucket) Download(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return nil, errNoSuchKey
	}
	return data, nil
}

func (m *memBucket) List(ctx context.Context, prefix string) ([]objectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []objectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, objectInfo{Key: k, Size: int64(len(v)), Modified: m.times[k]})
		}
	}
	return out, nil
}

func (m *memBucket) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *memBucket) Reachable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("connection refused")
	}
	return nil
}

func TestArchiveAndRestore(t *testing.T) {
	a := &Archive{b: newMemBucket()}
	ctx := context.Background()

	rec := &session.Session{
		ID:       "abc-123",
		Metadata: map[string]any{"title": "demo"},
		Messages: []message.Message{message.New(message.RoleUser, message.TypeMessage, "hi")},
	}
	require.NoError(t, a.Archive(ctx, rec))

	got, err := a.Restore(ctx, "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "abc-123", got.ID)
	assert.Equal(t, "demo", got.Metadata["title"])
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestRestoreMissing(t *testing.T) {
	a := &Archive{b: newMemBucket()}

	_, err := a.Restore(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotArchived)

	_, err = a.Restore(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, session.ErrInvalidID)
}

func TestListNewestFirst(t *testing.T) {
	a := &Archive{b: newMemBucket()}
	ctx := context.Background()

	for _, id := range []string{"first", "second"} {
		require.NoError(t, a.Archive(ctx, &session.Session{ID: id}))
	}

	entries, err := a.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].SessionID)
	assert.Equal(t, "first", entries[1].SessionID)

	require.NoError(t, a.Purge(ctx, "first"))
	entries, err = a.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHealthy(t *testing.T) {
	b := newMemBucket()
	a := &Archive{b: b}

	assert.True(t, a.Healthy(context.Background()))
	b.down = true
	assert.False(t, a.Healthy(context.Background()))
}

func TestStoreRemovalRoundTrip(t *testing.T) {
	a := &Archive{b: newMemBucket()}
	ctx := context.Background()

	files, err := session.NewFileStore(afero.NewMemMapFs(), "/sessions")
	require.NoError(t, err)
	store := session.NewStore(files, time.Hour, session.WithArchiver(a))

	sess, err := store.Create(ctx, map[string]any{"title": "kept"})
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(sess.ID, message.New(message.RoleUser, message.TypeMessage, "remember me")))
	require.NoError(t, store.Remove(ctx, sess.ID))
	require.False(t, store.Exists(sess.ID))

	rec, err := a.Restore(ctx, sess.ID)
	require.NoError(t, err)

	restored, err := store.Import(rec)
	require.NoError(t, err)
	assert.Equal(t, "kept", restored.Metadata["title"])

	msgs, err := store.Messages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remember me", msgs[0].Content)
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}
