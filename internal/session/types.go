package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ovenzeze/open-interpreter/internal/message"
)

// Session is the durable record of one conversation.
type Session struct {
	ID         string            `json:"session_id"`
	CreatedAt  message.Timestamp `json:"created_at"`
	LastActive message.Timestamp `json:"last_active"`
	Metadata   map[string]any    `json:"metadata"`
	Messages   []message.Message `json:"messages"`
}

// Clone returns a copy that shares nothing mutable with s.
func (s *Session) Clone() *Session {
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Messages = slices.Clone(s.Messages)
	if c.Messages == nil {
		c.Messages = []message.Message{}
	}
	return &c
}

// Patch is a partial update. Metadata keys merge into the record; a non-nil
// Messages replaces the log.
type Patch struct {
	Metadata map[string]any    `json:"metadata,omitempty"`
	Messages []message.Message `json:"messages,omitempty"`
}

// Persister stores one full record per session.
type Persister interface {
	Save(s *Session) error
	Delete(id string) error
	LoadAll() []*Session
}

// Archiver keeps a copy of a record before it is removed.
type Archiver interface {
	Archive(ctx context.Context, s *Session) error
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	removed bool
}

type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	imports  sync.Mutex

	persist    Persister
	archiver   Archiver
	timeout    time.Duration
	now        func() time.Time
	onActivity func(id string, at time.Time)
}

type Option func(*Store)

func WithArchiver(a Archiver) Option {
	return func(s *Store) { s.archiver = a }
}

// WithActivityHook registers fn to be called, outside any store lock,
// whenever a session's last_active moves.
func WithActivityHook(fn func(id string, at time.Time)) Option {
	return func(s *Store) { s.onActivity = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}
