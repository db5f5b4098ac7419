package session

import (
	"context"
	"errors"
	"maps"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ovenzeze/open-interpreter/internal/apierr"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
)

// NewStore returns an empty session table backed by p. Sessions idle longer
// than timeout are treated as gone; a zero timeout disables expiry.
func NewStore(p Persister, timeout time.Duration, opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		persist:  p,
		timeout:  timeout,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load fills the table from the persister and returns the number of records.
func (s *Store) Load() int {
	records := s.persist.LoadAll()

	s.mu.Lock()
	for _, rec := range records {
		s.sessions[rec.ID] = &entry{s: rec}
	}
	s.mu.Unlock()

	return len(records)
}

func (s *Store) expired(rec *Session, now time.Time) bool {
	return s.timeout > 0 && now.Sub(rec.LastActive.Time) > s.timeout
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) touched(id string, at time.Time) {
	if s.onActivity != nil {
		s.onActivity(id, at)
	}
}

// save writes rec and logs failures. Callers hold the entry lock.
func (s *Store) save(rec *Session, op string) error {
	if err := s.persist.Save(rec); err != nil {
		logger.Error("failed to persist session", "session", rec.ID, "op", op, "error", err)
		return &apierr.PersistenceError{Op: op, Err: err}
	}
	return nil
}

// Create registers a new session and writes it to disk. A write failure
// fails the call and leaves no record behind.
func (s *Store) Create(ctx context.Context, metadata map[string]any) (*Session, error) {
	now := s.now()

	rec := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  message.At(now),
		LastActive: message.At(now),
		Metadata:   maps.Clone(metadata),
		Messages:   []message.Message{},
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}

	if err := s.save(rec, "create"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[rec.ID] = &entry{s: rec}
	s.mu.Unlock()

	logger.Debug("session created", "session", rec.ID)
	s.touched(rec.ID, now)
	return rec.Clone(), nil
}

// mutate runs fn on a live session under its entry lock, refreshes
// last_active and persists the result best-effort.
func (s *Store) mutate(id, op string, fn func(rec *Session) error) (*Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, apierr.NotFound(id)
	}

	now := s.now()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, apierr.NotFound(id)
	}
	if s.expired(e.s, now) {
		e.mu.Unlock()
		return nil, apierr.Expired(id)
	}

	if fn != nil {
		if err := fn(e.s); err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}

	e.s.LastActive = message.At(now)
	perr := s.save(e.s, op)
	out := e.s.Clone()
	e.mu.Unlock()

	s.touched(id, now)
	return out, perr
}

// Get returns a live session and refreshes its last_active. Persisting the
// refresh is best-effort.
func (s *Store) Get(id string) (*Session, error) {
	rec, err := s.mutate(id, "touch", nil)
	var pe *apierr.PersistenceError
	if errors.As(err, &pe) {
		return rec, nil
	}
	return rec, err
}

// Messages returns the message log of a live session.
func (s *Store) Messages(id string) ([]message.Message, error) {
	rec, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return rec.Messages, nil
}

// Update merges metadata keys and replaces the log when p.Messages is set.
func (s *Store) Update(id string, p Patch) (*Session, error) {
	if p.Messages != nil {
		if err := message.ValidateSequence(p.Messages); err != nil {
			return nil, err
		}
	}

	rec, err := s.mutate(id, "update", func(rec *Session) error {
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		maps.Copy(rec.Metadata, p.Metadata)

		if p.Messages != nil {
			now := s.now()
			msgs := make([]message.Message, len(p.Messages))
			for i, m := range p.Messages {
				msgs[i] = m.Normalize(now)
			}
			rec.Messages = msgs
		}
		return nil
	})

	var pe *apierr.PersistenceError
	if errors.As(err, &pe) {
		return rec, nil
	}
	return rec, err
}

// AppendMessage validates msg, assigns an id and creation time when missing,
// and appends it to the log. A disk failure is returned as a
// *apierr.PersistenceError after the in-memory append took effect.
func (s *Store) AppendMessage(id string, msg message.Message) error {
	if msg.Role == "" || msg.Type == "" {
		return apierr.Validation("message missing required fields: role, type, content")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	_, err := s.mutate(id, "append", func(rec *Session) error {
		rec.Messages = append(rec.Messages, msg.Normalize(s.now()))
		return nil
	})
	return err
}

// List returns every live session ordered by creation time. The expiry
// filter runs over a snapshot of the table.
func (s *Store) List() []*Session {
	s.mu.RLock()
	snapshot := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		snapshot = append(snapshot, e)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make([]*Session, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if !e.removed && !s.expired(e.s, now) {
			out = append(out, e.s.Clone())
		}
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt.Time) })
	return out
}

// ExpiredIDs returns the ids of sessions idle longer than the timeout.
func (s *Store) ExpiredIDs(now time.Time) []string {
	s.mu.RLock()
	snapshot := make(map[string]*entry, len(s.sessions))
	maps.Copy(snapshot, s.sessions)
	s.mu.RUnlock()

	var ids []string
	for id, e := range snapshot {
		e.mu.Lock()
		if !e.removed && s.expired(e.s, now) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}

	sort.Strings(ids)
	return ids
}

// Exists reports whether id is in the table, expired or not.
func (s *Store) Exists(id string) bool {
	_, ok := s.lookup(id)
	return ok
}

// Len returns the number of records in the table, expired included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Remove deletes the in-memory and on-disk record, archiving it first when
// an archiver is configured. Removing an unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		if err := s.persist.Delete(id); err != nil && !errors.Is(err, ErrInvalidID) {
			return &apierr.PersistenceError{Op: "remove", Err: err}
		}
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil
	}
	e.removed = true

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, e.s); err != nil {
			logger.Warn("failed to archive session", "session", id, "error", err)
		}
	}

	if err := s.persist.Delete(id); err != nil {
		logger.Error("failed to delete session file", "session", id, "error", err)
		return &apierr.PersistenceError{Op: "remove", Err: err}
	}

	logger.Debug("session removed", "session", id)
	return nil
}

// Import inserts or replaces a record, e.g. one restored from the archive.
// Its last_active is refreshed so it does not expire on the next sweep.
func (s *Store) Import(rec *Session) (*Session, error) {
	if rec == nil || rec.ID == "" {
		return nil, apierr.Validation("session record requires session_id")
	}
	if err := message.ValidateSequence(rec.Messages); err != nil {
		return nil, err
	}

	now := s.now()
	c := rec.Clone()
	c.LastActive = message.At(now)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = message.At(now)
	}
	for i := range c.Messages {
		c.Messages[i] = c.Messages[i].Normalize(now)
	}

	s.imports.Lock()
	defer s.imports.Unlock()

	// An in-flight mutation of the record being replaced finishes before
	// the import is written, and later ones see it removed.
	prev, ok := s.lookup(c.ID)
	if ok {
		prev.mu.Lock()
		defer prev.mu.Unlock()
	}

	if err := s.save(c, "import"); err != nil {
		return nil, err
	}
	if ok {
		prev.removed = true
	}

	s.mu.Lock()
	s.sessions[c.ID] = &entry{s: c}
	s.mu.Unlock()

	s.touched(c.ID, now)
	return c.Clone(), nil
}
