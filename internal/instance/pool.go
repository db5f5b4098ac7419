// Package instance keeps a bounded set of live execution instances, one per
// session, and disposes of the least recently used when the bound is hit.
package instance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/ovenzeze/open-interpreter/internal/engine"
	"github.com/ovenzeze/open-interpreter/internal/logger"
	"github.com/ovenzeze/open-interpreter/internal/message"
)

var ErrClosed = errors.New("instance pool closed")

// Instance is a live execution engine bound to one session.
type Instance interface {
	Load(history []message.Message)
	Run(ctx context.Context, turn engine.Turn) (<-chan message.Chunk, <-chan error)
	Model() string
	Close() error
}

// Factory constructs the instance for a session. It may be slow and runs
// outside the pool lock.
type Factory func(ctx context.Context, sessionID string) (Instance, error)

type Status struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type slot struct {
	inst     Instance
	lastUsed time.Time
}

type Pool struct {
	mu     sync.Mutex
	slots  map[string]*slot
	closed bool

	max     int
	factory Factory
	now     func() time.Time

	admit     singleflight.Group
	disposals conc.WaitGroup
	active    atomic.Int64
}

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(factory Factory, max int, opts ...Option) *Pool {
	if max < 1 {
		max = 1
	}

	p := &Pool{
		slots:   make(map[string]*slot),
		max:     max,
		factory: factory,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the instance of id, constructing it on first use, and loads
// history into it. Concurrent first uses of the same id share one
// construction. Admitting a new instance at capacity evicts the least
// recently used other instance.
func (p *Pool) Get(ctx context.Context, id string, history []message.Message) (Instance, error) {
	inst, ok := p.lookup(id)
	if !ok {
		v, err, _ := p.admit.Do(id, func() (any, error) {
			if inst, ok := p.lookup(id); ok {
				return inst, nil
			}
			return p.construct(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		inst = v.(Instance)
	}

	inst.Load(history)
	return inst, nil
}

func (p *Pool) lookup(id string) (Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.slots[id]
	if !ok {
		return nil, false
	}
	s.lastUsed = p.now()
	return s.inst, true
}

// construct builds the instance for every caller waiting on id, so one
// caller going away does not fail the others.
func (p *Pool) construct(ctx context.Context, id string) (Instance, error) {
	inst, err := p.factory(context.WithoutCancel(ctx), id)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if err := inst.Close(); err != nil {
			logger.Warn("failed to dispose instance", "session", id, "error", err)
		}
		return nil, ErrClosed
	}

	for len(p.slots) >= p.max {
		victim, ok := p.oldest(id)
		if !ok {
			break
		}
		logger.Info("evicting least recently used instance", "session", victim, "admitting", id)
		p.remove(victim)
	}

	p.slots[id] = &slot{inst: inst, lastUsed: p.now()}
	p.active.Store(int64(len(p.slots)))

	logger.Debug("instance created", "session", id, "active", len(p.slots), "max", p.max)
	return inst, nil
}

// oldest returns the least recently used id other than skip. Callers hold
// the lock.
func (p *Pool) oldest(skip string) (string, bool) {
	var (
		victim string
		at     time.Time
		found  bool
	)

	for id, s := range p.slots {
		if id == skip {
			continue
		}
		if !found || s.lastUsed.Before(at) {
			victim, at, found = id, s.lastUsed, true
		}
	}
	return victim, found
}

// remove drops id and disposes of its instance in the background. Callers
// hold the lock.
func (p *Pool) remove(id string) bool {
	s, ok := p.slots[id]
	if !ok {
		return false
	}

	delete(p.slots, id)
	p.active.Store(int64(len(p.slots)))
	p.dispose(id, s.inst)
	return true
}

func (p *Pool) dispose(id string, inst Instance) {
	p.disposals.Go(func() {
		if err := inst.Close(); err != nil {
			logger.Warn("failed to dispose instance", "session", id, "error", err)
			return
		}
		logger.Debug("instance disposed", "session", id)
	})
}

// Evict removes the instance of id, if any. Disposal happens in the
// background.
func (p *Pool) Evict(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remove(id)
}

// Touch records use of id at the given time.
func (p *Pool) Touch(id string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.slots[id]; ok && at.After(s.lastUsed) {
		s.lastUsed = at
	}
}

// IdleIDs returns the ids of instances last used before cutoff.
func (p *Pool) IdleIDs(cutoff time.Time) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, s := range p.slots {
		if s.lastUsed.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *Pool) Has(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[id]
	return ok
}

// Status reads the counters without taking the pool lock.
func (p *Pool) Status() Status {
	return Status{Active: int(p.active.Load()), Max: p.max}
}

// Close evicts every instance and waits for all disposals to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for id := range p.slots {
		p.remove(id)
	}
	p.mu.Unlock()

	p.disposals.Wait()
}
