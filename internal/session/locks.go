package session

import (
	"context"
	"sync"
	"time"
)

// LockTable holds one turn lock per session id. Locks are created on first
// acquisition and only serialize turns; reads never take them.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*turnLock
}

type turnLock struct {
	sem  chan struct{}
	gone chan struct{}
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*turnLock)}
}

func (t *LockTable) getOrCreate(id string) *turnLock {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[id]
	if !ok {
		l = &turnLock{
			sem:  make(chan struct{}, 1),
			gone: make(chan struct{}),
		}
		t.locks[id] = l
	}
	return l
}

func (t *LockTable) current(id string) *turnLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks[id]
}

// Acquire waits up to timeout for the lock of id. It returns false on
// timeout, on ctx cancellation, or when the lock is deleted while waiting.
func (t *LockTable) Acquire(ctx context.Context, id string, timeout time.Duration) bool {
	l := t.getOrCreate(id)

	select {
	case l.sem <- struct{}{}:
		return t.confirm(id, l)
	default:
	}

	if timeout <= 0 {
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case l.sem <- struct{}{}:
		return t.confirm(id, l)
	case <-l.gone:
		return false
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// confirm backs out of a lock that was deleted between lookup and acquire.
func (t *LockTable) confirm(id string, l *turnLock) bool {
	if t.current(id) != l {
		<-l.sem
		return false
	}
	return true
}

// Release frees the lock of id. Releasing an unheld or unknown lock is a
// no-op.
func (t *LockTable) Release(id string) {
	l := t.current(id)
	if l == nil {
		return
	}

	select {
	case <-l.sem:
	default:
	}
}

// Held reports whether a turn currently holds the lock of id.
func (t *LockTable) Held(id string) bool {
	l := t.current(id)
	return l != nil && len(l.sem) == 1
}

// Delete drops the lock of id unless a turn holds it. Waiters on a deleted
// lock fail their acquisition. Deleting an unknown id succeeds.
func (t *LockTable) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[id]
	if !ok {
		return true
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return false
	}

	delete(t.locks, id)
	close(l.gone)
	return true
}

func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
