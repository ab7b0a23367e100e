package lock

import (
	"context"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Manager is a mutual-exclusion lock that may be re-entered by the logical
// operation that holds it. Ownership travels in a context.Context: the
// context returned by Acquire carries the hold, and passing it (or a context
// derived from it) to Acquire again re-enters the lock instead of blocking.
type Manager struct {
	name string
	mu   sync.Mutex
}

// Lock represents an acquired (or re-entered) lock
type Lock struct {
	manager  *Manager
	hold     *hold
	nested   bool
	released atomic.Bool
}

// hold is the ownership token stored in the context of the owner.
type hold struct {
	active atomic.Bool
}

type holdKey struct {
	m *Manager
}

// NewManager creates a new lock manager. name is only used for logging.
func NewManager(name string) *Manager {
	return &Manager{name: name}
}

// Acquire blocks until the lock is held by ctx's operation chain. If ctx
// already holds it, Acquire returns immediately with a nested Lock whose
// Release does not unlock.
func (m *Manager) Acquire(ctx context.Context) (context.Context, *Lock) {
	if h := m.holdFrom(ctx); h != nil {
		return ctx, &Lock{manager: m, hold: h, nested: true}
	}

	m.mu.Lock()
	h := &hold{}
	h.active.Store(true)
	klog.V(5).Infof("Acquired lock %s", m.name)
	return context.WithValue(ctx, holdKey{m}, h), &Lock{manager: m, hold: h}
}

// Held reports whether ctx currently owns the lock.
func (m *Manager) Held(ctx context.Context) bool {
	return m.holdFrom(ctx) != nil
}

func (m *Manager) holdFrom(ctx context.Context) *hold {
	if ctx == nil {
		return nil
	}
	h, ok := ctx.Value(holdKey{m}).(*hold)
	if !ok || !h.active.Load() {
		return nil
	}
	return h
}

// Release releases the lock. Releasing a nested Lock is a no-op; only the
// outermost Lock unlocks. Release is idempotent.
func (l *Lock) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	if l.nested {
		return
	}
	// A context that escaped the critical section must not re-enter a lock
	// it no longer owns.
	l.hold.active.Store(false)
	l.manager.mu.Unlock()
	klog.V(5).Infof("Released lock %s", l.manager.name)
}
