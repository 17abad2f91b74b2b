package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type entry struct {
	exclusive      string
	exclusiveCount int
	shared         map[string]int
	// changed is closed and replaced whenever holders change.
	changed chan struct{}
}

func newEntry() *entry {
	return &entry{
		shared:  make(map[string]int),
		changed: make(chan struct{}),
	}
}

func (e *entry) grantable(tx string, mode Mode) bool {
	if e.exclusive != "" && e.exclusive != tx {
		return false
	}
	if mode == ModeShared {
		return true
	}
	for holder := range e.shared {
		if holder != tx {
			return false
		}
	}
	return true
}

func (e *entry) empty() bool {
	return e.exclusive == "" && len(e.shared) == 0
}

func (e *entry) wake() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// Manager is an in-memory lock table. Locks are re-entrant per transaction;
// shared locks are compatible with each other, exclusive locks with nothing
// held by another transaction.
type Manager struct {
	mu       sync.Mutex
	entries  map[Resource]*entry
	handles  map[uint64]Handle
	nextID   uint64
	closed   bool
	closedCh chan struct{}

	acquireTimeout time.Duration
}

// NewManager creates an empty lock table. acquireTimeout bounds Acquire when
// the caller's context has no deadline; zero means wait for the context only.
func NewManager(acquireTimeout time.Duration) *Manager {
	return &Manager{
		entries:        make(map[Resource]*entry),
		handles:        make(map[uint64]Handle),
		closedCh:       make(chan struct{}),
		acquireTimeout: acquireTimeout,
	}
}

// NewFactory returns a Factory creating managers with the given timeout.
func NewFactory(acquireTimeout time.Duration) Factory {
	return func() Locks {
		return NewManager(acquireTimeout)
	}
}

// Acquire implements Locks.
func (m *Manager) Acquire(ctx context.Context, tx string, resource Resource, mode Mode) (Handle, error) {
	if _, ok := ctx.Deadline(); !ok && m.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.acquireTimeout)
		defer cancel()
	}
	start := time.Now()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Handle{}, ErrClosed
		}
		e, ok := m.entries[resource]
		if !ok {
			e = newEntry()
			m.entries[resource] = e
		}
		if e.grantable(tx, mode) {
			h := m.grant(e, tx, resource, mode)
			m.mu.Unlock()
			return h, nil
		}
		changed := e.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-m.closedCh:
			return Handle{}, ErrClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Handle{}, &TimeoutError{Resource: resource, Mode: mode, Waited: time.Since(start)}
			}
			return Handle{}, ctx.Err()
		}
	}
}

// TryAcquire grants the lock only if it is immediately available.
func (m *Manager) TryAcquire(tx string, resource Resource, mode Mode) (Handle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Handle{}, false, ErrClosed
	}
	e, ok := m.entries[resource]
	if !ok {
		e = newEntry()
		m.entries[resource] = e
	}
	if !e.grantable(tx, mode) {
		if e.empty() {
			delete(m.entries, resource)
		}
		return Handle{}, false, nil
	}
	return m.grant(e, tx, resource, mode), true, nil
}

func (m *Manager) grant(e *entry, tx string, resource Resource, mode Mode) Handle {
	if mode == ModeExclusive {
		e.exclusive = tx
		e.exclusiveCount++
	} else {
		e.shared[tx]++
	}
	m.nextID++
	h := Handle{ID: m.nextID, Tx: tx, Resource: resource, Mode: mode}
	m.handles[h.ID] = h
	return h
}

// Release implements Locks.
func (m *Manager) Release(_ context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	h, ok := m.handles[handle.ID]
	if !ok || h.Tx != handle.Tx || h.Resource != handle.Resource || h.Mode != handle.Mode {
		return ErrUnknownHandle
	}
	m.releaseLocked(h)
	return nil
}

// ReleaseAll releases every lock held by tx and returns how many were held.
func (m *Manager) ReleaseAll(tx string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	released := 0
	for _, h := range m.handles {
		if h.Tx == tx {
			m.releaseLocked(h)
			released++
		}
	}
	return released
}

// ReleaseMatching releases one lock of tx on resource in mode, if any.
func (m *Manager) ReleaseMatching(tx string, resource Resource, mode Mode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	for _, h := range m.handles {
		if h.Tx == tx && h.Resource == resource && h.Mode == mode {
			m.releaseLocked(h)
			return true
		}
	}
	return false
}

func (m *Manager) releaseLocked(h Handle) {
	delete(m.handles, h.ID)
	e, ok := m.entries[h.Resource]
	if !ok {
		return
	}
	if h.Mode == ModeExclusive {
		e.exclusiveCount--
		if e.exclusiveCount <= 0 {
			e.exclusive = ""
			e.exclusiveCount = 0
		}
	} else {
		e.shared[h.Tx]--
		if e.shared[h.Tx] <= 0 {
			delete(e.shared, h.Tx)
		}
	}
	if e.empty() {
		delete(m.entries, h.Resource)
	}
	e.wake()
}

// Held returns the currently granted handles ordered by id.
func (m *Manager) Held() []Handle {
	m.mu.Lock()
	out := make([]Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close implements Locks. Waiting acquirers fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closedCh)
	for _, e := range m.entries {
		e.wake()
	}
	m.entries = make(map[Resource]*entry)
	m.handles = make(map[uint64]Handle)
	return nil
}
