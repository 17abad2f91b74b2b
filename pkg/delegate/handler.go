// Package delegate provides a forwarding indirection whose bound target can be
// replaced atomically while callers keep a stable reference to the handler.
package delegate

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrUnbound is returned when no target has been bound yet, or the last
// target was unbound at shutdown.
var ErrUnbound = errors.New("delegate: no target bound")

type box[T any] struct {
	target T
}

// Handler holds the current implementation of capability T.
//
// Calls forwarded through Call hold a read fence for their whole duration;
// Replace and Unbind take the write fence, so a retiring target is never
// observed by a forwarded call after its shutdown started. Cement returns an
// unfenced snapshot for multi-step exchanges.
type Handler[T any] struct {
	name    string
	fence   sync.RWMutex
	current atomic.Pointer[box[T]]
}

// New creates an unbound handler. The name is used in logs and errors only.
func New[T any](name string) *Handler[T] {
	return &Handler[T]{name: name}
}

// Name returns the handler name.
func (h *Handler[T]) Name() string {
	return h.name
}

// SetTarget binds target, waiting for in-flight forwarded calls to finish.
func (h *Handler[T]) SetTarget(target T) {
	h.fence.Lock()
	h.current.Store(&box[T]{target: target})
	h.fence.Unlock()
}

// Replace retires the currently bound target and binds next. retire runs
// under the write fence with the previous target (bound reports whether
// there was one) before next becomes visible. The returned error is the one
// returned by retire; next is bound regardless.
func (h *Handler[T]) Replace(next T, retire func(prev T, bound bool) error) error {
	h.fence.Lock()
	defer h.fence.Unlock()

	var err error
	if retire != nil {
		prev, bound := h.load()
		err = retire(prev, bound)
	}
	h.current.Store(&box[T]{target: next})
	return err
}

// Unbind retires the current target and leaves the handler unbound.
func (h *Handler[T]) Unbind(retire func(prev T, bound bool) error) error {
	h.fence.Lock()
	defer h.fence.Unlock()

	var err error
	if retire != nil {
		prev, bound := h.load()
		err = retire(prev, bound)
	}
	h.current.Store(nil)
	return err
}

// Cement returns the target bound at the moment of the call. The snapshot
// stays valid for the caller even if the handler is re-bound afterwards.
func (h *Handler[T]) Cement() (T, error) {
	target, ok := h.load()
	if !ok {
		return target, ErrUnbound
	}
	return target, nil
}

// Bound reports whether a target is currently bound.
func (h *Handler[T]) Bound() bool {
	_, ok := h.load()
	return ok
}

// Call forwards fn to the current target. The target cannot be retired
// while fn runs.
func (h *Handler[T]) Call(fn func(T) error) error {
	h.fence.RLock()
	defer h.fence.RUnlock()

	target, ok := h.load()
	if !ok {
		return ErrUnbound
	}
	return fn(target)
}

func (h *Handler[T]) load() (T, bool) {
	b := h.current.Load()
	if b == nil {
		var zero T
		return zero, false
	}
	return b.target, true
}

// Invoke forwards a value-returning call to the current target of h.
func Invoke[T, R any](h *Handler[T], fn func(T) (R, error)) (R, error) {
	var out R
	err := h.Call(func(target T) error {
		var err error
		out, err = fn(target)
		return err
	})
	return out, err
}
