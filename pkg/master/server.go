package master

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
)

type fenceKey struct {
	owner    string
	resource locks.Resource
}

// attempt is the latest acquire seen for one owner and resource. A retry
// carrying the same sequence gets its answer instead of a second grant.
type attempt struct {
	seq  uint64
	done chan struct{}
	resp LockResponse
	err  error
}

func (a *attempt) finish(resp LockResponse, err error) {
	a.resp, a.err = resp, err
	close(a.done)
}

// failed reports whether the attempt ended without an answer.
func (a *attempt) failed() bool {
	select {
	case <-a.done:
		return a.err != nil
	default:
		return false
	}
}

// Server serves slave lock requests for one master epoch.
type Server struct {
	epoch uint64
	table *locks.Manager

	mu       sync.Mutex
	attempts map[fenceKey]*attempt
	closed   bool

	logger   logger.Logger
	observer LockObserver
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockObserver sets the lock request observer.
func WithLockObserver(o LockObserver) ServerOption {
	return func(s *Server) {
		s.observer = o
	}
}

// NewServer creates a master server for epoch over a fresh lock table.
func NewServer(epoch uint64, table *locks.Manager, opts ...ServerOption) *Server {
	s := &Server{
		epoch:    epoch,
		table:    table,
		attempts: make(map[fenceKey]*attempt),
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("epoch", epoch)
	return s
}

// Epoch implements Master.
func (s *Server) Epoch() uint64 {
	return s.epoch
}

// AcquireLock implements Master. A request repeating the sequence of the
// last acquire for the same owner and resource is answered with that
// acquire's outcome, waiting for it if it is still pending.
func (s *Server) AcquireLock(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (LockResponse, error) {
	for {
		a, fresh, resp, ok := s.admit(rc, resource)
		if !ok {
			s.observe(resp.Status.String())
			return resp, nil
		}
		if fresh {
			resp, err := s.acquire(ctx, rc, resource, mode)
			a.finish(resp, err)
			return resp, err
		}

		select {
		case <-a.done:
		case <-ctx.Done():
			return LockResponse{}, ctx.Err()
		}
		if a.err == nil {
			s.logger.Debug("answering repeated lock request", "request", rc.String(), "status", a.resp.Status.String())
			return a.resp, nil
		}
		// the first attempt produced no answer; run this one in its place
	}
}

func (s *Server) acquire(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (LockResponse, error) {
	_, err := s.table.Acquire(ctx, rc.Owner(), resource, mode)
	switch {
	case err == nil:
		s.observe(StatusGranted.String())
		return LockResponse{Status: StatusGranted, Epoch: s.epoch}, nil
	case locks.IsTimeoutError(err):
		s.observe(StatusTimeout.String())
		return LockResponse{Status: StatusTimeout, Epoch: s.epoch, Reason: err.Error()}, nil
	case errors.Is(err, locks.ErrClosed):
		// this epoch is being retired; the slave must re-resolve the master
		s.observe(StatusStaleEpoch.String())
		return LockResponse{Status: StatusStaleEpoch, Epoch: s.epoch, Reason: "master retired"}, nil
	default:
		return LockResponse{}, err
	}
}

// ReleaseLock implements Master.
func (s *Server) ReleaseLock(_ context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (LockResponse, error) {
	if resp, ok := s.fence(rc); !ok {
		return resp, nil
	}
	if !s.table.ReleaseMatching(rc.Owner(), resource, mode) {
		return LockResponse{Status: StatusDenied, Epoch: s.epoch, Reason: "lock not held"}, nil
	}
	return LockResponse{Status: StatusGranted, Epoch: s.epoch}, nil
}

// EndLockSession implements Master.
func (s *Server) EndLockSession(_ context.Context, rc reqctx.RequestContext) (LockResponse, error) {
	if resp, ok := s.fence(rc); !ok {
		return resp, nil
	}
	owner := rc.Owner()
	released := s.table.ReleaseAll(owner)

	s.mu.Lock()
	for key := range s.attempts {
		if key.owner == owner {
			delete(s.attempts, key)
		}
	}
	s.mu.Unlock()

	s.logger.Debug("lock session ended", "owner", owner, "released", released)
	return LockResponse{Status: StatusGranted, Epoch: s.epoch}, nil
}

// fence checks the epoch of rc.
func (s *Server) fence(rc reqctx.RequestContext) (LockResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fenceLocked(rc)
}

func (s *Server) fenceLocked(rc reqctx.RequestContext) (LockResponse, bool) {
	if s.closed || rc.Epoch != s.epoch {
		return LockResponse{Status: StatusStaleEpoch, Epoch: s.epoch}, false
	}
	return LockResponse{}, true
}

// admit fences an acquire by epoch and sequence. fresh is false when rc
// repeats the pending or answered attempt a.
func (s *Server) admit(rc reqctx.RequestContext, resource locks.Resource) (a *attempt, fresh bool, resp LockResponse, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resp, ok := s.fenceLocked(rc); !ok {
		return nil, false, resp, false
	}
	key := fenceKey{owner: rc.Owner(), resource: resource}
	prev := s.attempts[key]
	var last uint64
	if prev != nil {
		last = prev.seq
	}
	switch {
	case prev != nil && rc.Sequence == last && !prev.failed():
		return prev, false, LockResponse{}, true
	case rc.Sequence == 0 || rc.Sequence < last:
		s.logger.Warn("rejecting out of order lock request",
			"owner", key.owner,
			"resource", resource.String(),
			"sequence", rc.Sequence,
			"last", last,
		)
		return nil, false, LockResponse{Status: StatusOutOfOrder, Epoch: s.epoch}, false
	}
	a = &attempt{seq: rc.Sequence, done: make(chan struct{})}
	s.attempts[key] = a
	return a, true, LockResponse{}, true
}

// Table returns the lock table of this epoch.
func (s *Server) Table() *locks.Manager {
	return s.table
}

// LocalLocks returns a lock manager for transactions running on the master
// node itself. It shares the epoch's lock table with slave requests.
func (s *Server) LocalLocks() locks.Locks {
	return &localLocks{server: s, owners: make(map[string]struct{})}
}

// Close implements Master. Pending acquires are answered with a stale epoch.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("master epoch retired")
	return s.table.Close()
}

func (s *Server) observe(result string) {
	if s.observer != nil {
		s.observer.ObserveLockRequest("master", result)
	}
}

const localOwnerPrefix = "local/"

// localLocks is the master node's own view of the epoch lock table.
type localLocks struct {
	server *Server

	mu     sync.Mutex
	owners map[string]struct{}
	closed atomic.Bool
}

func (l *localLocks) Acquire(ctx context.Context, tx string, resource locks.Resource, mode locks.Mode) (locks.Handle, error) {
	if l.closed.Load() {
		return locks.Handle{}, locks.ErrClosed
	}
	owner := localOwnerPrefix + tx
	h, err := l.server.table.Acquire(ctx, owner, resource, mode)
	if err != nil {
		return locks.Handle{}, err
	}
	l.mu.Lock()
	l.owners[owner] = struct{}{}
	l.mu.Unlock()
	h.Tx = tx
	return h, nil
}

func (l *localLocks) Release(ctx context.Context, h locks.Handle) error {
	if l.closed.Load() {
		return locks.ErrClosed
	}
	h.Tx = localOwnerPrefix + h.Tx
	return l.server.table.Release(ctx, h)
}

func (l *localLocks) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	l.mu.Lock()
	owners := l.owners
	l.owners = make(map[string]struct{})
	l.mu.Unlock()
	for owner := range owners {
		l.server.table.ReleaseAll(owner)
	}
	return nil
}
