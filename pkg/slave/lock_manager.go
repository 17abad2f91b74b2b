// Package slave implements the lock manager used while the node is a slave:
// every lock is first granted by the master and then mirrored locally.
package slave

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphkeep/graphkeep/pkg/availability"
	"github.com/graphkeep/graphkeep/pkg/delegate"
	"github.com/graphkeep/graphkeep/pkg/ha"
	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/logger"
	"github.com/graphkeep/graphkeep/pkg/master"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
)

// Config bounds the slave lock manager.
type Config struct {
	// MaxRetries is the number of re-attempts after a fencing rejection or a
	// transport failure.
	MaxRetries int
	// AvailabilityTimeout is how long an operation waits for the guard.
	AvailabilityTimeout time.Duration
	// RetryInterval paces re-attempts against the master.
	RetryInterval time.Duration
}

// DefaultConfig returns the default slave lock configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:          3,
		AvailabilityTimeout: 5 * time.Second,
		RetryInterval:       50 * time.Millisecond,
	}
}

// Observer receives slave lock outcomes.
type Observer interface {
	master.LockObserver
	IncFencingRetries()
	SetShadowLocks(count int)
}

// ShadowLock is a lock granted by the master and mirrored locally.
type ShadowLock struct {
	Handle locks.Handle `json:"handle"`
	Epoch  uint64       `json:"epoch"`
}

// LockManager acquires locks from the master before taking them locally.
type LockManager struct {
	local    locks.Locks
	masters  *delegate.Handler[master.Master]
	contexts *reqctx.Factory
	guard    *availability.Guard
	cfg      Config
	limiter  *rate.Limiter

	mu     sync.Mutex
	shadow map[uint64]ShadowLock
	closed bool

	logger   logger.Logger
	observer Observer
}

// Option configures a LockManager.
type Option func(*LockManager)

// WithLogger sets the lock manager logger.
func WithLogger(l logger.Logger) Option {
	return func(m *LockManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(m *LockManager) {
		m.observer = o
	}
}

// NewLockManager wraps local, a fresh lock manager, so that every lock is
// granted by the master bound in masters.
func NewLockManager(local locks.Locks, masters *delegate.Handler[master.Master], contexts *reqctx.Factory, guard *availability.Guard, cfg Config, opts ...Option) *LockManager {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AvailabilityTimeout <= 0 {
		cfg.AvailabilityTimeout = def.AvailabilityTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}

	m := &LockManager{
		local:    local,
		masters:  masters,
		contexts: contexts,
		guard:    guard,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(cfg.RetryInterval), 1),
		shadow:   make(map[uint64]ShadowLock),
		logger:   logger.Global(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "slave_locks", "session", contexts.Session())
	return m
}

// unanswered is an acquire sent to a master whose reply never arrived. The
// master answers a repeat of the same request context without granting
// twice, so it is resent rather than restamped.
type unanswered struct {
	master master.Master
	rc     reqctx.RequestContext
}

// Acquire implements locks.Locks.
func (m *LockManager) Acquire(ctx context.Context, tx string, resource locks.Resource, mode locks.Mode) (locks.Handle, error) {
	if m.isClosed() {
		return locks.Handle{}, locks.ErrClosed
	}
	op := "acquire " + resource.String()
	start := time.Now()

	var (
		lastErr error
		lost    *unanswered
	)
	defer func() {
		if lost != nil {
			m.settle(lost, resource, mode)
		}
	}()

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if m.observer != nil {
				m.observer.IncFencingRetries()
			}
			if err := m.limiter.Wait(ctx); err != nil {
				return locks.Handle{}, err
			}
		}
		if !m.guard.AwaitAvailable(m.cfg.AvailabilityTimeout) {
			return locks.Handle{}, m.unavailable(op, lastErr)
		}
		current, err := m.masters.Cement()
		if err != nil {
			return locks.Handle{}, m.unavailable(op, err)
		}
		epoch := current.Epoch()
		var rc reqctx.RequestContext
		if lost != nil && lost.rc.Epoch == epoch {
			rc = lost.rc
		} else {
			// a retired epoch released its grants when it closed
			lost = nil
			rc = m.contexts.Next(tx, resource.String(), epoch)
		}

		resp, err := current.AcquireLock(ctx, rc, resource, mode)
		if err != nil {
			lost = &unanswered{master: current, rc: rc}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return locks.Handle{}, ctxErr
			}
			if !m.guard.IsAvailable() {
				return locks.Handle{}, m.unavailable(op, err)
			}
			m.logger.WarnContext(ctx, "lock request to master failed",
				"tx", tx, "resource", resource.String(), "attempt", attempt, "error", err)
			lastErr = err
			continue
		}
		lost = nil

		switch resp.Status {
		case master.StatusGranted:
			if resp.Epoch != epoch {
				// granted by a master other than the one we stamped for
				m.releaseOnMaster(ctx, current, tx, resource, mode, epoch)
				lastErr = &ha.FencingError{Resource: resource.String(), Presented: epoch, Current: resp.Epoch, Reason: "grant from another epoch"}
				continue
			}
			h, err := m.local.Acquire(ctx, tx, resource, mode)
			if err != nil {
				m.releaseOnMaster(ctx, current, tx, resource, mode, epoch)
				return locks.Handle{}, fmt.Errorf("mirror %s lock on %s: %w", mode, resource, err)
			}
			if err := m.track(ShadowLock{Handle: h, Epoch: epoch}); err != nil {
				_ = m.local.Release(ctx, h)
				m.releaseOnMaster(ctx, current, tx, resource, mode, epoch)
				return locks.Handle{}, err
			}
			m.observe(master.StatusGranted.String())
			return h, nil
		case master.StatusStaleEpoch, master.StatusOutOfOrder:
			reason := "stale epoch"
			if resp.Status == master.StatusOutOfOrder {
				reason = "out of order"
			}
			m.observe(resp.Status.String())
			m.logger.DebugContext(ctx, "lock request fenced",
				"tx", tx, "resource", resource.String(), "epoch", epoch, "master_epoch", resp.Epoch, "reason", reason)
			lastErr = &ha.FencingError{Resource: resource.String(), Presented: epoch, Current: resp.Epoch, Reason: reason}
			continue
		case master.StatusDenied:
			m.observe(resp.Status.String())
			return locks.Handle{}, &locks.DeniedError{Resource: resource, Mode: mode, Reason: resp.Reason}
		case master.StatusTimeout:
			m.observe(resp.Status.String())
			return locks.Handle{}, &locks.TimeoutError{Resource: resource, Mode: mode, Waited: time.Since(start)}
		default:
			return locks.Handle{}, fmt.Errorf("master answered %s lock on %s with unknown status %d", mode, resource, resp.Status)
		}
	}

	m.logger.WarnContext(ctx, "lock retries exhausted",
		"tx", tx, "resource", resource.String(), "retries", m.cfg.MaxRetries, "error", lastErr)
	return locks.Handle{}, m.unavailable(op, lastErr)
}

// Release implements locks.Locks. The shadow entry and the local mirror are
// dropped before the master is told, so a failed release RPC never leaves a
// lock recorded as held.
func (m *LockManager) Release(ctx context.Context, handle locks.Handle) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return locks.ErrClosed
	}
	entry, ok := m.shadow[handle.ID]
	if !ok {
		m.mu.Unlock()
		return locks.ErrUnknownHandle
	}
	delete(m.shadow, handle.ID)
	count := len(m.shadow)
	m.mu.Unlock()
	m.setShadow(count)

	if err := m.local.Release(ctx, entry.Handle); err != nil && !errors.Is(err, locks.ErrUnknownHandle) {
		m.logger.WarnContext(ctx, "local mirror release failed", "handle", entry.Handle.ID, "error", err)
	}

	op := "release " + entry.Handle.Resource.String()
	current, err := m.masters.Cement()
	if err != nil {
		return m.unavailable(op, err)
	}
	rc := m.contexts.Next(entry.Handle.Tx, entry.Handle.Resource.String(), entry.Epoch)
	resp, err := current.ReleaseLock(ctx, rc, entry.Handle.Resource, entry.Handle.Mode)
	if err != nil {
		m.logger.WarnContext(ctx, "master release failed",
			"tx", entry.Handle.Tx, "resource", entry.Handle.Resource.String(), "error", err)
		return m.unavailable(op, err)
	}
	if resp.Status == master.StatusStaleEpoch {
		// the epoch that granted it is gone and took the lock with it
		m.logger.DebugContext(ctx, "released lock of a retired epoch",
			"tx", entry.Handle.Tx, "resource", entry.Handle.Resource.String(), "epoch", entry.Epoch)
	}
	return nil
}

// EndTx releases every lock tx holds, on the master and locally.
func (m *LockManager) EndTx(ctx context.Context, tx string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return locks.ErrClosed
	}
	var held []ShadowLock
	for id, entry := range m.shadow {
		if entry.Handle.Tx == tx {
			held = append(held, entry)
			delete(m.shadow, id)
		}
	}
	count := len(m.shadow)
	m.mu.Unlock()
	m.setShadow(count)

	for _, entry := range held {
		_ = m.local.Release(ctx, entry.Handle)
	}
	if err := m.endSessions(ctx, []string{tx}, held); err != nil {
		// the master may still fence on these counters
		return err
	}
	m.contexts.Forget(tx)
	return nil
}

// Held returns a snapshot of the shadow locks ordered by handle id.
func (m *LockManager) Held() []ShadowLock {
	m.mu.Lock()
	out := make([]ShadowLock, 0, len(m.shadow))
	for _, entry := range m.shadow {
		out = append(out, entry)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

// Close ends the lock session of every transaction with shadow locks, then
// closes the local manager. Master failures are logged, not returned.
func (m *LockManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	held := make([]ShadowLock, 0, len(m.shadow))
	txs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, entry := range m.shadow {
		held = append(held, entry)
		if _, ok := seen[entry.Handle.Tx]; !ok {
			seen[entry.Handle.Tx] = struct{}{}
			txs = append(txs, entry.Handle.Tx)
		}
	}
	m.shadow = make(map[uint64]ShadowLock)
	m.mu.Unlock()
	m.setShadow(0)

	sort.Strings(txs)
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AvailabilityTimeout)
	defer cancel()
	if err := m.endSessions(ctx, txs, held); err != nil {
		m.logger.Warn("ending lock sessions on close failed", "error", err)
	}
	return m.local.Close()
}

func (m *LockManager) endSessions(ctx context.Context, txs []string, held []ShadowLock) error {
	if len(txs) == 0 {
		return nil
	}
	current, err := m.masters.Cement()
	if err != nil {
		return m.unavailable("end lock session", err)
	}
	epochs := make(map[string]uint64, len(held))
	for _, entry := range held {
		epochs[entry.Handle.Tx] = entry.Epoch
	}

	var errs []error
	for _, tx := range txs {
		epoch, ok := epochs[tx]
		if !ok {
			epoch = current.Epoch()
		}
		if _, err := current.EndLockSession(ctx, m.contexts.ForTx(tx, epoch)); err != nil {
			errs = append(errs, fmt.Errorf("end lock session of %s: %w", tx, err))
		}
	}
	return errors.Join(errs...)
}

func (m *LockManager) releaseOnMaster(ctx context.Context, current master.Master, tx string, resource locks.Resource, mode locks.Mode, epoch uint64) {
	rc := m.contexts.Next(tx, resource.String(), epoch)
	if _, err := current.ReleaseLock(ctx, rc, resource, mode); err != nil {
		m.logger.WarnContext(ctx, "best effort release on master failed",
			"tx", tx, "resource", resource.String(), "error", err)
	}
}

// settle resolves an acquire whose reply was lost: the repeat is answered
// from the master's record, and a grant is handed back.
func (m *LockManager) settle(req *unanswered, resource locks.Resource, mode locks.Mode) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AvailabilityTimeout)
	defer cancel()
	resp, err := req.master.AcquireLock(ctx, req.rc, resource, mode)
	if err != nil {
		m.logger.Warn("unanswered lock request left to the session end",
			"tx", req.rc.Tx, "resource", resource.String(), "error", err)
		return
	}
	if resp.Status == master.StatusGranted && resp.Epoch == req.rc.Epoch {
		m.releaseOnMaster(ctx, req.master, req.rc.Tx, resource, mode, req.rc.Epoch)
	}
}

// track records a granted lock unless the manager closed meanwhile.
func (m *LockManager) track(entry ShadowLock) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return locks.ErrClosed
	}
	m.shadow[entry.Handle.ID] = entry
	count := len(m.shadow)
	m.mu.Unlock()
	m.setShadow(count)
	return nil
}

func (m *LockManager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *LockManager) unavailable(op string, cause error) error {
	return &ha.UnavailableError{Operation: op, Reasons: m.guard.Requirements(), Cause: cause}
}

func (m *LockManager) observe(result string) {
	if m.observer != nil {
		m.observer.ObserveLockRequest("slave", result)
	}
}

func (m *LockManager) setShadow(count int) {
	if m.observer != nil {
		m.observer.SetShadowLocks(count)
	}
}
