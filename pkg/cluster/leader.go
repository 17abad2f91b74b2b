package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// LeaderElectorConfig times the leader lease.
type LeaderElectorConfig struct {
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	// AcquireRetry paces attempts while another node holds the lease.
	AcquireRetry time.Duration
}

// DefaultLeaderElectorConfig returns the default leader lease timings.
func DefaultLeaderElectorConfig() LeaderElectorConfig {
	return LeaderElectorConfig{
		LeaseTTL:      8 * time.Second,
		RenewInterval: 2 * time.Second,
		AcquireRetry:  500 * time.Millisecond,
	}
}

func (c LeaderElectorConfig) validate() error {
	if c.LeaseTTL <= 0 || c.RenewInterval <= 0 || c.AcquireRetry <= 0 {
		return errors.New("cluster: leader timings must be > 0")
	}
	if c.RenewInterval >= c.LeaseTTL {
		return fmt.Errorf("cluster: renew interval %s must be shorter than the lease ttl %s", c.RenewInterval, c.LeaseTTL)
	}
	return nil
}

// LeadershipState is this node's view of its own leadership.
type LeadershipState struct {
	IsLeader bool
	Lease    LeaderLease
	At       time.Time
	Reason   string
}

// LeaderElector competes for the leader lease and renews it while held.
// A renewal that fails, for any reason, ends leadership at once: the node
// cannot tell a lost lease from a slow coordinator and must not keep
// acting as master on a lease that may have passed to another node.
type LeaderElector struct {
	coord  Coordinator
	nodeID string
	cfg    LeaderElectorConfig
	log    logger.Logger

	loop   loop
	mu     sync.RWMutex
	state  LeadershipState
	events broadcaster[LeadershipState]
}

// ElectorOption configures a LeaderElector.
type ElectorOption func(*LeaderElector)

// WithElectorLogger sets the logger.
func WithElectorLogger(l logger.Logger) ElectorOption {
	return func(e *LeaderElector) {
		if l != nil {
			e.log = l
		}
	}
}

// NewLeaderElector creates an elector for nodeID.
func NewLeaderElector(coord Coordinator, nodeID string, cfg LeaderElectorConfig, opts ...ElectorOption) (*LeaderElector, error) {
	switch {
	case coord == nil:
		return nil, errors.New("cluster: coordination cannot be nil")
	case nodeID == "":
		return nil, errEmptyNodeID
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	e := &LeaderElector{
		coord:  coord,
		nodeID: nodeID,
		cfg:    cfg,
		log:    logger.Global(),
		state:  LeadershipState{At: time.Now().UTC(), Reason: "init"},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "elector")
	return e, nil
}

// Start runs the election in the background until Stop. Starting a
// running elector does nothing.
func (e *LeaderElector) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.loop.start(e.run)
	return nil
}

func (e *LeaderElector) run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(e.step(ctx))
	}
}

// step makes one acquire or renew attempt and returns the delay until the
// next one.
func (e *LeaderElector) step(ctx context.Context) time.Duration {
	cur := e.State()
	if cur.IsLeader {
		return e.renew(ctx, cur.Lease)
	}
	lease, err := e.coord.AcquireLeaderLease(ctx, e.nodeID, e.cfg.LeaseTTL)
	switch {
	case err == nil:
		e.log.Info("leader lease acquired", "lease", lease.LeaseID)
		e.set(true, lease, "acquired")
		return e.cfg.RenewInterval
	case !errors.Is(err, ErrLeaderLeaseHeld) && ctx.Err() == nil:
		e.log.Debug("leader lease not acquired", "error", err)
	}
	return e.cfg.AcquireRetry
}

func (e *LeaderElector) renew(ctx context.Context, held LeaderLease) time.Duration {
	lease, err := e.coord.RenewLeaderLease(ctx, held.LeaseID, e.cfg.LeaseTTL)
	if err == nil {
		e.set(true, lease, "renewed")
		return e.cfg.RenewInterval
	}
	if ctx.Err() != nil {
		return 0
	}
	e.log.Warn("leader lease lost", "lease", held.LeaseID, "error", err)
	e.set(false, LeaderLease{}, "renew_failed")
	return e.cfg.AcquireRetry
}

// Stop ends the election and gives up the lease if held. Subscribers see
// the node lose leadership before Stop returns.
func (e *LeaderElector) Stop(ctx context.Context) error {
	if !e.loop.stop() {
		return nil
	}
	var err error
	if cur := e.State(); cur.IsLeader {
		err = e.coord.ReleaseLeaderLease(ctx, cur.Lease.LeaseID)
		e.log.Info("leader lease released", "lease", cur.Lease.LeaseID, "error", err)
	}
	e.set(false, LeaderLease{}, "stopped")
	return err
}

// Subscribe streams leadership changes, starting with the current state,
// until ctx is done. A subscriber that falls far behind misses changes.
func (e *LeaderElector) Subscribe(ctx context.Context) (<-chan LeadershipState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.events.subscribe(ctx, 16, e.state), nil
}

// State returns the current leadership state.
func (e *LeaderElector) State() LeadershipState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// set records a state and publishes it when IsLeader changed. Renewals
// are recorded only.
func (e *LeaderElector) set(leader bool, lease LeaderLease, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := e.state.IsLeader != leader
	e.state = LeadershipState{IsLeader: leader, Lease: lease, At: time.Now().UTC(), Reason: reason}
	if changed {
		e.events.publish(e.state)
	}
}
