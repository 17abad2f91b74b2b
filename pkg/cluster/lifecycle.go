package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/logger"
)

// NodeLifecycleConfig times membership heartbeats.
type NodeLifecycleConfig struct {
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	// FailureThreshold is the number of consecutive failed heartbeats after
	// which the node reports itself unhealthy.
	FailureThreshold int
}

// DefaultNodeLifecycleConfig returns the default heartbeat timings.
func DefaultNodeLifecycleConfig() NodeLifecycleConfig {
	return NodeLifecycleConfig{
		LeaseTTL:          10 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		FailureThreshold:  3,
	}
}

// NodeLifecycleManager keeps this node's membership lease alive and tracks
// its health. A node whose lease ran out joins again under a new lease.
type NodeLifecycleManager struct {
	coord Coordinator
	reg   NodeRegistration
	cfg   NodeLifecycleConfig
	log   logger.Logger

	loop  loop
	mu    sync.RWMutex
	lease MembershipLease
	state HealthState

	// hookMu orders transitions so the hook sees them one at a time.
	hookMu sync.Mutex
	hook   func(from, to HealthState)
}

// LifecycleOption configures a NodeLifecycleManager.
type LifecycleOption func(*NodeLifecycleManager)

// WithLifecycleLogger sets the logger.
func WithLifecycleLogger(l logger.Logger) LifecycleOption {
	return func(m *NodeLifecycleManager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewNodeLifecycleManager creates a lifecycle manager for reg. A
// FailureThreshold below one is raised to one.
func NewNodeLifecycleManager(coord Coordinator, reg NodeRegistration, cfg NodeLifecycleConfig, opts ...LifecycleOption) (*NodeLifecycleManager, error) {
	switch {
	case coord == nil:
		return nil, errors.New("cluster: coordination cannot be nil")
	case reg.NodeID == "":
		return nil, errEmptyNodeID
	case cfg.LeaseTTL <= 0 || cfg.HeartbeatInterval <= 0:
		return nil, errors.New("cluster: lease ttl and heartbeat interval must be > 0")
	}
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)

	m := &NodeLifecycleManager{
		coord: coord,
		reg:   reg,
		cfg:   cfg,
		log:   logger.Global(),
		state: HealthStateUnknown,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "lifecycle")
	return m, nil
}

// SetStateChangeHook sets the callback run on every health transition.
func (m *NodeLifecycleManager) SetStateChangeHook(hook func(from, to HealthState)) {
	m.hookMu.Lock()
	m.hook = hook
	m.hookMu.Unlock()
}

// Start joins the cluster and heartbeats in the background until Stop.
// Starting a running manager does nothing.
func (m *NodeLifecycleManager) Start(ctx context.Context) error {
	if m.loop.running() {
		return nil
	}
	lease, err := m.coord.Join(ctx, m.reg, m.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("cluster: join: %w", err)
	}
	m.setLease(lease)
	m.log.Info("joined cluster", "lease", lease.LeaseID, "address", m.reg.Address)
	m.transition(HealthStateHealthy)
	m.loop.start(m.heartbeat)
	return nil
}

func (m *NodeLifecycleManager) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := m.beat(ctx)
		if err == nil {
			failures = 0
			m.transition(HealthStateHealthy)
			continue
		}
		if ctx.Err() != nil {
			return
		}
		failures++
		m.log.Warn("membership heartbeat failed", "failures", failures, "error", err)
		if failures >= m.cfg.FailureThreshold {
			m.transition(HealthStateUnhealthy)
		}
	}
}

// beat renews the lease and rejoins when the coordinator no longer holds
// it.
func (m *NodeLifecycleManager) beat(ctx context.Context) error {
	_, err := m.coord.Heartbeat(ctx, m.reg.NodeID, m.Lease().LeaseID, m.cfg.LeaseTTL)
	if err == nil || !(errors.Is(err, ErrLeaseExpired) || errors.Is(err, ErrNodeNotFound)) {
		return err
	}
	lease, joinErr := m.coord.Join(ctx, m.reg, m.cfg.LeaseTTL)
	if joinErr != nil {
		return errors.Join(err, joinErr)
	}
	m.setLease(lease)
	m.log.Warn("membership lease lost, joined again", "lease", lease.LeaseID)
	return nil
}

// Stop ends heartbeating and leaves the cluster. A coordinator that
// already forgot the node is not an error.
func (m *NodeLifecycleManager) Stop(ctx context.Context) error {
	if !m.loop.stop() {
		return nil
	}
	m.transition(HealthStateLeaving)
	err := m.coord.Leave(ctx, m.reg.NodeID, m.Lease().LeaseID)
	if err != nil && !errors.Is(err, ErrNodeNotFound) {
		return fmt.Errorf("cluster: leave: %w", err)
	}
	m.log.Info("left cluster")
	return nil
}

func (m *NodeLifecycleManager) setLease(l MembershipLease) {
	m.mu.Lock()
	m.lease = l
	m.mu.Unlock()
}

// Lease returns the current membership lease.
func (m *NodeLifecycleManager) Lease() MembershipLease {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lease
}

// State returns the current health state.
func (m *NodeLifecycleManager) State() HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *NodeLifecycleManager) transition(next HealthState) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()
	if prev == next {
		return
	}
	m.log.Info("membership health changed", "from", string(prev), "to", string(next))
	if m.hook != nil {
		m.hook(prev, next)
	}
}
