package cluster

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCoordinator is a Coordinator for nodes sharing one process. It backs
// tests and single-node deployments; nodes in separate processes need the
// redis coordinator.
type MemoryCoordinator struct {
	nowFn func() time.Time

	mu      sync.Mutex
	members map[string]*member
	leader  LeaderLease // zero NodeID when nobody holds it
	events  broadcaster[MembershipEvent]
}

type member struct {
	reg      NodeRegistration
	leaseID  string
	health   HealthState
	lastBeat time.Time
	expires  time.Time
}

func (m *member) state() NodeState {
	return NodeState{
		NodeID:         m.reg.NodeID,
		Address:        m.reg.Address,
		Metadata:       cloneMap(m.reg.Metadata),
		Health:         m.health,
		LeaseID:        m.leaseID,
		LastHeartbeat:  m.lastBeat,
		LeaseExpiresAt: m.expires,
	}
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// NewMemoryCoordinator creates an empty coordinator.
func NewMemoryCoordinator() *MemoryCoordinator {
	return &MemoryCoordinator{
		nowFn:   time.Now,
		members: make(map[string]*member),
	}
}

func (c *MemoryCoordinator) now() time.Time { return c.nowFn() }

// lookup returns the member holding leaseID.
func (c *MemoryCoordinator) lookup(nodeID, leaseID string) (*member, error) {
	m, ok := c.members[nodeID]
	switch {
	case !ok:
		return nil, ErrNodeNotFound
	case m.leaseID != leaseID:
		return nil, ErrLeaseMismatch
	}
	return m, nil
}

func (c *MemoryCoordinator) leaderLive(now time.Time) bool {
	return c.leader.NodeID != "" && !now.After(c.leader.ExpiresAt)
}

// Join registers a node, replacing any previous lease it held.
func (c *MemoryCoordinator) Join(ctx context.Context, registration NodeRegistration, ttl time.Duration) (MembershipLease, error) {
	if err := precheck(ctx, ttl); err != nil {
		return MembershipLease{}, err
	}
	if registration.NodeID == "" {
		return MembershipLease{}, errEmptyNodeID
	}
	registration.Metadata = cloneMap(registration.Metadata)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	m := &member{
		reg:      registration,
		leaseID:  uuid.NewString(),
		health:   HealthStateHealthy,
		lastBeat: now,
		expires:  now.Add(ttl),
	}
	c.members[registration.NodeID] = m
	c.events.publish(MembershipEvent{Type: MembershipEventJoined, Node: m.state(), Timestamp: now})
	return MembershipLease{LeaseID: m.leaseID, NodeID: registration.NodeID, ExpiresAt: m.expires}, nil
}

// Heartbeat extends a membership lease. A lease that already ran out marks
// the member unhealthy; the node has to join again.
func (c *MemoryCoordinator) Heartbeat(ctx context.Context, nodeID, leaseID string, ttl time.Duration) (NodeState, error) {
	if err := precheck(ctx, ttl); err != nil {
		return NodeState{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(nodeID, leaseID)
	if err != nil {
		return NodeState{}, err
	}

	now := c.now()
	if now.After(m.expires) {
		if m.health != HealthStateUnhealthy {
			m.health = HealthStateUnhealthy
			c.events.publish(MembershipEvent{Type: MembershipEventStateChange, Node: m.state(), Timestamp: now, Reason: "lease expired"})
		}
		return NodeState{}, ErrLeaseExpired
	}

	kind := MembershipEventHeartbeat
	if m.health != HealthStateHealthy {
		kind = MembershipEventStateChange
	}
	m.health, m.lastBeat, m.expires = HealthStateHealthy, now, now.Add(ttl)
	st := m.state()
	c.events.publish(MembershipEvent{Type: kind, Node: st, Timestamp: now})
	return st, nil
}

// Leave removes a member. A leaving leader gives up the leader lease.
func (c *MemoryCoordinator) Leave(ctx context.Context, nodeID, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, err := c.lookup(nodeID, leaseID)
	if err != nil {
		return err
	}

	now := c.now()
	delete(c.members, nodeID)
	m.health = HealthStateLeaving
	c.events.publish(MembershipEvent{Type: MembershipEventLeft, Node: m.state(), Timestamp: now})
	if c.leader.NodeID == nodeID {
		c.leader = LeaderLease{}
		c.events.publish(MembershipEvent{Type: MembershipEventLeader, Timestamp: now, Reason: "leader left"})
	}
	return nil
}

// ListNodes returns the members sorted by node id. Members whose lease ran
// out are reported unhealthy.
func (c *MemoryCoordinator) ListNodes(ctx context.Context) ([]NodeState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]NodeState, 0, len(c.members))
	for _, m := range c.members {
		st := m.state()
		if now.After(m.expires) {
			st.Health = HealthStateUnhealthy
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b NodeState) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out, nil
}

// WatchMembership implements Coordinator.
func (c *MemoryCoordinator) WatchMembership(ctx context.Context) (<-chan MembershipEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.events.subscribe(ctx, watchBuffer), nil
}

// AcquireLeaderLease takes the leader lease for a live member. The holder
// may take it again, which issues a new lease id.
func (c *MemoryCoordinator) AcquireLeaderLease(ctx context.Context, nodeID string, ttl time.Duration) (LeaderLease, error) {
	if err := precheck(ctx, ttl); err != nil {
		return LeaderLease{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[nodeID]
	if !ok {
		return LeaderLease{}, ErrNodeNotFound
	}
	now := c.now()
	switch {
	case now.After(m.expires):
		return LeaderLease{}, ErrLeaseExpired
	case c.leaderLive(now) && c.leader.NodeID != nodeID:
		return LeaderLease{}, ErrLeaderLeaseHeld
	}

	c.leader = LeaderLease{LeaseID: uuid.NewString(), NodeID: nodeID, ExpiresAt: now.Add(ttl)}
	c.events.publish(MembershipEvent{Type: MembershipEventLeader, LeaderNode: nodeID, Node: m.state(), Timestamp: now})
	return c.leader, nil
}

// RenewLeaderLease extends the leader lease.
func (c *MemoryCoordinator) RenewLeaderLease(ctx context.Context, leaseID string, ttl time.Duration) (LeaderLease, error) {
	if err := precheck(ctx, ttl); err != nil {
		return LeaderLease{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	switch {
	case c.leader.NodeID == "":
		return LeaderLease{}, ErrLeaseExpired
	case c.leader.LeaseID != leaseID:
		return LeaderLease{}, ErrLeaseMismatch
	case !c.leaderLive(now):
		return LeaderLease{}, ErrLeaseExpired
	}
	c.leader.ExpiresAt = now.Add(ttl)
	return c.leader, nil
}

// ReleaseLeaderLease gives up the leader lease. Releasing when nobody holds
// it is a no-op.
func (c *MemoryCoordinator) ReleaseLeaderLease(ctx context.Context, leaseID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.leader.NodeID == "":
		return nil
	case c.leader.LeaseID != leaseID:
		return ErrLeaseMismatch
	}
	c.leader = LeaderLease{}
	c.events.publish(MembershipEvent{Type: MembershipEventLeader, Timestamp: c.now(), Reason: "released"})
	return nil
}

// CurrentLeader returns the unexpired leader lease, if any.
func (c *MemoryCoordinator) CurrentLeader(ctx context.Context) (LeaderLease, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaderLease{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.leaderLive(c.now()) {
		return LeaderLease{}, false, nil
	}
	return c.leader, true, nil
}

func cloneMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}
