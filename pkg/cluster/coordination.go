// Package cluster tracks membership and the leader lease of a graphkeep
// cluster. The node holding the leader lease serves as master; every other
// live member is a slave of it.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNodeNotFound indicates the node is not a member.
	ErrNodeNotFound = errors.New("cluster: node not found")
	// ErrLeaseMismatch indicates the lease id does not match the one held.
	ErrLeaseMismatch = errors.New("cluster: lease mismatch")
	// ErrLeaseExpired indicates the lease ran out before it was used.
	ErrLeaseExpired = errors.New("cluster: lease expired")
	// ErrLeaderLeaseHeld indicates another node holds the leader lease.
	ErrLeaderLeaseHeld = errors.New("cluster: leader lease already held")
)

// HealthState is the membership health of a node.
type HealthState string

const (
	HealthStateUnknown   HealthState = "unknown"
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateLeaving   HealthState = "leaving"
)

// MembershipEventType is the kind of a MembershipEvent.
type MembershipEventType string

const (
	MembershipEventJoined      MembershipEventType = "joined"
	MembershipEventHeartbeat   MembershipEventType = "heartbeat"
	MembershipEventStateChange MembershipEventType = "state_changed"
	MembershipEventLeft        MembershipEventType = "left"
	MembershipEventLeader      MembershipEventType = "leader_changed"
)

// NodeRegistration describes a node joining the cluster. Address is where
// the node serves the master lock service.
type NodeRegistration struct {
	NodeID   string            `json:"node_id"`
	Address  string            `json:"address"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeState is a member as seen by the coordinator.
type NodeState struct {
	NodeID         string            `json:"node_id"`
	Address        string            `json:"address"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Health         HealthState       `json:"health"`
	LeaseID        string            `json:"lease_id"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at"`
}

// MembershipLease is the lease a member keeps alive with heartbeats.
type MembershipLease struct {
	LeaseID   string
	NodeID    string
	ExpiresAt time.Time
}

// LeaderLease is the lease of the master. Only its holder may serve lock
// requests.
type LeaderLease struct {
	LeaseID   string    `json:"lease_id"`
	NodeID    string    `json:"node_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MembershipEvent reports a membership or leader change. LeaderNode is
// empty on a leader event when the lease was released.
type MembershipEvent struct {
	Type       MembershipEventType `json:"type"`
	Node       NodeState           `json:"node"`
	LeaderNode string              `json:"leader_node,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Reason     string              `json:"reason,omitempty"`
}

// Coordinator keeps cluster membership and the leader lease.
type Coordinator interface {
	Join(ctx context.Context, registration NodeRegistration, ttl time.Duration) (MembershipLease, error)
	Heartbeat(ctx context.Context, nodeID, leaseID string, ttl time.Duration) (NodeState, error)
	Leave(ctx context.Context, nodeID, leaseID string) error
	ListNodes(ctx context.Context) ([]NodeState, error)
	// WatchMembership streams events until ctx is done. Delivery is best
	// effort: a slow watcher misses events and should re-read state.
	WatchMembership(ctx context.Context) (<-chan MembershipEvent, error)

	AcquireLeaderLease(ctx context.Context, nodeID string, ttl time.Duration) (LeaderLease, error)
	RenewLeaderLease(ctx context.Context, leaseID string, ttl time.Duration) (LeaderLease, error)
	ReleaseLeaderLease(ctx context.Context, leaseID string) error
	CurrentLeader(ctx context.Context) (LeaderLease, bool, error)
}

// precheck rejects calls on a done context or with a non-positive ttl.
func precheck(ctx context.Context, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("cluster: ttl must be > 0, got %s", ttl)
	}
	return nil
}

const watchBuffer = 32

var errEmptyNodeID = errors.New("cluster: node id cannot be empty")
