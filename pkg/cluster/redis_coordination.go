package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease scripts return 1 on success, 0 when the lease is gone and -1 when
// another lease id holds it.
var (
	heartbeatScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then return 0 end
if cur ~= ARGV[1] then return -1 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	leaveScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and cur ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
redis.call('HDEL', KEYS[2], ARGV[2])
if redis.call('HGET', KEYS[3], 'node') == ARGV[2] then
	redis.call('DEL', KEYS[3])
	return 2
end
return 1
`)

	acquireLeaderScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return 0 end
local holder = redis.call('HGET', KEYS[1], 'node')
if holder and holder ~= ARGV[2] then return -1 end
redis.call('HSET', KEYS[1], 'lease', ARGV[1], 'node', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

	renewLeaderScript = redis.NewScript(`
local lease = redis.call('HGET', KEYS[1], 'lease')
if not lease then return 0 end
if lease ~= ARGV[1] then return -1 end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

	releaseLeaderScript = redis.NewScript(`
local lease = redis.call('HGET', KEYS[1], 'lease')
if not lease then return 0 end
if lease ~= ARGV[1] then return -1 end
redis.call('DEL', KEYS[1])
return 1
`)
)

// RedisCoordinator is a Coordinator shared by the nodes of a cluster through
// one Redis server. Membership and leader leases are keys with a TTL;
// events are published on a channel.
//
// Keys under prefix:
//
//	<prefix>:nodes          hash node id -> registration
//	<prefix>:node:<id>      membership lease id, expires with the lease
//	<prefix>:leader         hash {lease, node}, expires with the lease
//	<prefix>:events         pub/sub channel of MembershipEvent
type RedisCoordinator struct {
	client redis.UniversalClient
	prefix string
}

var _ Coordinator = (*RedisCoordinator)(nil)

// NewRedisCoordinator creates a coordinator keeping its keys under prefix.
// The client is owned by the caller.
func NewRedisCoordinator(client redis.UniversalClient, prefix string) *RedisCoordinator {
	if prefix == "" {
		prefix = "graphkeep"
	}
	return &RedisCoordinator{client: client, prefix: prefix + ":cluster"}
}

func (c *RedisCoordinator) nodesKey() string            { return c.prefix + ":nodes" }
func (c *RedisCoordinator) nodeKey(id string) string    { return c.prefix + ":node:" + id }
func (c *RedisCoordinator) leaderKey() string           { return c.prefix + ":leader" }
func (c *RedisCoordinator) eventsChannel() string       { return c.prefix + ":events" }
func (c *RedisCoordinator) unavailable(err error) error { return fmt.Errorf("cluster: redis: %w", err) }

// Join implements Coordinator.
func (c *RedisCoordinator) Join(ctx context.Context, registration NodeRegistration, ttl time.Duration) (MembershipLease, error) {
	if registration.NodeID == "" {
		return MembershipLease{}, errEmptyNodeID
	}
	if err := precheck(ctx, ttl); err != nil {
		return MembershipLease{}, err
	}

	reg, err := json.Marshal(registration)
	if err != nil {
		return MembershipLease{}, fmt.Errorf("cluster: encode registration: %w", err)
	}
	now := time.Now()
	lease := MembershipLease{
		LeaseID:   uuid.NewString(),
		NodeID:    registration.NodeID,
		ExpiresAt: now.Add(ttl),
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.nodeKey(registration.NodeID), lease.LeaseID, ttl)
		p.HSet(ctx, c.nodesKey(), registration.NodeID, reg)
		return nil
	})
	if err != nil {
		return MembershipLease{}, c.unavailable(err)
	}

	c.publish(ctx, MembershipEvent{
		Type:      MembershipEventJoined,
		Node:      nodeState(registration, lease.LeaseID, HealthStateHealthy, now, lease.ExpiresAt),
		Timestamp: now,
	})
	return lease, nil
}

// Heartbeat implements Coordinator.
func (c *RedisCoordinator) Heartbeat(ctx context.Context, nodeID, leaseID string, ttl time.Duration) (NodeState, error) {
	if err := precheck(ctx, ttl); err != nil {
		return NodeState{}, err
	}
	res, err := heartbeatScript.Run(ctx, c.client, []string{c.nodeKey(nodeID)}, leaseID, ttl.Milliseconds()).Int()
	if err != nil {
		return NodeState{}, c.unavailable(err)
	}
	switch res {
	case 0:
		return NodeState{}, ErrLeaseExpired
	case -1:
		return NodeState{}, ErrLeaseMismatch
	}

	reg, err := c.registration(ctx, nodeID)
	if err != nil {
		return NodeState{}, err
	}
	now := time.Now()
	return nodeState(reg, leaseID, HealthStateHealthy, now, now.Add(ttl)), nil
}

// Leave implements Coordinator.
func (c *RedisCoordinator) Leave(ctx context.Context, nodeID, leaseID string) error {
	reg, err := c.registration(ctx, nodeID)
	if err != nil {
		return err
	}
	res, err := leaveScript.Run(ctx, c.client,
		[]string{c.nodeKey(nodeID), c.nodesKey(), c.leaderKey()}, leaseID, nodeID).Int()
	if err != nil {
		return c.unavailable(err)
	}
	if res == -1 {
		return ErrLeaseMismatch
	}

	now := time.Now()
	c.publish(ctx, MembershipEvent{
		Type:      MembershipEventLeft,
		Node:      nodeState(reg, leaseID, HealthStateLeaving, now, now),
		Timestamp: now,
	})
	if res == 2 {
		c.publish(ctx, MembershipEvent{Type: MembershipEventLeader, Timestamp: now, Reason: "leader left"})
	}
	return nil
}

// ListNodes implements Coordinator. Members whose lease key expired are
// reported unhealthy until they leave or join again.
func (c *RedisCoordinator) ListNodes(ctx context.Context) ([]NodeState, error) {
	regs, err := c.client.HGetAll(ctx, c.nodesKey()).Result()
	if err != nil {
		return nil, c.unavailable(err)
	}

	type pending struct {
		reg   NodeRegistration
		lease *redis.StringCmd
		ttl   *redis.DurationCmd
	}
	batch := make([]pending, 0, len(regs))
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, raw := range regs {
			var reg NodeRegistration
			if err := json.Unmarshal([]byte(raw), &reg); err != nil {
				return fmt.Errorf("cluster: decode registration: %w", err)
			}
			batch = append(batch, pending{
				reg:   reg,
				lease: p.Get(ctx, c.nodeKey(reg.NodeID)),
				ttl:   p.PTTL(ctx, c.nodeKey(reg.NodeID)),
			})
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, c.unavailable(err)
	}

	now := time.Now()
	out := make([]NodeState, 0, len(batch))
	for _, b := range batch {
		leaseID, err := b.lease.Result()
		health := HealthStateHealthy
		expires := now.Add(b.ttl.Val())
		if err != nil || b.ttl.Val() <= 0 {
			health, expires = HealthStateUnhealthy, now
		}
		out = append(out, nodeState(b.reg, leaseID, health, time.Time{}, expires))
	}
	slices.SortFunc(out, func(a, b NodeState) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out, nil
}

// WatchMembership implements Coordinator.
func (c *RedisCoordinator) WatchMembership(ctx context.Context) (<-chan MembershipEvent, error) {
	sub := c.client.Subscribe(ctx, c.eventsChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, c.unavailable(err)
	}

	out := make(chan MembershipEvent, watchBuffer)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev MembershipEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out, nil
}

// AcquireLeaderLease implements Coordinator.
func (c *RedisCoordinator) AcquireLeaderLease(ctx context.Context, nodeID string, ttl time.Duration) (LeaderLease, error) {
	if err := precheck(ctx, ttl); err != nil {
		return LeaderLease{}, err
	}
	lease := LeaderLease{LeaseID: uuid.NewString(), NodeID: nodeID}
	res, err := acquireLeaderScript.Run(ctx, c.client,
		[]string{c.leaderKey(), c.nodeKey(nodeID)}, lease.LeaseID, nodeID, ttl.Milliseconds()).Int()
	if err != nil {
		return LeaderLease{}, c.unavailable(err)
	}
	switch res {
	case 0:
		if _, err := c.registration(ctx, nodeID); err != nil {
			return LeaderLease{}, err
		}
		return LeaderLease{}, ErrLeaseExpired
	case -1:
		return LeaderLease{}, ErrLeaderLeaseHeld
	}

	now := time.Now()
	lease.ExpiresAt = now.Add(ttl)
	c.publish(ctx, MembershipEvent{Type: MembershipEventLeader, LeaderNode: nodeID, Timestamp: now})
	return lease, nil
}

// RenewLeaderLease implements Coordinator.
func (c *RedisCoordinator) RenewLeaderLease(ctx context.Context, leaseID string, ttl time.Duration) (LeaderLease, error) {
	if err := precheck(ctx, ttl); err != nil {
		return LeaderLease{}, err
	}
	res, err := renewLeaderScript.Run(ctx, c.client, []string{c.leaderKey()}, leaseID, ttl.Milliseconds()).Int()
	if err != nil {
		return LeaderLease{}, c.unavailable(err)
	}
	switch res {
	case 0:
		return LeaderLease{}, ErrLeaseExpired
	case -1:
		return LeaderLease{}, ErrLeaseMismatch
	}
	node, err := c.client.HGet(ctx, c.leaderKey(), "node").Result()
	if err != nil {
		return LeaderLease{}, c.unavailable(err)
	}
	return LeaderLease{LeaseID: leaseID, NodeID: node, ExpiresAt: time.Now().Add(ttl)}, nil
}

// ReleaseLeaderLease implements Coordinator.
func (c *RedisCoordinator) ReleaseLeaderLease(ctx context.Context, leaseID string) error {
	res, err := releaseLeaderScript.Run(ctx, c.client, []string{c.leaderKey()}, leaseID).Int()
	if err != nil {
		return c.unavailable(err)
	}
	switch res {
	case -1:
		return ErrLeaseMismatch
	case 1:
		c.publish(ctx, MembershipEvent{Type: MembershipEventLeader, Timestamp: time.Now(), Reason: "released"})
	}
	return nil
}

// CurrentLeader implements Coordinator.
func (c *RedisCoordinator) CurrentLeader(ctx context.Context) (LeaderLease, bool, error) {
	var fields *redis.MapStringStringCmd
	var ttl *redis.DurationCmd
	_, err := c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		fields = p.HGetAll(ctx, c.leaderKey())
		ttl = p.PTTL(ctx, c.leaderKey())
		return nil
	})
	if err != nil {
		return LeaderLease{}, false, c.unavailable(err)
	}
	f := fields.Val()
	if f["lease"] == "" || ttl.Val() <= 0 {
		return LeaderLease{}, false, nil
	}
	return LeaderLease{
		LeaseID:   f["lease"],
		NodeID:    f["node"],
		ExpiresAt: time.Now().Add(ttl.Val()),
	}, true, nil
}

func (c *RedisCoordinator) registration(ctx context.Context, nodeID string) (NodeRegistration, error) {
	raw, err := c.client.HGet(ctx, c.nodesKey(), nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return NodeRegistration{}, ErrNodeNotFound
	}
	if err != nil {
		return NodeRegistration{}, c.unavailable(err)
	}
	var reg NodeRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return NodeRegistration{}, fmt.Errorf("cluster: decode registration: %w", err)
	}
	return reg, nil
}

// publish is best effort: watchers re-read state on the next event.
func (c *RedisCoordinator) publish(ctx context.Context, ev MembershipEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = c.client.Publish(ctx, c.eventsChannel(), payload).Err()
}

func nodeState(reg NodeRegistration, leaseID string, health HealthState, heartbeat, expires time.Time) NodeState {
	return NodeState{
		NodeID:         reg.NodeID,
		Address:        reg.Address,
		Metadata:       cloneMap(reg.Metadata),
		Health:         health,
		LeaseID:        leaseID,
		LastHeartbeat:  heartbeat,
		LeaseExpiresAt: expires,
	}
}
