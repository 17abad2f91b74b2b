// Package locks defines the lock manager capability shared by the master and
// slave implementations, and the local in-memory lock table.
package locks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Mode is the lock mode requested for a resource.
type Mode int

const (
	ModeShared Mode = iota
	ModeExclusive
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeShared:
		return "shared"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// ParseMode parses the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "shared":
		return ModeShared, nil
	case "exclusive":
		return ModeExclusive, nil
	default:
		return 0, fmt.Errorf("locks: unknown mode %q", s)
	}
}

// ResourceType is the kind of graph entity a lock protects.
type ResourceType string

const (
	ResourceNode         ResourceType = "node"
	ResourceRelationship ResourceType = "relationship"
	ResourceSchema       ResourceType = "schema"
	ResourceIndexEntry   ResourceType = "index_entry"
)

// Resource identifies a lockable entity.
type Resource struct {
	Type ResourceType `json:"type"`
	ID   int64        `json:"id"`
}

// String returns "type:id".
func (r Resource) String() string {
	return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10)
}

// ParseResource parses the "type:id" form produced by Resource.String.
func ParseResource(s string) (Resource, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || kind == "" {
		return Resource{}, fmt.Errorf("locks: malformed resource %q", s)
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Resource{}, fmt.Errorf("locks: malformed resource id in %q: %w", s, err)
	}
	return Resource{Type: ResourceType(kind), ID: n}, nil
}

// Handle identifies one granted lock.
type Handle struct {
	ID       uint64   `json:"id"`
	Tx       string   `json:"tx"`
	Resource Resource `json:"resource"`
	Mode     Mode     `json:"mode"`
}

// Locks is the lock manager capability seen by transactions.
type Locks interface {
	// Acquire blocks until the lock is granted, ctx is done or the manager's
	// acquire timeout elapses.
	Acquire(ctx context.Context, tx string, resource Resource, mode Mode) (Handle, error)
	// Release releases a lock previously returned by Acquire.
	Release(ctx context.Context, handle Handle) error
	// Close releases everything held through the manager. It is idempotent.
	Close() error
}

// Factory creates a fresh lock manager with an empty lock table.
type Factory func() Locks

var (
	// ErrClosed indicates the lock manager was closed.
	ErrClosed = errors.New("locks: lock manager closed")
	// ErrUnknownHandle indicates a release for a lock that is not held.
	ErrUnknownHandle = errors.New("locks: unknown lock handle")
)

// TimeoutError is returned when a lock could not be granted in time.
type TimeoutError struct {
	Resource Resource
	Mode     Mode
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("locks: %s lock on %s not granted within %s", e.Mode, e.Resource, e.Waited)
}

// DeniedError is returned when the master refused a lock.
type DeniedError struct {
	Resource Resource
	Mode     Mode
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("locks: %s lock on %s denied: %s", e.Mode, e.Resource, e.Reason)
}

// IsTimeoutError returns true if err wraps a TimeoutError.
func IsTimeoutError(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsDeniedError returns true if err wraps a DeniedError.
func IsDeniedError(err error) bool {
	var target *DeniedError
	return errors.As(err, &target)
}
