// Package master defines the remote lock capability a slave invokes on the
// elected master, and the master-side server enforcing epoch and sequence
// fencing over a local lock table.
package master

import (
	"context"

	"github.com/graphkeep/graphkeep/pkg/locks"
	"github.com/graphkeep/graphkeep/pkg/reqctx"
)

// Status is the outcome of a lock request on the master.
type Status int

const (
	StatusGranted Status = iota
	StatusDenied
	StatusTimeout
	// StatusStaleEpoch means the request was stamped for a master generation
	// that is no longer current.
	StatusStaleEpoch
	// StatusOutOfOrder means the sequence was not greater than the last one
	// seen for the same owner and resource.
	StatusOutOfOrder
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	case StatusTimeout:
		return "timeout"
	case StatusStaleEpoch:
		return "stale_epoch"
	case StatusOutOfOrder:
		return "out_of_order"
	default:
		return "unknown"
	}
}

// LockResponse is the master's answer to a lock request.
type LockResponse struct {
	Status Status `json:"status"`
	// Epoch is the epoch of the answering master.
	Epoch  uint64 `json:"epoch"`
	Reason string `json:"reason,omitempty"`
}

// Master is the lock capability of the current master as seen by a slave.
// Transport failures are returned as errors; protocol outcomes as statuses.
type Master interface {
	// Epoch returns the master generation this handle talks to.
	Epoch() uint64
	AcquireLock(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (LockResponse, error)
	ReleaseLock(ctx context.Context, rc reqctx.RequestContext, resource locks.Resource, mode locks.Mode) (LockResponse, error)
	// EndLockSession releases every lock held by the transaction of rc.
	EndLockSession(ctx context.Context, rc reqctx.RequestContext) (LockResponse, error)
	Close() error
}

// LockObserver is notified about lock request outcomes.
type LockObserver interface {
	ObserveLockRequest(side, result string)
}
