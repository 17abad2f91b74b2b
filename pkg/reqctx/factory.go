// Package reqctx stamps slave to master requests with the identifiers the
// master uses for fencing: session, transaction, observed epoch and a
// per-resource sequence number.
package reqctx

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// RequestContext is attached to every lock request a slave sends to the master.
type RequestContext struct {
	Session  string `json:"session"`
	Tx       string `json:"tx"`
	Resource string `json:"resource,omitempty"`
	Epoch    uint64 `json:"epoch"`
	Sequence uint64 `json:"sequence"`
}

// String returns a compact representation for logs.
func (rc RequestContext) String() string {
	return fmt.Sprintf("%s/%s@%d#%d", rc.Session, rc.Tx, rc.Epoch, rc.Sequence)
}

// Owner returns the lock owner identity used on the master.
func (rc RequestContext) Owner() string {
	return rc.Session + "/" + rc.Tx
}

type seqKey struct {
	tx       string
	resource string
}

// Factory produces request contexts whose sequence is strictly increasing
// per (transaction, resource) for the lifetime of the factory.
type Factory struct {
	session string

	mu   sync.Mutex
	seqs map[seqKey]uint64
}

// NewFactory creates a factory with a fresh session id.
func NewFactory() *Factory {
	return NewFactoryWithSession(uuid.NewString())
}

// NewFactoryWithSession creates a factory for a known session id.
func NewFactoryWithSession(session string) *Factory {
	return &Factory{
		session: session,
		seqs:    make(map[seqKey]uint64),
	}
}

// Session returns the session id stamped into every context.
func (f *Factory) Session() string {
	return f.session
}

// Next returns the next context for tx on resource, embedding epoch.
func (f *Factory) Next(tx, resource string, epoch uint64) RequestContext {
	f.mu.Lock()
	key := seqKey{tx: tx, resource: resource}
	f.seqs[key]++
	seq := f.seqs[key]
	f.mu.Unlock()

	return RequestContext{
		Session:  f.session,
		Tx:       tx,
		Resource: resource,
		Epoch:    epoch,
		Sequence: seq,
	}
}

// ForTx returns a context for a transaction-wide request such as ending a
// lock session. It carries no resource and sequence zero.
func (f *Factory) ForTx(tx string, epoch uint64) RequestContext {
	return RequestContext{
		Session: f.session,
		Tx:      tx,
		Epoch:   epoch,
	}
}

// Forget drops the sequence counters of a finished transaction.
func (f *Factory) Forget(tx string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key := range f.seqs {
		if key.tx == tx {
			delete(f.seqs, key)
		}
	}
}
