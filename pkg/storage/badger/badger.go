// Package badger keeps the epoch counter on the local disk of one node.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

// Config opens a BadgerStorage. Zero sizes keep the badger defaults.
type Config struct {
	Path              string
	SyncWrites        bool
	ValueLogFileSize  int64
	NumVersionsToKeep int
}

func (c *Config) options() badger.Options {
	opts := badger.DefaultOptions(c.Path).WithSyncWrites(c.SyncWrites).WithLogger(nil)
	if c.ValueLogFileSize > 0 {
		opts = opts.WithValueLogFileSize(c.ValueLogFileSize)
	}
	if c.NumVersionsToKeep > 0 {
		opts = opts.WithNumVersionsToKeep(c.NumVersionsToKeep)
	}
	return opts
}

// BadgerStorage is a storage.EpochStore in a badger database. The last
// issued epoch is one JSON record, replaced in a transaction by Next.
type BadgerStorage struct {
	db *badger.DB
}

var _ storage.EpochStore = (*BadgerStorage)(nil)

var epochKey = []byte("epoch:current")

// Next transactions that lose a write conflict are retried this often.
const conflictRetries = 16

// NewBadgerStorage opens or creates the database at cfg.Path.
func NewBadgerStorage(cfg *Config) (*BadgerStorage, error) {
	db, err := badger.Open(cfg.options())
	if err != nil {
		return nil, &storage.StorageUnavailableError{Cause: err}
	}
	return &BadgerStorage{db: db}, nil
}

// Next implements storage.EpochStore.
func (b *BadgerStorage) Next(ctx context.Context, master string) (storage.Epoch, error) {
	var next storage.Epoch
	bump := func(txn *badger.Txn) error {
		last, err := get(txn)
		var nf *storage.NotFoundError
		if err != nil && !errors.As(err, &nf) {
			return err
		}
		next = storage.Epoch{Number: last.Number + 1, Master: master, IssuedAt: time.Now().UTC()}
		return put(txn, next)
	}

	for range conflictRetries {
		if err := ctx.Err(); err != nil {
			return storage.Epoch{}, err
		}
		err := b.db.Update(bump)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return storage.Epoch{}, classify(err)
		}
	}
	return storage.Epoch{}, classify(badger.ErrConflict)
}

// Current implements storage.EpochStore.
func (b *BadgerStorage) Current(ctx context.Context) (storage.Epoch, error) {
	if err := ctx.Err(); err != nil {
		return storage.Epoch{}, err
	}
	var e storage.Epoch
	err := b.db.View(func(txn *badger.Txn) (err error) {
		e, err = get(txn)
		return err
	})
	if err != nil {
		return storage.Epoch{}, classify(err)
	}
	return e, nil
}

// Close implements storage.EpochStore.
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}

func get(txn *badger.Txn) (storage.Epoch, error) {
	var e storage.Epoch
	item, err := txn.Get(epochKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e, &storage.NotFoundError{EntityType: "epoch", ID: "current"}
	}
	if err != nil {
		return e, err
	}
	err = item.Value(func(raw []byte) error {
		if err := json.Unmarshal(raw, &e); err != nil {
			return &storage.SerializationError{Operation: "unmarshal", Cause: err}
		}
		return nil
	})
	return e, err
}

func put(txn *badger.Txn, e storage.Epoch) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return &storage.SerializationError{Operation: "marshal", Cause: err}
	}
	return txn.Set(epochKey, raw)
}

// classify passes typed storage errors through and reports everything
// else as the backend being unavailable.
func classify(err error) error {
	var (
		nf *storage.NotFoundError
		se *storage.SerializationError
	)
	if errors.As(err, &nf) || errors.As(err, &se) {
		return err
	}
	return &storage.StorageUnavailableError{Cause: err}
}
