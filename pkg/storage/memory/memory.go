// Package memory provides an in-memory epoch store for single node setups
// and tests. Epochs restart from one when the process restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/graphkeep/graphkeep/pkg/storage"
)

// MemoryStorage implements storage.EpochStore in memory.
type MemoryStorage struct {
	mu      sync.Mutex
	current storage.Epoch
}

// NewMemoryStorage creates a new in-memory epoch store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Next implements storage.EpochStore.
func (m *MemoryStorage) Next(_ context.Context, master string) (storage.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = storage.Epoch{
		Number:   m.current.Number + 1,
		Master:   master,
		IssuedAt: time.Now(),
	}
	return m.current, nil
}

// Current implements storage.EpochStore.
func (m *MemoryStorage) Current(_ context.Context) (storage.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Number == 0 {
		return storage.Epoch{}, &storage.NotFoundError{EntityType: "epoch", ID: "current"}
	}
	return m.current, nil
}

// Close implements storage.EpochStore.
func (m *MemoryStorage) Close() error {
	return nil
}
