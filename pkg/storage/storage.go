// Package storage persists the master epoch counter. Every node that becomes
// master draws a new epoch from the store; epochs never repeat, including
// across restarts of the store.
package storage

import (
	"context"
	"fmt"
	"time"
)

// EpochStore issues master epochs.
type EpochStore interface {
	// Next issues an epoch strictly greater than every epoch issued before
	// and records master as its holder.
	Next(ctx context.Context, master string) (Epoch, error)
	// Current returns the last issued epoch, or a NotFoundError if none was.
	Current(ctx context.Context) (Epoch, error)
	// Close releases the backend.
	Close() error
}

// Epoch is one master generation.
type Epoch struct {
	Number   uint64    `json:"number"`
	Master   string    `json:"master"`
	IssuedAt time.Time `json:"issued_at"`
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }
