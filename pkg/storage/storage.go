// Package storage provides the durable key-value store behind match
// records, batch manifests, checkpoints, and conflict snapshots. Persist
// returns only after the write is durable; callers treat a nil error as an
// acknowledgement they can anchor against.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = errors.New("storage: key not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: store closed")
)

// Entry is one stored key-value pair.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the persistence contract. Implementations must make Persist
// durable before returning: a crash after a nil error must not lose the
// write.
type Store interface {
	// Persist stores value under key, replacing any previous value.
	Persist(ctx context.Context, key string, value []byte) error
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
