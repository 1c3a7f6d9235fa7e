package core

import (
	"context"
)

// SnapshotBackend defines the raw key-value persistence used by the snapshot
// store. Backends know nothing about snapshots; they store opaque documents
// under string keys.
type SnapshotBackend interface {
	// Get retrieves a document by key.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetIfAbsent stores value under key unless the key already exists.
	// It reports whether the value was written.
	SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns every stored key that starts with prefix, in no
	// particular order.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
