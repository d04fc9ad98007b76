package credstore

import (
	"context"
	"fmt"
)

// Store is the key-value persistence boundary for session credentials.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or nil when no value exists.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A nil value deletes the entry.
	Set(ctx context.Context, key string, value []byte) error
}

// PersistenceError indicates a storage backend failure. The key is included
// for diagnostics; stored values never are.
type PersistenceError struct {
	// Op is the failed operation, "get" or "set".
	Op string

	// Key is the storage key the operation targeted.
	Key string

	// Err is the underlying backend error.
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("credential store %s failed for key %q: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
