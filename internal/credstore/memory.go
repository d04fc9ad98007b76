package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps credential payloads in process memory. Nothing is
// persisted across restarts; hosts use it for ephemeral sessions and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Get returns the value stored under key, or nil when no value exists.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, nil
	}

	// Copy so callers cannot mutate the stored payload.
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set stores value under key. A nil value deletes the entry.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		delete(s.values, key)
		return nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}
