package credstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists credential payloads as files under a single directory.
//
// SECURITY: the directory is created with 0700 and payload files are written
// with 0600 permissions (owner read/write only).
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("credential store directory is required")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential store directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

// Get returns the payload stored under key, or nil when no file exists.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &PersistenceError{Op: "get", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// #nosec G304 -- the path is derived from an internal key constant
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "get", Key: key, Err: err}
	}

	return data, nil
}

// Set stores value under key with restricted permissions. A nil value
// removes the file; removing an absent file is not an error.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)

	if value == nil {
		err := os.Remove(path)
		if err != nil && !os.IsNotExist(err) {
			return &PersistenceError{Op: "set", Key: key, Err: err}
		}
		return nil
	}

	// Write to a temp file first so readers never observe a torn payload.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}

	return nil
}

// Path returns the file path a key maps to. Hosts use it to point a Watcher
// at the credential file.
func (s *FileStore) Path(key string) string {
	return s.path(key)
}

// path maps a key to a file name inside the store directory. Keys are
// internal constants and never contain path separators; any that do are
// flattened.
func (s *FileStore) path(key string) string {
	name := strings.ReplaceAll(key, string(os.PathSeparator), "_")
	return filepath.Join(s.dir, name+".json")
}
