// Package store persists small key/value preferences on the local device.
//
// Backends: SQLite (default), a JSON file, Redis and an in-memory map.
// All writes are last-writer-wins; backends are safe for concurrent use.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound is returned when a key has no stored value
	ErrNotFound = errors.New("key not found")
	// ErrClosed is returned when operating on a closed store
	ErrClosed = errors.New("store is closed")
)

// Store is a string key/value store
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set creates or overwrites the value for key
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store
	Close() error
}

const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options selects and configures a backend
type Options struct {
	Backend string
	Path    string // database file for sqlite, JSON file for file
	Redis   RedisConfig
}

// Open creates the store described by opts
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendSQLite, "":
		return OpenSQLite(opts.Path)
	case BackendFile:
		return OpenFile(opts.Path)
	case BackendRedis:
		return NewRedisStore(opts.Redis)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	return nil
}
