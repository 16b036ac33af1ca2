package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps preferences in a single SQLite table
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (and if needed creates) the preference database
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createPreferencesTable := `
	CREATE TABLE IF NOT EXISTS preferences (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME
	);`

	if _, err := db.Exec(createPreferencesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create preferences table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the value for key
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", ErrClosed
	}

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM preferences WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO preferences (key, value, updated_at) VALUES (?, ?, ?)",
		key, value, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save preference %s: %w", key, err)
	}
	return nil
}

// Delete removes key
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM preferences WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete preference %s: %w", key, err)
	}
	return nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
