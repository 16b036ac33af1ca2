// Package cache holds the per-process session bookkeeping that survives
// session switches: smart titles, the set of sessions already titled, and
// read markers. It is created once by main and handed to the chat hook.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"GatewayChat/internal/session"
	"GatewayChat/internal/store"
)

// Service caches smart titles and read markers in memory and writes every
// change through to the preference store.
type Service struct {
	prefs  *store.Preferences
	logger *slog.Logger

	mu       sync.RWMutex
	titles   map[string]string
	lastRead map[string]string
	loaded   bool
}

// NewService creates a cache service backed by prefs
func NewService(prefs *store.Preferences, logger *slog.Logger) (*Service, error) {
	if prefs == nil {
		return nil, errors.New("preferences cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Service{
		prefs:    prefs,
		logger:   logger,
		titles:   make(map[string]string),
		lastRead: make(map[string]string),
	}, nil
}

// Load reads the persisted titles and read markers. Calling it again
// replaces the in-memory state with what is stored.
func (s *Service) Load(ctx context.Context) error {
	titles, err := s.prefs.SmartTitles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load smart titles: %w", err)
	}
	lastRead, err := s.prefs.LastRead(ctx)
	if err != nil {
		return fmt.Errorf("failed to load read markers: %w", err)
	}

	s.mu.Lock()
	s.titles = titles
	s.lastRead = lastRead
	s.loaded = true
	s.mu.Unlock()

	s.logger.Debug("Cache loaded", "titles", len(titles), "read_markers", len(lastRead))
	return nil
}

// Reset drops the in-memory state. Persisted values are left untouched.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = make(map[string]string)
	s.lastRead = make(map[string]string)
	s.loaded = false
}

// Loaded reports whether Load has completed since the last Reset
func (s *Service) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// NeedsTitle reports whether key should get a smart title derived from
// messages. Once a title is stored it stays false until ClearTitle.
func (s *Service) NeedsTitle(key string, messages []session.Message) bool {
	s.mu.RLock()
	_, titled := s.titles[key]
	s.mu.RUnlock()
	if titled {
		return false
	}
	return session.HasTitleMaterial(messages)
}

// Title returns the smart title for key
func (s *Service) Title(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.titles[key]
	return t, ok
}

// SetTitle stores title for key. An empty title is ignored.
func (s *Service) SetTitle(ctx context.Context, key, title string) error {
	if key == "" || title == "" {
		return nil
	}

	s.mu.Lock()
	if s.titles[key] == title {
		s.mu.Unlock()
		return nil
	}
	s.titles[key] = title
	snapshot := copyMap(s.titles)
	s.mu.Unlock()

	if err := s.prefs.SetSmartTitles(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save smart title: %w", err)
	}
	return nil
}

// ClearTitle forgets the smart title for key so it can be derived again
func (s *Service) ClearTitle(ctx context.Context, key string) error {
	s.mu.Lock()
	if _, ok := s.titles[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.titles, key)
	snapshot := copyMap(s.titles)
	s.mu.Unlock()

	if err := s.prefs.SetSmartTitles(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to clear smart title: %w", err)
	}
	return nil
}

// MarkRead records messageID as the last message read in key
func (s *Service) MarkRead(ctx context.Context, key, messageID string) error {
	if key == "" || messageID == "" {
		return nil
	}

	s.mu.Lock()
	if s.lastRead[key] == messageID {
		s.mu.Unlock()
		return nil
	}
	s.lastRead[key] = messageID
	snapshot := copyMap(s.lastRead)
	s.mu.Unlock()

	if err := s.prefs.SetLastRead(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save read marker: %w", err)
	}
	return nil
}

// LastRead returns the last read message id for key
func (s *Service) LastRead(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRead[key]
}

// UnreadCount counts assistant messages in messages newer than the read
// marker for key
func (s *Service) UnreadCount(key string, messages []session.Message) int {
	return session.UnreadAfter(messages, s.LastRead(key))
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Fingerprint hashes every field of sessions so an unchanged list can skip
// the cache write
func Fingerprint(sessions []session.Session) string {
	data, err := json.Marshal(sessions)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", sha256.Sum256(data))
}
