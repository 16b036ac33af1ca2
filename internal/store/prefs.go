package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"GatewayChat/internal/session"
)

// Preference keys
const (
	KeyGatewayURL     = "gateway.url"
	KeyGatewayToken   = "gateway.token"
	KeyLastSession    = "session.last"
	KeyPinnedSessions = "session.pinned"
	KeySessionCache   = "session.cache"
	KeyLastRead       = "session.lastRead"
	KeySmartTitles    = "session.smartTitles"
)

// SessionCache is the persisted snapshot of the last successful session list
type SessionCache struct {
	SavedAt  int64             `json:"savedAt"`
	Sessions []session.Session `json:"sessions"`
}

// Preferences is a typed view over the keys the client persists
type Preferences struct {
	store Store
}

// NewPreferences wraps s
func NewPreferences(s Store) *Preferences {
	return &Preferences{store: s}
}

// Store returns the underlying store
func (p *Preferences) Store() Store {
	return p.store
}

func (p *Preferences) getString(ctx context.Context, key string) (string, error) {
	v, err := p.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

func (p *Preferences) setString(ctx context.Context, key, value string) error {
	if value == "" {
		return p.store.Delete(ctx, key)
	}
	return p.store.Set(ctx, key, value)
}

// getJSON decodes key into out. It reports false when the key is absent.
func (p *Preferences) getJSON(ctx context.Context, key string, out any) (bool, error) {
	v, err := p.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(v), out); err != nil {
		return false, fmt.Errorf("failed to decode preference %s: %w", key, err)
	}
	return true, nil
}

func (p *Preferences) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode preference %s: %w", key, err)
	}
	return p.store.Set(ctx, key, string(data))
}

// GatewayURL returns the saved gateway URL, or "" when none is saved
func (p *Preferences) GatewayURL(ctx context.Context) (string, error) {
	return p.getString(ctx, KeyGatewayURL)
}

// SetGatewayURL saves the gateway URL. An empty URL clears it.
func (p *Preferences) SetGatewayURL(ctx context.Context, url string) error {
	return p.setString(ctx, KeyGatewayURL, url)
}

// GatewayToken returns the saved auth token
func (p *Preferences) GatewayToken(ctx context.Context) (string, error) {
	return p.getString(ctx, KeyGatewayToken)
}

// SetGatewayToken saves the auth token. An empty token clears it.
func (p *Preferences) SetGatewayToken(ctx context.Context, token string) error {
	return p.setString(ctx, KeyGatewayToken, token)
}

// LastSession returns the last active session key
func (p *Preferences) LastSession(ctx context.Context) (string, error) {
	return p.getString(ctx, KeyLastSession)
}

// SetLastSession records the last active session key
func (p *Preferences) SetLastSession(ctx context.Context, key string) error {
	return p.setString(ctx, KeyLastSession, key)
}

// PinnedSessions returns the pinned session keys in pin order
func (p *Preferences) PinnedSessions(ctx context.Context) ([]string, error) {
	var keys []string
	if _, err := p.getJSON(ctx, KeyPinnedSessions, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// SetPinnedSessions replaces the pinned session set
func (p *Preferences) SetPinnedSessions(ctx context.Context, keys []string) error {
	if keys == nil {
		keys = []string{}
	}
	return p.setJSON(ctx, KeyPinnedSessions, keys)
}

// CachedSessions returns the last saved session list snapshot. ok is false
// when nothing was cached yet.
func (p *Preferences) CachedSessions(ctx context.Context) (cache SessionCache, ok bool, err error) {
	ok, err = p.getJSON(ctx, KeySessionCache, &cache)
	return cache, ok, err
}

// SetCachedSessions overwrites the session list snapshot
func (p *Preferences) SetCachedSessions(ctx context.Context, sessions []session.Session) error {
	if sessions == nil {
		sessions = []session.Session{}
	}
	return p.setJSON(ctx, KeySessionCache, SessionCache{
		SavedAt:  time.Now().UnixMilli(),
		Sessions: sessions,
	})
}

// LastRead returns the per-session last read message ids
func (p *Preferences) LastRead(ctx context.Context) (map[string]string, error) {
	return p.stringMap(ctx, KeyLastRead)
}

// SetLastRead replaces the per-session last read message ids
func (p *Preferences) SetLastRead(ctx context.Context, markers map[string]string) error {
	return p.setJSON(ctx, KeyLastRead, markers)
}

// SmartTitles returns the per-session derived titles
func (p *Preferences) SmartTitles(ctx context.Context) (map[string]string, error) {
	return p.stringMap(ctx, KeySmartTitles)
}

// SetSmartTitles replaces the per-session derived titles
func (p *Preferences) SetSmartTitles(ctx context.Context, titles map[string]string) error {
	return p.setJSON(ctx, KeySmartTitles, titles)
}

func (p *Preferences) stringMap(ctx context.Context, key string) (map[string]string, error) {
	m := map[string]string{}
	if _, err := p.getJSON(ctx, key, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}
