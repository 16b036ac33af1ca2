package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"GatewayChat/internal/store"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Empty(t, cfg.Gateway.SessionKey, "the last active session is reopened")
	assert.Equal(t, store.BackendSQLite, cfg.Store.Backend)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Gateway, cfg.Gateway)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
debug = true

[gateway]
url = "wss://gateway.example:18789"
session = "agent:main:work"
refresh_delay_ms = 250

[gateway.reconnect]
max_attempts = 2

[store]
backend = "redis"
redis_addr = "10.0.0.5:6379"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "wss://gateway.example:18789", cfg.Gateway.URL)
	assert.Equal(t, "agent:main:work", cfg.Gateway.SessionKey)
	assert.Equal(t, 250*time.Millisecond, cfg.RefreshDelay())
	assert.Equal(t, 200, cfg.Gateway.SessionListLimit, "unset values keep their defaults")

	policy := cfg.ReconnectPolicy()
	assert.Equal(t, uint(2), policy.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.InitialInterval)

	opts := cfg.StoreOptions()
	assert.Equal(t, store.BackendRedis, opts.Backend)
	assert.Equal(t, "10.0.0.5:6379", opts.Redis.Addr)
	assert.Equal(t, "gatewaychat:", opts.Redis.Prefix)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[gateway\nurl = "), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("GATEWAYCHAT_URL", "ws://localhost:18789")
	t.Setenv("GATEWAYCHAT_TOKEN", "secret")
	t.Setenv("GATEWAYCHAT_SESSION", "alt")
	t.Setenv("GATEWAYCHAT_STORE", "memory")
	t.Setenv("GATEWAYCHAT_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:18789", cfg.Gateway.URL)
	assert.Equal(t, "secret", cfg.Gateway.Token)
	assert.Equal(t, "alt", cfg.Gateway.SessionKey)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)
	assert.True(t, cfg.Debug)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{name: "bad scheme", mutate: func(c *Config) { c.Gateway.URL = "ftp://host" }, field: "gateway.url"},
		{name: "negative limit", mutate: func(c *Config) { c.Gateway.SessionListLimit = -1 }, field: "gateway.session_list_limit"},
		{name: "negative delay", mutate: func(c *Config) { c.Gateway.RefreshDelayMs = -5 }, field: "gateway.refresh_delay_ms"},
		{name: "inverted backoff", mutate: func(c *Config) {
			c.Gateway.Reconnect.InitialIntervalMs = 5000
			c.Gateway.Reconnect.MaxIntervalMs = 100
		}, field: "gateway.reconnect"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, field: "store.backend"},
		{name: "missing path", mutate: func(c *Config) { c.Store.Path = "" }, field: "store.path"},
		{name: "missing redis addr", mutate: func(c *Config) {
			c.Store.Backend = store.BackendRedis
			c.Store.RedisAddr = ""
		}, field: "store.redis_addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Gateway.URL = "wss://saved.example"
	cfg.Store.Backend = store.BackendFile

	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
