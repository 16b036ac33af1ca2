// Package config loads GatewayChat settings.
//
// Values are resolved in order: built-in defaults, the TOML file at
// ~/.gatewaychat/config.toml, GATEWAYCHAT_* environment variables, and
// finally command line flags applied by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"GatewayChat/internal/gateway"
	"GatewayChat/internal/store"
)

const (
	dirName  = ".gatewaychat"
	fileName = "config.toml"
)

// Config holds application configuration
type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Store     StoreConfig     `toml:"store"`
	Log       LogConfig       `toml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Debug     bool            `toml:"debug"`
}

// GatewayConfig selects the gateway and the session opened at start. An
// empty SessionKey reopens the last active session.
type GatewayConfig struct {
	URL              string          `toml:"url"`
	Token            string          `toml:"token"`
	SessionKey       string          `toml:"session"`
	SessionListLimit int             `toml:"session_list_limit"`
	RefreshDelayMs   int             `toml:"refresh_delay_ms"`
	Reconnect        ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig bounds automatic reconnection after a dropped connection
type ReconnectConfig struct {
	MaxAttempts       int `toml:"max_attempts"`
	InitialIntervalMs int `toml:"initial_interval_ms"`
	MaxIntervalMs     int `toml:"max_interval_ms"`
}

// StoreConfig selects where preferences and caches live
type StoreConfig struct {
	Backend       string `toml:"backend"`
	Path          string `toml:"path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	RedisPrefix   string `toml:"redis_prefix"`
}

// LogConfig controls the rotating log file
type LogConfig struct {
	Dir string `toml:"dir"`
}

// TelemetryConfig controls trace and metric export
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Dir returns the GatewayChat home directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to find home directory: %w", err)
	}
	return filepath.Join(home, dirName), nil
}

// DefaultPath returns the default config file location
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// Default returns the built-in configuration. Paths live under the
// GatewayChat home directory, or the working directory when the home
// directory is unknown.
func Default() *Config {
	base, err := Dir()
	if err != nil {
		base = dirName
	}
	return &Config{
		Gateway: GatewayConfig{
			SessionListLimit: 200,
			RefreshDelayMs:   1000,
			Reconnect: ReconnectConfig{
				MaxAttempts:       int(gateway.DefaultReconnectPolicy.MaxAttempts),
				InitialIntervalMs: int(gateway.DefaultReconnectPolicy.InitialInterval / time.Millisecond),
				MaxIntervalMs:     int(gateway.DefaultReconnectPolicy.MaxInterval / time.Millisecond),
			},
		},
		Store: StoreConfig{
			Backend:     store.BackendSQLite,
			Path:        filepath.Join(base, "gatewaychat.db"),
			RedisAddr:   "localhost:6379",
			RedisPrefix: "gatewaychat:",
		},
		Log: LogConfig{
			Dir: filepath.Join(base, "logs"),
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			Dir:     filepath.Join(base, "logs"),
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides settings from GATEWAYCHAT_* environment variables
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GATEWAYCHAT_URL"); v != "" {
		c.Gateway.URL = v
	}
	if v := os.Getenv("GATEWAYCHAT_TOKEN"); v != "" {
		c.Gateway.Token = v
	}
	if v := os.Getenv("GATEWAYCHAT_SESSION"); v != "" {
		c.Gateway.SessionKey = v
	}
	if v := os.Getenv("GATEWAYCHAT_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("GATEWAYCHAT_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("GATEWAYCHAT_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Debug = debug
		}
	}
}

// ValidationError describes one invalid setting
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. An empty gateway URL is valid.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Gateway.URL != "" {
		if _, err := gateway.NormalizeURL(c.Gateway.URL); err != nil {
			errs = append(errs, ValidationError{Field: "gateway.url", Message: err.Error()})
		}
	}
	if c.Gateway.SessionListLimit < 0 {
		errs = append(errs, ValidationError{Field: "gateway.session_list_limit", Message: "must not be negative"})
	}
	if c.Gateway.RefreshDelayMs < 0 {
		errs = append(errs, ValidationError{Field: "gateway.refresh_delay_ms", Message: "must not be negative"})
	}
	r := c.Gateway.Reconnect
	if r.MaxAttempts < 0 || r.InitialIntervalMs < 0 || r.MaxIntervalMs < 0 {
		errs = append(errs, ValidationError{Field: "gateway.reconnect", Message: "values must not be negative"})
	}
	if r.MaxIntervalMs > 0 && r.InitialIntervalMs > r.MaxIntervalMs {
		errs = append(errs, ValidationError{Field: "gateway.reconnect", Message: "initial_interval_ms exceeds max_interval_ms"})
	}

	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendFile:
		if c.Store.Path == "" {
			errs = append(errs, ValidationError{Field: "store.path", Message: "required for " + c.Store.Backend})
		}
	case store.BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, ValidationError{Field: "store.redis_addr", Message: "required for redis"})
		}
	case store.BackendMemory:
	default:
		errs = append(errs, ValidationError{
			Field:   "store.backend",
			Message: fmt.Sprintf("invalid backend '%s', must be one of: sqlite, file, redis, memory", c.Store.Backend),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// StoreOptions returns the options for store.Open
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend: c.Store.Backend,
		Path:    c.Store.Path,
		Redis: store.RedisConfig{
			Addr:     c.Store.RedisAddr,
			Password: c.Store.RedisPassword,
			DB:       c.Store.RedisDB,
			Prefix:   c.Store.RedisPrefix,
		},
	}
}

// ReconnectPolicy returns the gateway reconnect policy
func (c *Config) ReconnectPolicy() gateway.ReconnectPolicy {
	r := c.Gateway.Reconnect
	return gateway.ReconnectPolicy{
		MaxAttempts:     uint(max(r.MaxAttempts, 0)),
		InitialInterval: time.Duration(r.InitialIntervalMs) * time.Millisecond,
		MaxInterval:     time.Duration(r.MaxIntervalMs) * time.Millisecond,
	}
}

// RefreshDelay returns the delay before refreshing sessions after a send
func (c *Config) RefreshDelay() time.Duration {
	return time.Duration(c.Gateway.RefreshDelayMs) * time.Millisecond
}

// Save writes the configuration to path with owner-only permissions
func Save(cfg *Config, path string) error {
	var sb strings.Builder
	sb.WriteString("# GatewayChat configuration\n\n")
	if err := toml.NewEncoder(&sb).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := store.AtomicWriteFile(path, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
