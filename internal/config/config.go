package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/lazypower/fdleak/pkg/leak"
	"github.com/lazypower/fdleak/pkg/store"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all fdleak configuration.
type Config struct {
	Tracker TrackerConfig `toml:"tracker"`
	Store   StoreConfig   `toml:"store"`
	Server  ServerConfig  `toml:"server"`
	Log     LogConfig     `toml:"log"`
}

type TrackerConfig struct {
	Interval int      `toml:"interval"` // seconds between sweeps
	MinAge   int      `toml:"min_age"`  // seconds before a handle may be promoted
	Matchers []string `toml:"matchers"` // stack frame substrings; [""] matches everything
}

type StoreConfig struct {
	Backend string `toml:"backend"` // "dir", "sqlite", "log"
	Dir     string `toml:"dir"`
	Path    string `toml:"path"` // sqlite database file
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Tracker: TrackerConfig{
			Interval: 5,
			MinAge:   60,
			Matchers: []string{""},
		},
		Store: StoreConfig{
			Backend: store.BackendDir,
			Dir:     "fdleak",
			Path:    "", // resolved at runtime via store.DefaultDBPath()
		},
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns the default config file: ~/.fdleak/config.toml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".fdleak", "config.toml"), nil
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error. Unknown keys are, so typos don't silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from FDLEAK_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FDLEAK_STORE"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("FDLEAK_STORE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("FDLEAK_DB"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FDLEAK_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate reports settings the tracker cannot run with.
func (c *Config) Validate() error {
	if c.Tracker.Interval <= 0 {
		return fmt.Errorf("tracker.interval must be positive, got %d", c.Tracker.Interval)
	}
	if c.Tracker.MinAge < 0 {
		return fmt.Errorf("tracker.min_age must not be negative, got %d", c.Tracker.MinAge)
	}
	switch c.Store.Backend {
	case store.BackendDir, store.BackendSQLite, store.BackendLog:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// Interval returns the sweep interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Tracker.Interval) * time.Second
}

// Policy returns the promotion policy.
func (c *Config) Policy() leak.Policy {
	return leak.Policy{
		MinAge:   time.Duration(c.Tracker.MinAge) * time.Second,
		Matchers: append([]string(nil), c.Tracker.Matchers...),
	}
}

// StoreLocation returns the directory or database file for the configured
// backend, resolving the default database path when none is set.
func (c *Config) StoreLocation() (string, error) {
	switch c.Store.Backend {
	case store.BackendSQLite:
		if c.Store.Path != "" {
			return c.Store.Path, nil
		}
		return store.DefaultDBPath()
	case store.BackendLog:
		return "", nil
	default:
		return c.Store.Dir, nil
	}
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
