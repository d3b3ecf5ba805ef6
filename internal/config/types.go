// Package config hydrates the idempotencyd demo server's runtime
// configuration, respecting env > file > default precedence.
package config

import (
	"fmt"
	"time"
)

// Config holds every knob the demo server needs to construct a Tracker,
// Store and Middleware.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Store   StoreConfig   `koanf:"store"`
	Tracker TrackerConfig `koanf:"tracker"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig picks and configures the Store backend.
type StoreConfig struct {
	Backend   string      `koanf:"backend"`
	TableName string      `koanf:"tableName"`
	Redis     RedisConfig `koanf:"redis"`
}

// RedisConfig configures the optional Redis-backed Store.
type RedisConfig struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"keyPrefix"`
}

// TrackerConfig mirrors idempotency.Config, expressed in koanf-friendly
// durations (seconds) so it round-trips through YAML/env cleanly.
type TrackerConfig struct {
	CachedTTLSeconds         int `koanf:"cachedTTLSeconds"`
	ProcessingTTLSeconds     int `koanf:"processingTTLSeconds"`
	MaxConcurrentWaitSeconds int `koanf:"maxConcurrentWaitSeconds"`
	PruneIntervalSeconds     int `koanf:"pruneIntervalSeconds"`
}

// CachedTTL returns the configured cached-response retention window.
func (t TrackerConfig) CachedTTL() time.Duration {
	return time.Duration(t.CachedTTLSeconds) * time.Second
}

// ProcessingTTL returns the configured processing safety-net window.
func (t TrackerConfig) ProcessingTTL() time.Duration {
	return time.Duration(t.ProcessingTTLSeconds) * time.Second
}

// MaxConcurrentWait returns the configured concurrent-duplicate wait.
func (t TrackerConfig) MaxConcurrentWait() time.Duration {
	return time.Duration(t.MaxConcurrentWaitSeconds) * time.Second
}

// PruneInterval returns how often the demo server's pruner loop runs.
func (t TrackerConfig) PruneInterval() time.Duration {
	return time.Duration(t.PruneIntervalSeconds) * time.Second
}

// DefaultConfig returns the configuration used when no file or env
// override is present.
func DefaultConfig() Config {
	return Config{
		Listen:  ListenConfig{Address: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Backend:   "memory",
			TableName: "idempotency",
			Redis:     RedisConfig{Address: "localhost:6379", KeyPrefix: "idempotency:"},
		},
		Tracker: TrackerConfig{
			CachedTTLSeconds:         86400,
			ProcessingTTLSeconds:     120,
			MaxConcurrentWaitSeconds: 10,
			PruneIntervalSeconds:     60,
		},
	}
}

// Validate rejects configurations the loader cannot act on.
func (c Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port %d out of range", c.Listen.Port)
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: store.backend %q must be memory or redis", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Address == "" {
		return fmt.Errorf("config: store.redis.address required when store.backend is redis")
	}
	if c.Tracker.CachedTTLSeconds <= 0 {
		return fmt.Errorf("config: tracker.cachedTTLSeconds must be positive")
	}
	if c.Tracker.ProcessingTTLSeconds <= 0 {
		return fmt.Errorf("config: tracker.processingTTLSeconds must be positive")
	}
	return nil
}
