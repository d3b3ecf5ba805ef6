package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates Config while respecting env > file > default
// precedence.
type Loader struct {
	envPrefix string
	file      string
}

// NewLoader prepares a config hydrator. file may be empty to skip the
// file layer entirely.
func NewLoader(envPrefix, file string) *Loader {
	return &Loader{envPrefix: envPrefix, file: file}
}

// Load assembles the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if l.file != "" {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(l.file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", l.file)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", l.file, err)
		}
		if err := k.Load(file.Provider(l.file), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", l.file, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"listen": map[string]any{
			"address": cfg.Listen.Address,
			"port":    cfg.Listen.Port,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"store": map[string]any{
			"backend":   cfg.Store.Backend,
			"tableName": cfg.Store.TableName,
			"redis": map[string]any{
				"address":   cfg.Store.Redis.Address,
				"password":  cfg.Store.Redis.Password,
				"db":        cfg.Store.Redis.DB,
				"keyPrefix": cfg.Store.Redis.KeyPrefix,
			},
		},
		"tracker": map[string]any{
			"cachedTTLSeconds":         cfg.Tracker.CachedTTLSeconds,
			"processingTTLSeconds":     cfg.Tracker.ProcessingTTLSeconds,
			"maxConcurrentWaitSeconds": cfg.Tracker.MaxConcurrentWaitSeconds,
			"pruneIntervalSeconds":     cfg.Tracker.PruneIntervalSeconds,
		},
	}
}
