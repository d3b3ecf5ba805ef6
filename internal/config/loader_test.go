package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderDefaultsOnly(t *testing.T) {
	loader := NewLoader("", "")
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoaderFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 9090\nstore:\n  backend: redis\n  redis:\n    address: redis:6379\n"), 0o644))

	loader := NewLoader("", path)
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Listen.Port)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Address)
}

func TestLoaderEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen:\n  port: 9090\n"), 0o644))

	t.Setenv("IDEMPOTENCYD_LISTEN__PORT", "7070")

	loader := NewLoader("IDEMPOTENCYD", path)
	cfg, err := loader.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Listen.Port)
}

func TestLoaderRejectsInvalidBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  backend: carrier-pigeon\n"), 0o644))

	loader := NewLoader("", path)
	_, err := loader.Load(context.Background())
	assert.Error(t, err)
}

func TestLoaderMissingFile(t *testing.T) {
	loader := NewLoader("", "/nonexistent/config.yaml")
	_, err := loader.Load(context.Background())
	assert.Error(t, err)
}
