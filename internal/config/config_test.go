package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 360, cfg.Kernel.DayCountBasis)
	assert.Equal(t, "0.0025", cfg.Resolver.GlobalMinRate)
	assert.Equal(t, 60, cfg.RateLimit.Default.Capacity)
	assert.Equal(t, 1000, cfg.Cache.L1MaxEntries)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9999"
cache:
  ttls:
    borrow_rate: 2m
rate_limit:
  tiers:
    premium:
      capacity: 300
      refill_per_second: 5
api_keys:
  some-key:
    client_id: broker_1
    tier: premium
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTLs["borrow_rate"].Std())
	assert.Equal(t, 300, cfg.RateLimit.Tiers["premium"].Capacity)
	assert.Equal(t, "broker_1", cfg.APIKeys["some-key"].ClientID)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.01", cfg.Kernel.VFactor)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("DATABASE_URL", "postgres://x@y/z")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	assert.Equal(t, "postgres://x@y/z", cfg.Postgres.DSN)
}

func TestLoadRejectsBadDecimal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kernel:\n  v_factor: \"not-a-number\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsKeyWithoutClientID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_keys:\n  k:\n    tier: premium\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
