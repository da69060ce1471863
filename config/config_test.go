package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/app")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Second, cfg.Lease())
	assert.Equal(t, 300*time.Second, cfg.MaxBackoff())
	assert.Equal(t, "search_index", cfg.IndexName)
	assert.Equal(t, "atomic", cfg.ClaimMode)
	assert.Equal(t, 12, cfg.DBPoolSize())
	assert.NotEmpty(t, cfg.WorkerID)
	assert.False(t, cfg.UseBulk)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	t.Setenv("USE_BULK", "true")
	t.Setenv("BATCH_SIZE", "2")
	t.Setenv("POLL_INTERVAL_SECONDS", "0.25")
	t.Setenv("WORKER_ID", "worker-a")
	t.Setenv("TERMINAL_ON_TRANSIENT", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.UseBulk)
	assert.True(t, cfg.TerminalOnTransient)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, "worker-a", cfg.WorkerID)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("DATABASE_URL: sqlite://lab.db\nCONCURRENCY: 3\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("CONCURRENCY", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite://lab.db", cfg.DatabaseURL)
	assert.Equal(t, 3, cfg.Concurrency)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("DATABASE_URL", "postgres://localhost/app")
	t.Setenv("LEASE_SECONDS", "60")
	t.Setenv("MAX_PROCESSING_SECONDS", "30")
	_, err = Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	t.Setenv("MAX_PROCESSING_SECONDS", "300")
	t.Setenv("CLAIM_MODE", "optimistic")
	_, err = Load()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
