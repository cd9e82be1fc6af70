package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("DAEMON_DATA_DIR", t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "P1", cfg.DefaultPriority)
	require.Equal(t, int64(600_000), cfg.DefaultTimeoutMs)
	require.Equal(t, 8, cfg.WorkerPool.MaxConcurrent)
}

func TestLoadRejectsInvalidPriority(t *testing.T) {
	t.Setenv("DAEMON_DATA_DIR", t.TempDir())
	t.Setenv("DAEMON_DEFAULT_PRIORITY", "P9")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNATSEnabledWithoutURL(t *testing.T) {
	t.Setenv("DAEMON_DATA_DIR", t.TempDir())
	t.Setenv("DAEMON_NATS_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadHonorsOverrides(t *testing.T) {
	t.Setenv("DAEMON_DATA_DIR", t.TempDir())
	t.Setenv("DAEMON_MAX_CONCURRENT_WORKERS", "3")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 3, cfg.WorkerPool.MaxConcurrent)
}
