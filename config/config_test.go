package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.Equal(t, "info", cfg.Logger.Level)
	require.Equal(t, 16, cfg.Engine.BatchSize)
	require.True(t, cfg.Engine.Multithread)
	require.False(t, cfg.Telemetry.Enabled)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tierswap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
  format: console
engine:
  batch_size: 8
  concurrent: true
  migrate_rate: 250000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	require.Equal(t, 8, cfg.Engine.BatchSize)
	require.True(t, cfg.Engine.Concurrent)
	require.Equal(t, float64(250000), cfg.Engine.MigrateRate)
	// untouched sections keep their defaults
	require.Equal(t, 2, cfg.Engine.PutbackHeadroom)
	require.Equal(t, "tierswap", cfg.Telemetry.ServiceName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: ["), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
