package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 16, cfg.BufferPoolSize)
	assert.Equal(t, 10, cfg.MaxTables)
	assert.Equal(t, 32, cfg.LeafOrder)
	assert.Equal(t, 249, cfg.InternalOrder)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bptdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/bptdb
buffer_pool_size: 64
leaf_order: 4
internal_order: 4
logger:
  level: debug
telemetry:
  enabled: true
  prometheus_port: 9464
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bptdb", cfg.DataDir)
	assert.Equal(t, 64, cfg.BufferPoolSize)
	assert.Equal(t, 4, cfg.LeafOrder)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 9464, cfg.Telemetry.PrometheusPort)

	// Untouched keys keep their defaults.
	assert.Equal(t, "bptdb.wal", cfg.LogFile)
	assert.Equal(t, 10, cfg.MaxTables)
	assert.Equal(t, "console", cfg.Logger.Format)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"small pool":     "buffer_pool_size: 2",
		"leaf order":     "leaf_order: 33",
		"internal order": "internal_order: 3",
		"no tables":      "max_tables: 0",
		"not yaml":       "data_dir: [",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bptdb.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0644))
			_, err := Load(path)
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
