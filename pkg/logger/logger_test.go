package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bptdb.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)

	log.Debug("page read into frame")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	require.Equal(t, "DEBUG", entry["level"])
	require.Equal(t, "page read into frame", entry["msg"])
	require.Equal(t, "bptdb", entry["service"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bptdb.log")
	log, err := New(Config{Level: "warn", OutputFile: path, Service: "bptdb_cli"})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("kept")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "dropped")
	require.Contains(t, string(data), "kept")
	require.Contains(t, string(data), "bptdb_cli")
}

func TestNewFailsOnUnwritablePath(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "bptdb.log")})
	require.Error(t, err)
}
