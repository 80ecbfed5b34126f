package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "bleserver", cfg.HostPath)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1, cfg.HostAPIVersion)
	assert.Equal(t, 5*time.Second, cfg.Storage.OperationTimeout)
}

func TestLoad_OverridesAndDefaultsMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
host_path: /usr/local/bin/bleserver
log_level: debug
storage:
  backend: mongo
  uri: mongodb://db.internal:27017
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/bleserver", cfg.HostPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "mongo", cfg.Storage.Backend)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.Storage.URI)
	// Untouched fields keep their defaults.
	assert.Equal(t, "/tmp/webbt-hub.sock", cfg.Socket)
	assert.Equal(t, "webbt", cfg.Storage.Database)
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: redis\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestLoad_RejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
