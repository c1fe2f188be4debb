package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
logger:
  level: debug
document:
  id: notes
sync:
  transport: redis
  oplog: badger
  badger_path: /tmp/ops
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "notes", cfg.Document.ID)
	assert.Equal(t, TransportRedis, cfg.Sync.Transport)
	assert.Equal(t, OpLogBadger, cfg.Sync.OpLog)
	assert.Equal(t, "/tmp/ops", cfg.Sync.BadgerPath)
	// untouched sections keep their defaults
	assert.Equal(t, 2, cfg.Document.Replicas)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("PROSESYNC_REPLICAS=3\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PROSESYNC_REPLICAS") })
	t.Setenv("PROSESYNC_TRANSPORT", "ws")

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, TransportWS, cfg.Sync.Transport)
	assert.Equal(t, 3, cfg.Document.Replicas)
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cfg := Default()
	cfg.Sync.Transport = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Sync.OpLog = "tape"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Document.Replicas = 0
	assert.Error(t, cfg.Validate())
}

func TestInvalidReplicaCount(t *testing.T) {
	t.Setenv("PROSESYNC_REPLICAS", "many")
	_, err := Load("", "")
	assert.Error(t, err)
}
