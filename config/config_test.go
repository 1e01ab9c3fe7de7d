package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Second, cfg.Queue.PollInterval())
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseTimeout())
	assert.Equal(t, time.Minute, cfg.Queue.SweepInterval())
	assert.Equal(t, 3, cfg.Queue.DefaultMaxRetries)
	assert.Zero(t, cfg.Queue.ClaimRatePerSecond)
	assert.NotEmpty(t, cfg.Database.Path)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quill.toml")
	content := `
[database]
path = "/tmp/test-quill.db"

[queue]
workers = 4
lease_timeout_seconds = 120
default_max_retries = 7
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-quill.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Queue.LeaseTimeout())
	assert.Equal(t, 7, cfg.Queue.DefaultMaxRetries)
	// Untouched keys keep defaults
	assert.Equal(t, 5, cfg.Queue.PollIntervalSeconds)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDatabasePathEnvOverride(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	t.Setenv("QUILL_DB_PATH", "/tmp/override.db")

	path, err := GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", path)
}
