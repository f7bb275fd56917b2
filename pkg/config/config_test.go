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
	cfg := Default()

	assert.NotEmpty(t, cfg.Endpoint)
	assert.NotEmpty(t, cfg.CacheDir)
	assert.Equal(t, 4, cfg.Transfer.Workers)
	assert.Equal(t, 4, cfg.Transfer.MaxRetries)
	assert.True(t, cfg.Transfer.KeepIncomplete)
	assert.Equal(t, int64(512*1024), cfg.FS.ChunkSize)
	assert.Equal(t, 32, cfg.FS.MaxChunks)
	assert.Equal(t, 60*time.Second, cfg.FS.SyncInterval)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"endpoint": "https://drive.internal/v2",
		"cache_dir": "/var/cache/cumulus",
		"transfer": {"workers": 8, "max_retries": 2}
	}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://drive.internal/v2", cfg.Endpoint)
	assert.Equal(t, "/var/cache/cumulus", cfg.CacheDir)
	assert.Equal(t, 8, cfg.Transfer.Workers)
	assert.Equal(t, 2, cfg.Transfer.MaxRetries)

	// Sections the file omits keep their defaults.
	assert.Equal(t, 32, cfg.FS.MaxChunks)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Endpoint, cfg.Endpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CUMULUS_ENDPOINT", "https://override.example/v1")
	t.Setenv("CUMULUS_CACHE_DIR", "/tmp/cumulus-test")
	t.Setenv("CUMULUS_TRANSFER_WORKERS", "16")
	t.Setenv("CUMULUS_MAX_RETRIES", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://override.example/v1", cfg.Endpoint)
	assert.Equal(t, "/tmp/cumulus-test", cfg.CacheDir)
	assert.Equal(t, 16, cfg.Transfer.Workers)

	// Unparseable numeric overrides fall back to the configured value.
	assert.Equal(t, 4, cfg.Transfer.MaxRetries)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"endpoint": "https://from-file/v1"}`), 0644))
	t.Setenv("CUMULUS_ENDPOINT", "https://from-env/v1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env/v1", cfg.Endpoint)
}
