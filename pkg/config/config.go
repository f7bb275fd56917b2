package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds everything the client reads from its config file. Every field
// has a usable default so a missing file is not an error.
type Config struct {
	// Endpoint is the base URL of the drive API.
	Endpoint string `json:"endpoint"`
	// CacheDir holds the persisted node snapshot and the advisory lock.
	CacheDir string `json:"cache_dir"`

	Transfer TransferConfig `json:"transfer,omitempty"`
	FS       FSConfig       `json:"fs,omitempty"`
}

type TransferConfig struct {
	Workers        int  `json:"workers"`
	MaxRetries     int  `json:"max_retries"`
	KeepIncomplete bool `json:"keep_incomplete"`
}

type FSConfig struct {
	// ChunkSize is the unit of buffered I/O, in bytes.
	ChunkSize int64 `json:"chunk_size"`
	// MaxChunks bounds the in-memory chunk buffer pool.
	MaxChunks int `json:"max_chunks"`
	// SyncInterval drives periodic incremental sync while mounted.
	SyncInterval time.Duration `json:"sync_interval"`
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Endpoint: "https://drive.example.com/v1",
		CacheDir: filepath.Join(home, ".cache", "cumulus"),
		Transfer: TransferConfig{
			Workers:        4,
			MaxRetries:     4,
			KeepIncomplete: true,
		},
		FS: FSConfig{
			ChunkSize:    512 * 1024,
			MaxChunks:    32,
			SyncInterval: 60 * time.Second,
		},
	}
}

// Load reads a JSON config file and applies environment overrides on top of
// the defaults. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Endpoint = getEnv("CUMULUS_ENDPOINT", c.Endpoint)
	c.CacheDir = getEnv("CUMULUS_CACHE_DIR", c.CacheDir)
	c.Transfer.Workers = getEnvInt("CUMULUS_TRANSFER_WORKERS", c.Transfer.Workers)
	c.Transfer.MaxRetries = getEnvInt("CUMULUS_MAX_RETRIES", c.Transfer.MaxRetries)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
