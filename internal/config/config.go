// Package config provides configuration management for the key-value store.
// It loads settings from a YAML file with environment variable expansion and
// an optional .env overlay, returning a plain value the caller injects into
// every other component rather than a package-level singleton.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds all tunables for a single store instance.
type Config struct {
	DataDir          string `yaml:"DATA_DIR"`          // directory holding logparts and partition files
	BatchSize        uint32 `yaml:"BATCH_SIZE"`        // buffer size threshold for auto-flush
	SyncIntervalSecs uint32 `yaml:"SYNC_INTERVAL"`     // time interval in seconds for auto-sync
	MaxFileIDRetries int    `yaml:"MAX_FILE_ID_RETRIES"` // collision retry cap when minting a fresh partition
	LogLevel         string `yaml:"LOG_LEVEL"`          // slog level name: debug, info, warn, error
}

// Default returns a Config suitable for tests and for callers that have
// no config file of their own.
func Default() *Config {
	return &Config{
		DataDir:          "data",
		BatchSize:        4096,
		SyncIntervalSecs: 1,
		MaxFileIDRetries: 64,
		LogLevel:         "info",
	}
}

// Load reads configuration from path (a YAML file), expanding environment
// variables in its contents via os.ExpandEnv. It first loads a .env file
// from the current directory if one exists, so DATA_DIR etc. can reference
// variables defined there. Returns a fresh value on every call; Store and
// Log take *Config as an explicit constructor argument, so there is no
// package-level singleton to protect.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("config: no .env file found or error loading it", "error", err)
	} else {
		slog.Debug("config: .env file loaded successfully")
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(file))), cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Level parses LogLevel into an slog.Level, defaulting to Info for an
// unrecognized or empty value.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
