// Package config loads and validates the storage core's configuration
// options from a YAML file, with defaults matching the engine's
// recommended out-of-the-box settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option the engine recognizes, per the command-surface
// and external-interfaces contract.
type Config struct {
	DataDir string `yaml:"dataDir"`

	Durable   bool `yaml:"durable"`
	Ephemeral bool `yaml:"ephemeral"`
	ReadOnly  bool `yaml:"readOnly"`

	CacheSizeMB                int `yaml:"cacheSizeMB"`
	MaxCacheOverflowFileSizeMB int `yaml:"maxCacheOverflowFileSizeMB"`

	CheckpointIntervalSec   int `yaml:"checkpointIntervalSec"`
	JournalCommitIntervalMs int `yaml:"journalCommitIntervalMs"`
	HistoryWindowSec        int `yaml:"historyWindowSec"`
	SessionIdleTimeoutMs    int `yaml:"sessionIdleTimeoutMs"`

	LogLevel  string `yaml:"logLevel"`
	LogJSON   bool   `yaml:"logJSON"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		DataDir:                     "./data",
		Durable:                     true,
		Ephemeral:                   false,
		ReadOnly:                    false,
		CacheSizeMB:                 256,
		MaxCacheOverflowFileSizeMB:  1024,
		CheckpointIntervalSec:       60,
		JournalCommitIntervalMs:     100,
		HistoryWindowSec:            300,
		SessionIdleTimeoutMs:        300000,
		LogLevel:                    "info",
		LogJSON:                     false,
		MetricsAddr:                 ":9090",
	}
}

// CheckpointInterval returns CheckpointIntervalSec as a time.Duration.
func (c Config) CheckpointInterval() time.Duration {
	return time.Duration(c.CheckpointIntervalSec) * time.Second
}

// JournalCommitInterval returns JournalCommitIntervalMs as a time.Duration.
func (c Config) JournalCommitInterval() time.Duration {
	return time.Duration(c.JournalCommitIntervalMs) * time.Millisecond
}

// SessionIdleTimeout returns SessionIdleTimeoutMs as a time.Duration.
func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMs) * time.Millisecond
}

// Load reads a YAML configuration file at path, applying defaults for any
// field left unset, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the configuration for internally inconsistent settings.
func (c Config) Validate() error {
	if c.Ephemeral && c.Durable {
		return fmt.Errorf("config: ephemeral and durable are mutually exclusive")
	}
	if !c.Ephemeral && c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required unless ephemeral")
	}
	if c.CheckpointIntervalSec <= 0 {
		return fmt.Errorf("config: checkpointIntervalSec must be positive")
	}
	if c.JournalCommitIntervalMs <= 0 {
		return fmt.Errorf("config: journalCommitIntervalMs must be positive")
	}
	if c.HistoryWindowSec < 0 {
		return fmt.Errorf("config: historyWindowSec must be >= 0")
	}
	return nil
}
