// Package config loads Quill configuration from TOML files and environment.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config represents the core Quill configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures the background job engine
type QueueConfig struct {
	// Worker concurrency configuration
	Workers int `mapstructure:"workers"` // Number of concurrent job workers (default: 1)

	// How often a continuous worker polls for new jobs
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // default: 5

	// Claims older than this are reclaimed by the sweeper
	LeaseTimeoutSeconds int `mapstructure:"lease_timeout_seconds"` // default: 300

	// How often the sweeper scans for stale claims (0 disables the loop)
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"` // default: 60

	// Retry ceiling applied when a job is created without one
	DefaultMaxRetries int `mapstructure:"default_max_retries"` // default: 3

	// Claims per second across the pool; 0 means unlimited
	ClaimRatePerSecond float64 `mapstructure:"claim_rate_per_second"`
}

// PollInterval returns the worker poll interval as a duration
func (q QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds) * time.Second
}

// LeaseTimeout returns the claim lease timeout as a duration
func (q QueueConfig) LeaseTimeout() time.Duration {
	return time.Duration(q.LeaseTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper scan interval as a duration
func (q QueueConfig) SweepInterval() time.Duration {
	return time.Duration(q.SweepIntervalSeconds) * time.Second
}

// DefaultDatabasePath returns the fallback database location (~/.quill/quill.db)
func DefaultDatabasePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "quill.db"
	}
	return filepath.Join(homeDir, ".quill", "quill.db")
}
