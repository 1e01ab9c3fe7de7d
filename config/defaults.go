package config

import (
	"github.com/spf13/viper"
)

// Default directory permissions for ~/.quill
const DefaultDirPermissions = 0o755

// SetDefaults applies the default configuration values to a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())

	v.SetDefault("queue.workers", 1)
	v.SetDefault("queue.poll_interval_seconds", 5)
	v.SetDefault("queue.lease_timeout_seconds", 300)
	v.SetDefault("queue.sweep_interval_seconds", 60)
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.claim_rate_per_second", 0.0)
}
