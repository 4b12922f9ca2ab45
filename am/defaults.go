package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "warden.db")

	v.SetDefault("pulse.workers", 4)
	v.SetDefault("pulse.ticker_interval_ms", 1000)
	v.SetDefault("pulse.node_id", "")
	v.SetDefault("pulse.claim_ttl_seconds", 300)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)

	v.SetDefault("maintenance.backup_dir", "backups")
	v.SetDefault("maintenance.drain_timeout_seconds", 10)
	v.SetDefault("maintenance.force_drain_timeout_seconds", 1)
	v.SetDefault("maintenance.backup_retention", 5)
	v.SetDefault("maintenance.backup_schedule", "")

	v.SetDefault("metrics.addr", "")
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// defaults always unmarshal
		panic(err)
	}
	return cfg
}
