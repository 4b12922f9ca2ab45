// Package am loads warden's configuration ("am" as in "I am configured
// like this") from TOML files and WARDEN_* environment variables.
package am

import "time"

// Config is the complete warden configuration.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database" toml:"database" yaml:"database"`
	Pulse       PulseConfig       `mapstructure:"pulse" toml:"pulse" yaml:"pulse"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" toml:"maintenance" yaml:"maintenance"`
	Metrics     MetricsConfig     `mapstructure:"metrics" toml:"metrics" yaml:"metrics"`
}

// DatabaseConfig points at the SQLite file shared by the scheduler and
// maintenance operations.
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" yaml:"path"`
}

// PulseConfig configures the scheduler.
type PulseConfig struct {
	Workers                int    `mapstructure:"workers" toml:"workers" yaml:"workers"`                                  // concurrent job executions (default: 4)
	TickerIntervalMS       int    `mapstructure:"ticker_interval_ms" toml:"ticker_interval_ms" yaml:"ticker_interval_ms"` // how often due jobs are checked (default: 1000)
	NodeID                 string `mapstructure:"node_id" toml:"node_id" yaml:"node_id"`                                  // empty = hostname plus a random suffix
	ClaimTTLSeconds        int    `mapstructure:"claim_ttl_seconds" toml:"claim_ttl_seconds" yaml:"claim_ttl_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// TickInterval is TickerIntervalMS as a duration.
func (p PulseConfig) TickInterval() time.Duration {
	return time.Duration(p.TickerIntervalMS) * time.Millisecond
}

// ClaimTTL is how long a cluster claim lasts without renewal.
func (p PulseConfig) ClaimTTL() time.Duration {
	return time.Duration(p.ClaimTTLSeconds) * time.Second
}

// ShutdownTimeout bounds how long shutdown waits for running jobs.
func (p PulseConfig) ShutdownTimeout() time.Duration {
	return time.Duration(p.ShutdownTimeoutSeconds) * time.Second
}

// MaintenanceConfig configures backup, restore and migration.
type MaintenanceConfig struct {
	BackupDir                string `mapstructure:"backup_dir" toml:"backup_dir" yaml:"backup_dir"`
	DrainTimeoutSeconds      int    `mapstructure:"drain_timeout_seconds" toml:"drain_timeout_seconds" yaml:"drain_timeout_seconds"`
	ForceDrainTimeoutSeconds int    `mapstructure:"force_drain_timeout_seconds" toml:"force_drain_timeout_seconds" yaml:"force_drain_timeout_seconds"`
	BackupRetention          int    `mapstructure:"backup_retention" toml:"backup_retention" yaml:"backup_retention"` // 0 = keep every archive
	BackupSchedule           string `mapstructure:"backup_schedule" toml:"backup_schedule" yaml:"backup_schedule"`    // cron expression, empty = no scheduled backups
}

// DrainTimeout is how long a drain waits for leases to be released.
func (m MaintenanceConfig) DrainTimeout() time.Duration {
	return time.Duration(m.DrainTimeoutSeconds) * time.Second
}

// ForceDrainTimeout is how long a forced drain waits after interrupting.
func (m MaintenanceConfig) ForceDrainTimeout() time.Duration {
	return time.Duration(m.ForceDrainTimeoutSeconds) * time.Second
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" toml:"addr" yaml:"addr"` // empty = disabled
}

// File and directory permissions
const (
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
)

// EnvPrefix prefixes environment overrides: WARDEN_PULSE_WORKERS=8.
const EnvPrefix = "WARDEN"
