package am

import (
	"github.com/robfig/cron/v3"

	"github.com/teranos/warden/errors"
)

// Validate checks that the configuration is valid. Zero means zero: a zero
// retention keeps everything, a zero drain timeout does not wait; negative
// values are always rejected.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.NewInvalidRequestError("database.path cannot be empty")
	}

	if c.Pulse.Workers < 1 {
		return errors.NewInvalidRequestError("pulse.workers must be >= 1, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalMS <= 0 {
		return errors.NewInvalidRequestError("pulse.ticker_interval_ms must be > 0, got %d", c.Pulse.TickerIntervalMS)
	}
	if c.Pulse.ClaimTTLSeconds <= 0 {
		return errors.NewInvalidRequestError("pulse.claim_ttl_seconds must be > 0, got %d", c.Pulse.ClaimTTLSeconds)
	}
	if c.Pulse.ShutdownTimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("pulse.shutdown_timeout_seconds must be >= 0, got %d", c.Pulse.ShutdownTimeoutSeconds)
	}

	if c.Maintenance.BackupDir == "" {
		return errors.NewInvalidRequestError("maintenance.backup_dir cannot be empty")
	}
	if c.Maintenance.DrainTimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("maintenance.drain_timeout_seconds must be >= 0, got %d", c.Maintenance.DrainTimeoutSeconds)
	}
	if c.Maintenance.ForceDrainTimeoutSeconds < 0 {
		return errors.NewInvalidRequestError("maintenance.force_drain_timeout_seconds must be >= 0, got %d", c.Maintenance.ForceDrainTimeoutSeconds)
	}
	if c.Maintenance.BackupRetention < 0 {
		return errors.NewInvalidRequestError("maintenance.backup_retention must be >= 0, got %d", c.Maintenance.BackupRetention)
	}
	if expr := c.Maintenance.BackupSchedule; expr != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(expr); err != nil {
			return errors.WithHint(
				errors.Mark(errors.Wrapf(err, "maintenance.backup_schedule %q", expr), errors.ErrInvalidRequest),
				"use a cron expression such as \"0 3 * * *\" or a descriptor such as \"@daily\"")
		}
	}
	return nil
}
