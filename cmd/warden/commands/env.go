package commands

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/warden/am"
	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/maintenance"
	"github.com/teranos/warden/pulse"
	"github.com/teranos/warden/pulse/metrics"
)

// env is the database stack shared by the commands that touch it.
type env struct {
	cfg  *am.Config
	gate *latch.Gate
	log  *zap.SugaredLogger
}

// openEnv loads configuration and opens the gate over the database.
// The --db flag wins over database.path.
func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	path := cfg.Database.Path
	if flag, _ := cmd.Flags().GetString("db"); flag != "" {
		path = flag
	}
	if path == "" {
		path = "warden.db"
	}

	log := logger.Logger
	handle, err := db.OpenHandle(path, log)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return &env{cfg: cfg, gate: latch.NewGate(handle, log), log: log}, nil
}

func (e *env) scheduler(opts ...pulse.Option) *pulse.Scheduler {
	return pulse.NewScheduler(e.gate, schedulerConfig(e.cfg), e.log, opts...)
}

func (e *env) maintenance(m *metrics.Collector) (*maintenance.Service, error) {
	var opts []maintenance.Option
	if m != nil {
		opts = append(opts, maintenance.WithMetrics(m))
	}
	return maintenance.NewService(e.gate, maintenanceConfig(e.cfg), e.log, opts...)
}

func (e *env) Close() error {
	return e.gate.Close()
}

func schedulerConfig(cfg *am.Config) pulse.Config {
	return pulse.Config{
		NodeID:          cfg.Pulse.NodeID,
		Workers:         cfg.Pulse.Workers,
		TickInterval:    cfg.Pulse.TickInterval(),
		ClaimTTL:        cfg.Pulse.ClaimTTL(),
		ShutdownTimeout: cfg.Pulse.ShutdownTimeout(),
	}
}

func maintenanceConfig(cfg *am.Config) maintenance.Config {
	return maintenance.Config{
		BackupDir:         cfg.Maintenance.BackupDir,
		DrainTimeout:      cfg.Maintenance.DrainTimeout(),
		ForceDrainTimeout: cfg.Maintenance.ForceDrainTimeout(),
		Retention:         cfg.Maintenance.BackupRetention,
	}
}
