package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/warden/am"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/maintenance"
	"github.com/teranos/warden/pulse"
	"github.com/teranos/warden/pulse/metrics"
	"github.com/teranos/warden/pulse/schedule"
	"github.com/teranos/warden/sym"
)

// ScheduledBackupJobID is the job maintenance.backup_schedule maintains.
const ScheduledBackupJobID schedule.JobID = "maintenance.backup.scheduled"

var (
	nextCron     string
	nextInterval time.Duration
	nextAt       string
	nextCount    int
)

// PulseCmd represents the pulse command
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run the scheduler (" + sym.Pulse + ")",
	Long: `Pulse fires scheduled jobs on a bounded worker pool.

Cluster jobs fire on exactly one node per occurrence. Local jobs fire on
every node that has their runner registered.`,
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler daemon",
	Long: `Start the scheduler daemon in the foreground.

The daemon registers the maintenance runners, keeps the scheduled backup
job in line with maintenance.backup_schedule, reloads configuration on
change, and serves Prometheus metrics when metrics.addr is set.

Stop with Ctrl+C or SIGTERM; running jobs get pulse.shutdown_timeout_seconds
to finish.`,
	RunE: runPulseStart,
}

var pulseNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Preview when a schedule would fire",
	Example: `  warden pulse next --cron "0 3 * * *"
  warden pulse next --cron "CRON_TZ=Europe/Amsterdam 30 9 * * MON-FRI" -n 3
  warden pulse next --interval 90m
  warden pulse next --at 2026-12-31T23:59:00Z`,
	RunE: runPulseNext,
}

func init() {
	pulseNextCmd.Flags().StringVar(&nextCron, "cron", "", "Cron expression")
	pulseNextCmd.Flags().DurationVar(&nextInterval, "interval", 0, "Fixed interval")
	pulseNextCmd.Flags().StringVar(&nextAt, "at", "", "Single run time (RFC3339)")
	pulseNextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "Number of fire times to show")
	pulseNextCmd.MarkFlagsMutuallyExclusive("cron", "interval", "at")
	pulseNextCmd.MarkFlagsOneRequired("cron", "interval", "at")

	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseNextCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	var (
		collector *metrics.Collector
		srv       *http.Server
	)
	if addr := e.cfg.Metrics.Addr; addr != "" {
		reg := prometheus.NewRegistry()
		collector, err = metrics.NewCollector(reg)
		if err != nil {
			return err
		}
		srv = &http.Server{Addr: addr, Handler: metrics.Handler(reg), ReadHeaderTimeout: 5 * time.Second}
	}

	sched := e.scheduler(pulse.WithMetrics(collector))
	svc, err := e.maintenance(collector)
	if err != nil {
		return err
	}
	sched.RegisterJobRunner(maintenance.BackupRunnerKey, maintenance.NewBackupRunner(svc))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := syncBackupSchedule(ctx, sched, e.cfg); err != nil {
		return err
	}

	if path := am.ActiveConfigFile(); path != "" {
		watcher, err := am.NewConfigWatcher(path, e.log)
		if err != nil {
			e.log.Warnw("Config hot reload disabled", "path", path, "error", err)
		} else {
			watcher.OnReload(func(cfg *am.Config) error {
				return errors.CombineErrors(
					svc.UpdateConfig(maintenanceConfig(cfg)),
					syncBackupSchedule(ctx, sched, cfg))
			})
			watcher.Start()
			am.SetGlobalWatcher(watcher)
			defer watcher.Stop()
		}
	}

	fmt.Printf("%s Pulse daemon starting (node %s)\n", sym.PulseOpen, sched.NodeID())
	if srv != nil {
		fmt.Printf("   Metrics: http://%s/metrics\n", srv.Addr)
	}
	fmt.Println("   Press Ctrl+C to stop")

	g, gctx := errgroup.WithContext(ctx)
	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		fmt.Printf("\n%s Stopping pulse daemon...\n", sym.PulseClose)
		// a running maintenance task stops first so its job can report
		svc.Cancel()
		sched.Shutdown()
		return nil
	})
	if srv != nil {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "metrics server on %s", srv.Addr)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s Pulse daemon stopped\n", sym.PulseClose)
	return nil
}

// syncBackupSchedule makes the scheduled backup job match cfg. An empty
// backup_schedule removes it.
func syncBackupSchedule(ctx context.Context, sched *pulse.Scheduler, cfg *am.Config) error {
	expr := cfg.Maintenance.BackupSchedule
	if expr == "" {
		return sched.UnscheduleJob(ctx, ScheduledBackupJobID)
	}
	jc := schedule.NewJobConfig(maintenance.BackupRunnerKey, schedule.Cron(expr)).
		WithRunMode(schedule.RunOncePerCluster)

	current, err := sched.GetJobDetails(ctx, ScheduledBackupJobID)
	if err != nil {
		return err
	}
	if current != nil && current.Config.Equal(jc) {
		return nil
	}
	if err := sched.ScheduleJob(ctx, ScheduledBackupJobID, jc); err != nil {
		return errors.Wrap(err, "schedule backups")
	}
	logger.Infow("Scheduled backups", "schedule", expr)
	return nil
}

func runPulseNext(cmd *cobra.Command, args []string) error {
	s, err := scheduleFromFlags()
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if nextCount <= 0 {
		return errors.NewInvalidRequestError("--count must be positive")
	}

	now := time.Now()
	rows := pterm.TableData{{"#", "UTC", "LOCAL", "IN"}}
	var prev time.Time
	for i := 0; i < nextCount; i++ {
		next, ok, err := s.NextRunTime(prev, now)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rows = append(rows, []string{
			fmt.Sprint(i + 1),
			next.UTC().Format(time.RFC3339),
			next.Local().Format("Mon 2006-01-02 15:04:05"),
			next.Sub(time.Now()).Round(time.Second).String(),
		})
		prev, now = next, next
	}

	pterm.Info.Printfln("%s", s)
	if len(rows) == 1 {
		pterm.Warning.Println("Schedule never fires again")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func scheduleFromFlags() (schedule.Schedule, error) {
	switch {
	case nextCron != "":
		return schedule.Cron(nextCron), nil
	case nextInterval != 0:
		return schedule.NewInterval(nextInterval, time.Time{})
	default:
		at, err := time.Parse(time.RFC3339, nextAt)
		if err != nil {
			return schedule.Schedule{}, errors.WithHint(
				errors.NewInvalidRequestError("invalid --at %q", nextAt),
				"use RFC3339, e.g. 2026-12-31T23:59:00Z")
		}
		return schedule.Once(at), nil
	}
}
