package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/maintenance"
	"github.com/teranos/warden/pulse"
	"github.com/teranos/warden/sym"
)

var (
	migrateTarget string
	quietProgress bool
)

// DbCmd represents the db command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Back up, restore and migrate the database (" + sym.DB + ")",
	Long: `Maintenance operations latch the database, drain its users and
hold it exclusively until they finish.

Run them against a database no daemon is using, or schedule backups
through maintenance.backup_schedule so the daemon runs them itself.`,
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write an archive of the database to the backup directory",
	Args:  cobra.NoArgs,
	RunE:  runDbBackup,
}

var dbRestoreCmd = &cobra.Command{
	Use:   "restore <archive>",
	Short: "Replace the database with the contents of an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runDbRestore,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate --to <path>",
	Short: "Copy the database to a new file and switch to it",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbArchivesCmd = &cobra.Command{
	Use:   "archives",
	Short: "List archives in the backup directory, newest first",
	Args:  cobra.NoArgs,
	RunE:  runDbArchives,
}

var dbSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the tables and columns of the database",
	Args:  cobra.NoArgs,
	RunE:  runDbSchema,
}

func init() {
	dbMigrateCmd.Flags().StringVar(&migrateTarget, "to", "", "Path of the new database file")
	_ = dbMigrateCmd.MarkFlagRequired("to")
	for _, c := range []*cobra.Command{dbBackupCmd, dbRestoreCmd, dbMigrateCmd} {
		c.Flags().BoolVarP(&quietProgress, "quiet", "q", false, "Do not show a progress bar")
	}

	DbCmd.AddCommand(dbBackupCmd)
	DbCmd.AddCommand(dbRestoreCmd)
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbArchivesCmd)
	DbCmd.AddCommand(dbSchemaCmd)
}

// withService opens the stack, runs fn with a context cancelled on
// SIGINT/SIGTERM, and closes everything afterwards.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *maintenance.Service) error) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	svc, err := e.maintenance(nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, svc)
}

func runDbBackup(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *maintenance.Service) error {
		bar := newProgressBar("Backup")
		path, err := svc.Backup(ctx, bar.option())
		bar.stop()
		if err != nil {
			return reportTaskError("Backup", err)
		}
		pterm.Success.Printfln("Archive written to %s", path)
		return nil
	})
}

func runDbRestore(cmd *cobra.Command, args []string) error {
	archive, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	return withService(cmd, func(ctx context.Context, svc *maintenance.Service) error {
		bar := newProgressBar("Restore")
		err := svc.Restore(ctx, archive, bar.option())
		bar.stop()
		if err != nil {
			return reportTaskError("Restore", err)
		}
		pterm.Success.Printfln("Database restored from %s", archive)
		return nil
	})
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(migrateTarget)
	if err != nil {
		return err
	}
	return withService(cmd, func(ctx context.Context, svc *maintenance.Service) error {
		bar := newProgressBar("Migrate")
		err := svc.Migrate(ctx, target, bar.option())
		bar.stop()
		if err != nil {
			return reportTaskError("Migration", err)
		}
		pterm.Success.Printfln("Database migrated to %s", target)
		pterm.Info.Printfln("Set database.path = %q to keep using it", target)
		return nil
	})
}

func runDbArchives(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *maintenance.Service) error {
		archives, err := svc.Archives()
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			pterm.Info.Printfln("No archives in %s", svc.Config().BackupDir)
			return nil
		}
		rows := pterm.TableData{{"ARCHIVE", "SIZE"}}
		for _, a := range archives {
			size := "-"
			if fi, err := os.Stat(a); err == nil {
				size = fmt.Sprintf("%.1f KiB", float64(fi.Size())/1024)
			}
			rows = append(rows, []string{a, size})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runDbSchema(cmd *cobra.Command, args []string) error {
	return withService(cmd, func(ctx context.Context, svc *maintenance.Service) error {
		s, err := svc.Schema(ctx)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"TABLE", "COLUMNS"}}
		for _, t := range s.Tables {
			rows = append(rows, []string{t.Name, strings.Join(t.Columns, ", ")})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func reportTaskError(what string, err error) error {
	switch {
	case maintenance.IsCanceled(err):
		pterm.Warning.Printfln("%s canceled", what)
		return nil
	case errors.Is(err, maintenance.ErrTaskRunning):
		return errors.WithHint(err, "wait for the running task to finish")
	}
	for _, hint := range errors.GetAllHints(err) {
		pterm.Info.Println(hint)
	}
	return errors.Wrapf(err, "%s failed", strings.ToLower(what))
}

// progressBar renders task progress. It is fed from the service's poll
// goroutine and the final report after the task ends.
type progressBar struct {
	mu   sync.Mutex
	bar  *pterm.ProgressbarPrinter
	last int
	msg  string
}

func newProgressBar(title string) *progressBar {
	if quietProgress {
		return &progressBar{}
	}
	bar, err := pterm.DefaultProgressbar.WithTotal(100).WithTitle(title).Start()
	if err != nil {
		return &progressBar{}
	}
	return &progressBar{bar: bar}
}

func (p *progressBar) option() maintenance.RunOption {
	return maintenance.WithProgress(p.update)
}

func (p *progressBar) update(pr pulse.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		return
	}
	if pr.Message != "" && pr.Message != p.msg {
		p.msg = pr.Message
		p.bar.UpdateTitle(pr.Message)
	}
	if delta := pr.Percentage - p.last; delta > 0 {
		p.bar.Add(delta)
		p.last = pr.Percentage
	}
}

func (p *progressBar) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
}
