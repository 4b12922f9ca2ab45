package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/teranos/warden/cmd/warden/commands"
	"github.com/teranos/warden/logger"
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - job scheduler and database maintenance",
	Long: `warden - job scheduling and database maintenance over a shared SQLite file.

Available commands:
  am      - Manage warden configuration ("I am")
  pulse   - Run the scheduler daemon and preview schedules
  jobs    - Inspect and remove scheduled jobs
  db      - Back up, restore and migrate the database
  version - Show build information

Examples:
  warden am show               # Show current configuration
  warden pulse start           # Start the scheduler daemon
  warden pulse next --cron "0 3 * * *"
  warden jobs ls               # List scheduled jobs
  warden db backup             # Latch the database and write an archive`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// am show prints config to stdout; keep it clean
		if cmd.Name() == "show" {
			return nil
		}
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		logger.SetVerbosity(verbosity)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")
	rootCmd.PersistentFlags().String("db", "", "Database path (overrides database.path)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
