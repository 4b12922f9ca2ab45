package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/warden/internal/util"
	"github.com/teranos/warden/maintenance"
	"github.com/teranos/warden/pulse/async"
	"github.com/teranos/warden/pulse/schedule"
)

var (
	jobsOutput   string
	historyLimit int
)

// JobsCmd represents the jobs command
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and remove scheduled jobs",
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List scheduled jobs",
	RunE:  runJobsLs,
}

var jobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Unschedule a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRm,
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show recent executions of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsHistory,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job now in this process, ignoring its schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRun,
}

func init() {
	jobsLsCmd.Flags().StringVarP(&jobsOutput, "output", "o", "table", "Output format (table, yaml, json)")
	jobsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of executions to show")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsRmCmd)
	JobsCmd.AddCommand(jobsHistoryCmd)
	JobsCmd.AddCommand(jobsRunCmd)
}

// jobView is the serialised form of a job for yaml/json output.
type jobView struct {
	ID         string            `json:"id" yaml:"id"`
	RunnerKey  string            `json:"runner_key" yaml:"runner_key"`
	Schedule   string            `json:"schedule" yaml:"schedule"`
	RunMode    string            `json:"run_mode" yaml:"run_mode"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	NextRunAt  *time.Time        `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	LastRunAt  *time.Time        `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	Runnable   bool              `json:"runnable" yaml:"runnable"`
}

func newJobView(d schedule.JobDetails) jobView {
	return jobView{
		ID:         string(d.JobID),
		RunnerKey:  string(d.Config.RunnerKey()),
		Schedule:   d.Config.Schedule().String(),
		RunMode:    d.Config.RunMode().String(),
		Parameters: d.Config.Parameters(),
		NextRunAt:  d.NextRunAt,
		LastRunAt:  d.LastRunAt,
		Runnable:   d.Runnable,
	}
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	jobs, err := e.scheduler().ListJobs(cmd.Context())
	if err != nil {
		return err
	}
	views := make([]jobView, 0, len(jobs))
	for _, d := range jobs {
		views = append(views, newJobView(d))
	}

	switch jobsOutput {
	case "yaml":
		data, err := yaml.Marshal(views)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	case "json":
		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	case "table":
	default:
		return fmt.Errorf("unsupported output: %s (supported: table, yaml, json)", jobsOutput)
	}

	if len(views) == 0 {
		pterm.Info.Println("No jobs scheduled")
		return nil
	}
	rows := pterm.TableData{{"ID", "RUNNER", "SCHEDULE", "MODE", "NEXT RUN", "LAST RUN"}}
	for _, v := range views {
		rows = append(rows, []string{v.ID, v.RunnerKey, v.Schedule, v.RunMode, formatTime(v.NextRunAt), formatTime(v.LastRunAt)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsRm(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	id := schedule.JobID(args[0])
	sched := e.scheduler()
	details, err := sched.GetJobDetails(cmd.Context(), id)
	if err != nil {
		return err
	}
	if details == nil {
		pterm.Warning.Printfln("Job %s is not scheduled", id)
		return nil
	}
	if err := sched.UnscheduleJob(cmd.Context(), id); err != nil {
		return err
	}
	pterm.Success.Printfln("Unscheduled %s", id)
	return nil
}

func runJobsHistory(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	execs, err := e.scheduler().ExecutionHistory(cmd.Context(), schedule.JobID(args[0]), historyLimit)
	if err != nil {
		return err
	}
	if len(execs) == 0 {
		pterm.Info.Printfln("No executions recorded for %s", args[0])
		return nil
	}

	rows := pterm.TableData{{"STARTED", "NODE", "DURATION", "OUTCOME", "MESSAGE"}}
	for _, x := range execs {
		duration, outcome := "-", x.Outcome
		if x.DurationMS != nil {
			duration = (time.Duration(*x.DurationMS) * time.Millisecond).String()
		}
		if x.Running() {
			outcome = "running"
		}
		if x.Manual {
			outcome += " (manual)"
		}
		rows = append(rows, []string{formatTime(&x.StartedAt), x.NodeID, duration, outcome, util.Truncate(x.Message, 60)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runJobsRun(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	sched := e.scheduler()
	defer sched.Shutdown()
	svc, err := e.maintenance(nil)
	if err != nil {
		return err
	}
	sched.RegisterJobRunner(maintenance.BackupRunnerKey, maintenance.NewBackupRunner(svc))

	resp, err := sched.RunJobNow(cmd.Context(), schedule.JobID(args[0]))
	if err != nil {
		return err
	}
	if resp.Outcome != async.OutcomeSuccess {
		return fmt.Errorf("job %s: %s", args[0], resp)
	}
	pterm.Success.Printfln("%s: %s", args[0], resp.Message)
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
