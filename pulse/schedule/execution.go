package schedule

import "time"

// Execution is one fired occurrence of a job on one node.
// Rows outlive the job so history survives an unschedule.
type Execution struct {
	ID        string
	JobID     JobID
	RunnerKey JobRunnerKey
	NodeID    string
	// Manual is set for runs triggered through RunJobNow.
	Manual bool

	StartedAt  time.Time
	FinishedAt *time.Time
	DurationMS *int64

	// Outcome and Message mirror the runner response; empty while running.
	Outcome string
	Message string
}

// Running reports whether the execution has not finished yet.
func (e *Execution) Running() bool {
	return e.FinishedAt == nil
}
