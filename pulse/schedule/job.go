// Package schedule holds the scheduler's value types (JobConfig, Schedule,
// RunMode) and their SQLite persistence, including cluster claims.
package schedule

import (
	"maps"
	"strings"
	"time"

	"github.com/teranos/warden/errors"
)

// JobID identifies one scheduled job.
type JobID string

// JobRunnerKey identifies the code that executes a job. Many jobs may share one key.
type JobRunnerKey string

// RunMode decides which nodes fire a job.
type RunMode int

const (
	// RunOncePerCluster: exactly one node claims each occurrence.
	RunOncePerCluster RunMode = iota
	// RunLocally: every node fires the job independently.
	RunLocally
)

func (m RunMode) String() string {
	switch m {
	case RunOncePerCluster:
		return "cluster"
	case RunLocally:
		return "local"
	default:
		return "unknown"
	}
}

// ParseRunMode is the inverse of RunMode.String.
func ParseRunMode(s string) (RunMode, error) {
	switch s {
	case "cluster":
		return RunOncePerCluster, nil
	case "local":
		return RunLocally, nil
	default:
		return 0, errors.NewInvalidRequestError("unknown run mode %q", s)
	}
}

// JobConfig is what a job runs and when. It is immutable: the With*
// methods return modified copies.
type JobConfig struct {
	runnerKey  JobRunnerKey
	schedule   Schedule
	runMode    RunMode
	parameters map[string]string
}

// NewJobConfig returns a cluster-wide config without parameters.
func NewJobConfig(key JobRunnerKey, s Schedule) JobConfig {
	return JobConfig{runnerKey: key, schedule: s, runMode: RunOncePerCluster}
}

// WithRunMode returns a copy using mode.
func (c JobConfig) WithRunMode(mode RunMode) JobConfig {
	c.runMode = mode
	return c
}

// WithParameters returns a copy carrying a private copy of params.
func (c JobConfig) WithParameters(params map[string]string) JobConfig {
	if len(params) == 0 {
		c.parameters = nil
		return c
	}
	c.parameters = maps.Clone(params)
	return c
}

func (c JobConfig) RunnerKey() JobRunnerKey { return c.runnerKey }
func (c JobConfig) Schedule() Schedule { return c.schedule }
func (c JobConfig) RunMode() RunMode { return c.runMode }

// Parameters returns a copy of the parameters.
func (c JobConfig) Parameters() map[string]string {
	if len(c.parameters) == 0 {
		return map[string]string{}
	}
	return maps.Clone(c.parameters)
}

// Parameter looks up one parameter.
func (c JobConfig) Parameter(name string) (string, bool) {
	v, ok := c.parameters[name]
	return v, ok
}

// Validate checks the runner key, schedule and run mode.
func (c JobConfig) Validate() error {
	if strings.TrimSpace(string(c.runnerKey)) == "" {
		return errors.NewInvalidRequestError("job runner key is required")
	}
	if c.runMode != RunOncePerCluster && c.runMode != RunLocally {
		return errors.NewInvalidRequestError("unknown run mode %d", int(c.runMode))
	}
	return c.schedule.Validate()
}

// Equal reports whether two configs are interchangeable.
func (c JobConfig) Equal(other JobConfig) bool {
	return c.runnerKey == other.runnerKey &&
		c.schedule.Equal(other.schedule) &&
		c.runMode == other.runMode &&
		maps.Equal(c.parameters, other.parameters)
}

// JobDetails is the scheduler's view of one job.
type JobDetails struct {
	JobID     JobID
	Config    JobConfig
	NextRunAt *time.Time // nil when the job will not fire again
	LastRunAt *time.Time
	// Runnable is true when this node has a runner registered for the key.
	Runnable bool
}
