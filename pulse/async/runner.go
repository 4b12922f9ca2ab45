// Package async runs fired jobs: the runner contract, the registry of
// runners by key, the tracker of running jobs and the bounded worker pool.
package async

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/warden/internal/util"
	"github.com/teranos/warden/pulse/schedule"
)

// MaxMessageLength bounds JobRunnerResponse messages.
const MaxMessageLength = 255

// Outcome of one job execution.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailed
	OutcomeAborted
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// JobRunnerResponse is the result of a job. A nil response means success.
type JobRunnerResponse struct {
	Outcome Outcome
	Message string
}

func newResponse(o Outcome, msg string) *JobRunnerResponse {
	return &JobRunnerResponse{Outcome: o, Message: util.Truncate(msg, MaxMessageLength)}
}

// Success reports a completed job.
func Success(msg string) *JobRunnerResponse { return newResponse(OutcomeSuccess, msg) }

// Failed reports a job that could not complete.
func Failed(msg string) *JobRunnerResponse { return newResponse(OutcomeFailed, msg) }

// FailedWithError reports a failure described by err's cause chain.
func FailedWithError(err error) *JobRunnerResponse {
	return newResponse(OutcomeFailed, AbbreviateError(err, MaxMessageLength))
}

// Aborted reports a job that stopped early, usually on cancellation.
// The message should say why.
func Aborted(msg string) *JobRunnerResponse { return newResponse(OutcomeAborted, msg) }

// Unavailable reports a job that could not be run at all on this node.
func Unavailable(msg string) *JobRunnerResponse { return newResponse(OutcomeUnavailable, msg) }

func (r *JobRunnerResponse) String() string {
	if r.Message == "" {
		return r.Outcome.String()
	}
	return r.Outcome.String() + ": " + r.Message
}

// JobRunnerRequest is what a runner receives for one execution.
type JobRunnerRequest struct {
	StartTime time.Time
	JobID     schedule.JobID
	Config    schedule.JobConfig

	running *RunningJob
}

// IsCancellationRequested reports whether the runner should wrap up and
// return Aborted. Runners poll it at safe points; nothing interrupts them.
func (r *JobRunnerRequest) IsCancellationRequested() bool {
	return r.running != nil && r.running.IsCancellationRequested()
}

// JobRunner executes jobs for one JobRunnerKey.
//
// Returning an error (or panicking) is reported as OutcomeFailed with an
// abbreviated description of the error chain.
type JobRunner interface {
	RunJob(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error)

func (f JobRunnerFunc) RunJob(ctx context.Context, req *JobRunnerRequest) (*JobRunnerResponse, error) {
	return f(ctx, req)
}
