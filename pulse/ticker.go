package pulse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
	"github.com/teranos/warden/pulse/async"
	"github.com/teranos/warden/pulse/schedule"
	"github.com/teranos/warden/sym"
)

// run is the main ticker loop
func (s *Scheduler) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires everything due at now. Database work happens under one lease,
// which is released before jobs are handed to the pool: a job may latch the
// database itself.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	var fires []async.FireRequest
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		store := schedule.NewStore(db)
		s.renewClaims(ctx, store, now)

		local, err := s.dueLocal(ctx, store, now)
		if err != nil {
			return err
		}
		// claims won before an error must still fire
		cluster, err := s.claimDue(ctx, store, now)
		fires = append(local, cluster...)
		if err != nil {
			return err
		}

		s.logNextJobInfo(ctx, store, now)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		s.pulseLog.Warnw("Pulse tick error", logger.FieldError, err)
	}

	for _, req := range fires {
		if s.pool.Submit(req) {
			continue
		}
		if req.Config.RunMode() == schedule.RunOncePerCluster {
			s.releaseClaim(req.JobID)
		}
	}
	s.metrics.SetJobsRunning(s.tracker.Len())
}

// dueLocal syncs the per-node schedule of RunLocally jobs with the store and
// returns the ones due. A job this node has not armed yet (after a restart,
// or whose config was replaced elsewhere) resumes from the last run this
// node recorded for its current generation.
func (s *Scheduler) dueLocal(ctx context.Context, store *schedule.Store, now time.Time) ([]async.FireRequest, error) {
	recs, err := store.ListLocal(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := store.LocalRuns(ctx, s.node)
	if err != nil {
		return nil, err
	}

	type due struct {
		id         schedule.JobID
		config     schedule.JobConfig
		generation int64
		occurrence time.Time
		next       time.Time
	}
	var pending []due

	s.mu.Lock()
	seen := make(map[schedule.JobID]bool, len(recs))
	for _, rec := range recs {
		seen[rec.ID] = true
		lj, ok := s.local[rec.ID]
		if !ok || lj.generation != rec.Generation {
			next, err := nextLocalRun(rec.Config, lastLocalRun(rec, runs), now)
			if err != nil {
				s.pulseLog.Warnw("Cannot compute next run", logger.FieldJobID, rec.ID, logger.FieldError, err)
				continue
			}
			lj = &localJob{generation: rec.Generation, config: rec.Config, next: next}
			s.local[rec.ID] = lj
		}

		if lj.next.IsZero() || lj.next.After(now) || s.tracker.IsRunning(rec.ID) {
			continue
		}
		next, err := nextLocalRun(lj.config, lj.next, now)
		if err != nil {
			s.pulseLog.Warnw("Cannot compute next run", logger.FieldJobID, rec.ID, logger.FieldError, err)
			continue
		}
		pending = append(pending, due{id: rec.ID, config: lj.config, generation: lj.generation, occurrence: lj.next, next: next})
	}
	for id := range s.local {
		if !seen[id] {
			delete(s.local, id)
		}
	}
	s.mu.Unlock()

	// an occurrence fires only once its run is recorded; a failed write is
	// retried on the next tick
	var fires []async.FireRequest
	for _, d := range pending {
		if err := store.RecordLocalRun(ctx, d.id, s.node, d.generation, d.occurrence); err != nil {
			s.pulseLog.Warnw("Failed to record local run", logger.FieldJobID, d.id, logger.FieldError, err)
			continue
		}
		s.mu.Lock()
		if lj, ok := s.local[d.id]; ok && lj.generation == d.generation && lj.next.Equal(d.occurrence) {
			lj.next = d.next
		}
		s.mu.Unlock()
		fires = append(fires, s.fireRequest(d.id, d.config, false))
	}
	return fires, nil
}

// lastLocalRun is this node's last run of rec under its current generation,
// or zero when it has not run since it was scheduled.
func lastLocalRun(rec *schedule.Record, runs map[schedule.JobID]schedule.LocalRun) time.Time {
	if r, ok := runs[rec.ID]; ok && r.Generation == rec.Generation {
		return r.LastRunAt
	}
	return time.Time{}
}

// nextLocalRun is the occurrence after prev, or zero when the schedule is
// exhausted.
func nextLocalRun(cfg schedule.JobConfig, prev, now time.Time) (time.Time, error) {
	next, ok, err := cfg.Schedule().NextRunTime(prev, now)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return next, nil
}

// claimDue claims due cluster jobs this node can run. Jobs whose runner is
// not registered here are left for a node that has it.
func (s *Scheduler) claimDue(ctx context.Context, store *schedule.Store, now time.Time) ([]async.FireRequest, error) {
	recs, err := store.ListDueCluster(ctx, now)
	if err != nil {
		return nil, err
	}

	var fires []async.FireRequest
	for _, rec := range recs {
		if !s.registry.Has(rec.Config.RunnerKey()) || s.tracker.IsRunning(rec.ID) {
			continue
		}
		occurrence := *rec.NextRunAt
		next, ok, err := rec.Config.Schedule().NextRunTime(occurrence, now)
		if err != nil {
			s.pulseLog.Warnw("Cannot compute next run", logger.FieldJobID, rec.ID, logger.FieldError, err)
			continue
		}
		var nextPtr *time.Time
		if ok {
			nextPtr = &next
		}

		won, err := store.Claim(ctx, rec, occurrence, nextPtr, s.node, now.Add(s.cfg.ClaimTTL), now)
		if err != nil {
			return fires, err
		}
		if !won {
			s.pulseLog.Debugw("Occurrence claimed by another node", logger.FieldJobID, rec.ID)
			continue
		}
		s.mu.Lock()
		s.claims[rec.ID] = now
		s.mu.Unlock()
		fires = append(fires, s.fireRequest(rec.ID, rec.Config, false))
	}
	return fires, nil
}

// renewClaims extends the claims of cluster jobs still running here once a
// third of their TTL has passed.
func (s *Scheduler) renewClaims(ctx context.Context, store *schedule.Store, now time.Time) {
	s.mu.Lock()
	var due []schedule.JobID
	for id, renewed := range s.claims {
		if now.Sub(renewed) >= s.cfg.ClaimTTL/3 {
			due = append(due, id)
		}
	}
	s.mu.Unlock()

	for _, id := range due {
		ok, err := store.RenewClaim(ctx, id, s.node, now.Add(s.cfg.ClaimTTL))
		if err != nil {
			s.pulseLog.Warnw("Failed to renew claim", logger.FieldJobID, id, logger.FieldError, err)
			continue
		}
		s.mu.Lock()
		if ok {
			s.claims[id] = now
		} else {
			delete(s.claims, id)
		}
		s.mu.Unlock()
		if !ok {
			s.pulseLog.Warnw("Claim lost while job still running", logger.FieldJobID, id)
		}
	}
}

// fireRequest wires one execution to the history table, the claim
// bookkeeping and the metrics.
func (s *Scheduler) fireRequest(id schedule.JobID, cfg schedule.JobConfig, manual bool) async.FireRequest {
	exec := &schedule.Execution{
		ID:        uuid.NewString(),
		JobID:     id,
		RunnerKey: cfg.RunnerKey(),
		NodeID:    s.node,
		Manual:    manual,
	}
	recorded := false
	claimed := !manual && cfg.RunMode() == schedule.RunOncePerCluster

	return async.FireRequest{
		JobID:  id,
		Config: cfg,
		Manual: manual,
		OnStart: func(j *async.RunningJob) {
			exec.StartedAt = j.StartTime()
			recorded = s.recordStart(exec)
		},
		OnDone: func(j *async.RunningJob, resp *async.JobRunnerResponse, elapsed time.Duration) {
			if !recorded {
				exec.StartedAt = j.StartTime()
				recorded = s.recordStart(exec)
			}
			if recorded {
				s.recordFinish(exec, j.StartTime().Add(elapsed), resp)
			}
			if claimed {
				s.releaseClaim(id)
			}
			s.metrics.JobFinished(resp.Outcome.String(), elapsed)
		},
	}
}

// bookkeepingContext bounds database work done on behalf of a running job,
// which may have to wait out a latched gate.
func (s *Scheduler) bookkeepingContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.ClaimTTL)
}

func (s *Scheduler) recordStart(exec *schedule.Execution) bool {
	ctx, cancel := s.bookkeepingContext()
	defer cancel()
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		return schedule.NewExecutionStore(db).Create(ctx, exec)
	})
	if err != nil {
		// history is best effort; the job still runs
		s.pulseLog.Warnw("Failed to create execution record", logger.FieldJobID, exec.JobID, logger.FieldError, err)
		return false
	}
	return true
}

func (s *Scheduler) recordFinish(exec *schedule.Execution, finishedAt time.Time, resp *async.JobRunnerResponse) {
	ctx, cancel := s.bookkeepingContext()
	defer cancel()
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		return schedule.NewExecutionStore(db).Finish(ctx, exec.ID, finishedAt, resp.Outcome.String(), resp.Message)
	})
	if err != nil {
		s.pulseLog.Warnw("Failed to update execution record",
			logger.FieldJobID, exec.JobID,
			"execution_id", exec.ID,
			logger.FieldError, err)
	}
}

// releaseClaim drops this node's claim on id. A failure leaves the claim to
// expire after its TTL.
func (s *Scheduler) releaseClaim(id schedule.JobID) {
	s.mu.Lock()
	delete(s.claims, id)
	s.mu.Unlock()

	ctx, cancel := s.bookkeepingContext()
	defer cancel()
	err := s.withDB(ctx, func(ctx context.Context, db *sql.DB) error {
		return schedule.NewStore(db).ReleaseClaim(ctx, id, s.node)
	})
	if err != nil {
		s.pulseLog.Warnw("Failed to release claim", logger.FieldJobID, id, logger.FieldError, errors.Wrap(err, "release"))
	}
}

// logNextJobInfo logs the next scheduled execution whenever it or the
// number of running jobs changes. Cluster jobs come from the store, local
// ones from this node's own schedule.
func (s *Scheduler) logNextJobInfo(ctx context.Context, store *schedule.Store, now time.Time) {
	rec, err := store.NextScheduled(ctx)
	if err != nil {
		s.pulseLog.Warnw("Failed to get next scheduled job", logger.FieldError, err)
		return
	}

	var (
		nextID  schedule.JobID
		nextKey schedule.JobRunnerKey
		nextAt  time.Time
	)
	if rec != nil {
		nextID, nextKey, nextAt = rec.ID, rec.Config.RunnerKey(), *rec.NextRunAt
	}
	s.mu.Lock()
	for id, lj := range s.local {
		if lj.next.IsZero() {
			continue
		}
		if nextAt.IsZero() || lj.next.Before(nextAt) {
			nextID, nextKey, nextAt = id, lj.config.RunnerKey(), lj.next
		}
	}
	s.mu.Unlock()

	running := s.tracker.Len()
	key := fmt.Sprintf("%d", running)
	if !nextAt.IsZero() {
		key += "|" + string(nextID) + "|" + nextAt.String()
	}
	if key == s.lastNextLog {
		return
	}
	s.lastNextLog = key

	// one symbol per 5 running jobs
	indicator := ""
	if running > 0 {
		indicator = strings.Repeat(sym.Pulse, running/5+1) + " "
	}

	if nextAt.IsZero() {
		s.pulseLog.Debugw(fmt.Sprintf("%sPulse - no scheduled executions, %d jobs running", indicator, running))
		return
	}

	until := nextAt.Sub(now)
	if until < 0 {
		until = 0
	}
	m := s.pool.SystemMetrics()
	s.pulseLog.Debugw(fmt.Sprintf("%sPulse - next scheduled execution '%s' in %s", indicator, nextID, until.Round(time.Second)),
		logger.FieldRunnerKey, nextKey,
		"workers_active", m.WorkersActive,
		"workers_total", m.WorkersTotal,
		"jobs_running", running,
		"memory_percent", fmt.Sprintf("%.0f", m.MemoryPercent))
}
