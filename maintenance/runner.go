package maintenance

import (
	"context"

	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/pulse/async"
	"github.com/teranos/warden/pulse/schedule"
)

// BackupRunnerKey runs Service.Backup as a scheduled job.
const BackupRunnerKey schedule.JobRunnerKey = "maintenance.backup"

// ParamBackupDir overrides the configured backup directory for one job.
const ParamBackupDir = "backup_dir"

// BackupRunner adapts a Service to the job runner contract. A cancellation
// request on the job cancels the task, which reports Aborted.
type BackupRunner struct {
	svc *Service
}

// NewBackupRunner creates the runner registered under BackupRunnerKey.
func NewBackupRunner(svc *Service) *BackupRunner {
	return &BackupRunner{svc: svc}
}

func (r *BackupRunner) RunJob(ctx context.Context, req *async.JobRunnerRequest) (*async.JobRunnerResponse, error) {
	cfg := r.svc.Config()
	if dir, ok := req.Config.Parameter(ParamBackupDir); ok && dir != "" {
		cfg.BackupDir = dir
	}
	t := NewBackupTask(r.svc.taskConfig(cfg, OpBackup), cfg.BackupDir, cfg.Retention)

	stop := context.AfterFunc(ctx, t.Cancel)
	defer stop()
	if req.IsCancellationRequested() {
		t.Cancel()
	}

	err := r.svc.Run(ctx, t.Task)
	switch {
	case err == nil:
		return async.Success(t.Archive()), nil
	case IsCanceled(err):
		return async.Aborted("backup canceled: " + err.Error()), nil
	case errors.Is(err, ErrTaskRunning):
		return async.Unavailable(err.Error()), nil
	default:
		return nil, err
	}
}
