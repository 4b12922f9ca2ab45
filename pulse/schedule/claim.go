package schedule

import (
	"context"
	"time"

	"github.com/teranos/warden/errors"
)

// Claim arbitrates one occurrence of a RunOncePerCluster job between nodes.
//
// The update only matches while the row still shows the occurrence the
// caller saw (same generation, same next_run_at) and carries no live claim,
// so for each occurrence exactly one node's update affects a row. The winner
// advances next_run_at to next (nil when the schedule is exhausted), records
// occurrence as the last run and holds the claim until leaseUntil.
func (s *Store) Claim(ctx context.Context, rec *Record, occurrence time.Time, next *time.Time, node string, leaseUntil, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET next_run_at = ?, last_run_at = ?, running_node = ?, running_until = ?, updated_at = ?
		WHERE job_id = ? AND generation = ? AND next_run_at = ?
		  AND (running_until IS NULL OR running_until <= ?)`,
		nullTimePtr(next),
		occurrence.UnixMilli(),
		node,
		leaseUntil.UnixMilli(),
		now.UnixMilli(),
		string(rec.ID),
		rec.Generation,
		occurrence.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to claim job %s", rec.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// RenewClaim extends a claim held by node. It returns false when the claim
// was lost (expired and taken over, or the job was removed).
func (s *Store) RenewClaim(ctx context.Context, id JobID, node string, leaseUntil time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET running_until = ?
		WHERE job_id = ? AND running_node = ?`,
		leaseUntil.UnixMilli(), string(id), node)
	if err != nil {
		return false, errors.Wrapf(err, "failed to renew claim on job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

// ReleaseClaim drops node's claim. Releasing a claim held by someone else is a no-op.
func (s *Store) ReleaseClaim(ctx context.Context, id JobID, node string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET running_node = NULL, running_until = NULL
		WHERE job_id = ? AND running_node = ?`,
		string(id), node)
	if err != nil {
		return errors.Wrapf(err, "failed to release claim on job %s", id)
	}
	return nil
}
