package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	wardentest "github.com/teranos/warden/internal/testing"
	"github.com/teranos/warden/pulse"
	"github.com/teranos/warden/pulse/async"
	"github.com/teranos/warden/pulse/schedule"
)

var (
	kirbySprite = []byte{0x00, 0xff, 'p', 'o', 'y', 'o'}
	abilities   = []struct {
		id    int64
		name  string
		power float64
	}{
		{1, "fire", 2.5},
		{2, "ice", 1.25},
		{3, "sword", 3},
	}
)

type opsFixture struct {
	svc    *Service
	gate   *latch.Gate
	handle *db.Handle
	dir    string
	clock  *clock.Mock
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	h := wardentest.CreateTestHandle(t)
	_, err := h.DB().Exec(`CREATE TABLE kirby_abilities (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		power REAL,
		sprite BLOB
	)`)
	require.NoError(t, err)
	_, err = h.DB().Exec(`CREATE INDEX idx_kirby_abilities_name ON kirby_abilities(name)`)
	require.NoError(t, err)
	for _, a := range abilities {
		_, err := h.DB().Exec(`INSERT INTO kirby_abilities (id, name, power, sprite) VALUES (?, ?, ?, ?)`,
			a.id, a.name, a.power, kirbySprite)
		require.NoError(t, err)
	}

	gate := latch.NewGate(h, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { gate.Close() })

	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	dir := filepath.Join(t.TempDir(), "backups")
	svc, err := NewService(gate, Config{
		BackupDir:         dir,
		DrainTimeout:      50 * time.Millisecond,
		ForceDrainTimeout: 50 * time.Millisecond,
		Retention:         2,
	}, zaptest.NewLogger(t).Sugar(), WithClock(mock))
	require.NoError(t, err)
	return &opsFixture{svc: svc, gate: gate, handle: h, dir: dir, clock: mock}
}

// query runs fn under a lease, the way every non-maintenance caller does.
func (f *opsFixture) query(t *testing.T, fn func(l *latch.Lease)) {
	t.Helper()
	lease, err := f.gate.Acquire(context.Background())
	require.NoError(t, err)
	defer lease.Release()
	fn(lease)
}

func (f *opsFixture) abilityNames(t *testing.T) []string {
	var names []string
	f.query(t, func(l *latch.Lease) {
		rows, err := l.DB().Query(`SELECT name FROM kirby_abilities ORDER BY id`)
		require.NoError(t, err)
		defer rows.Close()
		for rows.Next() {
			var n string
			require.NoError(t, rows.Scan(&n))
			names = append(names, n)
		}
		require.NoError(t, rows.Err())
	})
	return names
}

func TestBackupWritesVerifiableArchive(t *testing.T) {
	f := newOpsFixture(t)
	var last pulse.Progress
	path, err := f.svc.Backup(context.Background(), WithProgress(func(p pulse.Progress) { last = p }))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.dir, "warden-20260314T090000.000Z.jsonl.gz"), path)
	assert.FileExists(t, path)
	assert.Equal(t, 100, last.Percentage)
	assert.Equal(t, latch.StateOpen, f.gate.State())

	r, err := openArchive(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, ArchiveFormatVersion, r.header.FormatVersion)
	assert.Equal(t, db.LatestVersion(), r.header.SchemaVersion)
	var found bool
	for _, tbl := range r.header.Tables {
		if tbl.Name == "kirby_abilities" {
			found = true
			assert.Equal(t, int64(3), tbl.Rows)
			assert.Equal(t, []string{"id", "name", "power", "sprite"}, tbl.Columns)
		}
	}
	assert.True(t, found)
	assert.Contains(t, r.header.Indexes, "CREATE INDEX idx_kirby_abilities_name ON kirby_abilities(name)")

	require.NoError(t, verifyArchive(context.Background(), path, NewBaseStep("verify")))
}

func TestBackupRetentionKeepsNewest(t *testing.T) {
	f := newOpsFixture(t)
	var paths []string
	for i := 0; i < 3; i++ {
		p, err := f.svc.Backup(context.Background())
		require.NoError(t, err)
		paths = append(paths, p)
		f.clock.Add(time.Second)
	}

	archives, err := f.svc.Archives()
	require.NoError(t, err)
	assert.Equal(t, []string{paths[2], paths[1]}, archives)
	assert.NoFileExists(t, paths[0])
}

func TestBackupDumpCancelRemovesPartialArchive(t *testing.T) {
	f := newOpsFixture(t)
	require.NoError(t, f.gate.Latch())
	defer f.gate.Unlatch()

	_, plan := newBackupPhase(f.gate, f.dir, 0, f.clock, zaptest.NewLogger(t).Sugar())
	require.NoError(t, plan.checkpoint(context.Background(), NewBaseStep("checkpoint")))

	step := NewBaseStep("dump")
	step.Cancel()
	err := plan.dump(context.Background(), step)
	assert.True(t, IsCanceled(err))

	archives, err := ListArchives(f.dir)
	require.NoError(t, err)
	assert.Empty(t, archives, "the partial archive is deleted")
	assert.Empty(t, plan.path)
}

func TestBackupCheckpointReadsSchemaVersion(t *testing.T) {
	f := newOpsFixture(t)
	require.NoError(t, f.gate.Latch())
	defer f.gate.Unlatch()
	log := zaptest.NewLogger(t).Sugar()

	_, plan := newBackupPhase(f.gate, f.dir, 0, f.clock, log)
	require.NoError(t, plan.checkpoint(context.Background(), NewBaseStep("checkpoint")))
	assert.Equal(t, db.LatestVersion(), plan.header.SchemaVersion)

	// never migrated
	_, err := f.handle.DB().Exec(`DROP TABLE schema_migrations`)
	require.NoError(t, err)
	_, plan = newBackupPhase(f.gate, f.dir, 0, f.clock, log)
	require.NoError(t, plan.checkpoint(context.Background(), NewBaseStep("checkpoint")))
	assert.Empty(t, plan.header.SchemaVersion)

	// a real query failure is not mistaken for "never migrated"
	_, err = f.handle.DB().Exec(`CREATE TABLE schema_migrations (applied_at TEXT)`)
	require.NoError(t, err)
	_, plan = newBackupPhase(f.gate, f.dir, 0, f.clock, log)
	err = plan.checkpoint(context.Background(), NewBaseStep("checkpoint"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read schema version")
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	path, err := f.svc.Backup(ctx)
	require.NoError(t, err)

	f.query(t, func(l *latch.Lease) {
		_, err := l.DB().Exec(`DELETE FROM kirby_abilities WHERE name = 'ice'`)
		require.NoError(t, err)
		_, err = l.DB().Exec(`CREATE TABLE dedede_loot (id INTEGER)`)
		require.NoError(t, err)
	})
	before, err := f.svc.Schema(ctx)
	require.NoError(t, err)
	_, hasLoot := before.Lookup("dedede_loot")
	require.True(t, hasLoot)

	task := NewRestoreTask(f.svc.taskConfig(f.svc.Config(), OpRestore), path, before)
	require.NoError(t, f.svc.Run(ctx, task.Task))
	assert.Equal(t, []string{"dedede_loot"}, task.Diff().Missing)

	assert.NotSame(t, f.handle, f.gate.Current(), "the gate serves a fresh handle")
	assert.Equal(t, []string{"fire", "ice", "sword"}, f.abilityNames(t))

	f.query(t, func(l *latch.Lease) {
		var power float64
		var sprite []byte
		require.NoError(t, l.DB().QueryRow(
			`SELECT power, sprite FROM kirby_abilities WHERE name = 'sword'`).Scan(&power, &sprite))
		assert.Equal(t, 3.0, power)
		assert.Equal(t, kirbySprite, sprite)

		var indexes int
		require.NoError(t, l.DB().QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_kirby_abilities_name'`).Scan(&indexes))
		assert.Equal(t, 1, indexes)
	})

	after, err := f.svc.Schema(ctx)
	require.NoError(t, err)
	_, hasLoot = after.Lookup("dedede_loot")
	assert.False(t, hasLoot, "cached schema was released on swap")
	assert.NoFileExists(t, f.handle.Path()+".restore")
}

func TestRestoreKeepsOriginalWhenRestoredFileWontOpen(t *testing.T) {
	f := newOpsFixture(t)
	ctx := context.Background()
	path, err := f.svc.Backup(ctx)
	require.NoError(t, err)
	f.query(t, func(l *latch.Lease) {
		_, err := l.DB().Exec(`DELETE FROM kirby_abilities WHERE name = 'ice'`)
		require.NoError(t, err)
	})

	live, err := f.svc.Schema(ctx)
	require.NoError(t, err)
	task := NewRestoreTask(f.svc.taskConfig(f.svc.Config(), OpRestore), path, live)
	var opens int
	task.plan.open = func(p string, log *zap.SugaredLogger) (*db.Handle, error) {
		opens++
		if opens == 1 {
			return nil, errors.New("file is not a database")
		}
		return db.OpenHandle(p, log)
	}

	err = f.svc.Run(ctx, task.Task)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file is not a database")
	assert.Equal(t, 2, opens)
	assert.Equal(t, latch.StateOpen, f.gate.State())
	assert.NotSame(t, f.handle, f.gate.Current(), "the closed handle is not served again")

	assert.Equal(t, []string{"fire", "sword"}, f.abilityNames(t), "the original data is back")
	assert.NoFileExists(t, f.handle.Path()+".orig")
	assert.NoFileExists(t, f.handle.Path()+".restore")
}

func TestRestoreRejectsIncompatibleArchive(t *testing.T) {
	f := newOpsFixture(t)
	require.NoError(t, os.MkdirAll(f.dir, 0o755))
	path := filepath.Join(f.dir, "future.jsonl.gz")
	w, err := createArchive(path, ArchiveHeader{FormatVersion: "2.0.0", CreatedAt: f.clock.Now()})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = f.svc.Restore(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncompatibleArchive))
	assert.Equal(t, latch.StateOpen, f.gate.State())
	assert.Same(t, f.handle, f.gate.Current())
	assert.Equal(t, []string{"fire", "ice", "sword"}, f.abilityNames(t))
	assert.NoFileExists(t, f.handle.Path()+".restore")
}

func TestMigrateMovesToNewFile(t *testing.T) {
	f := newOpsFixture(t)
	target := filepath.Join(t.TempDir(), "halberd.db")

	task := NewMigrationTask(f.svc.taskConfig(f.svc.Config(), OpMigrate), target)
	require.NoError(t, f.svc.Run(context.Background(), task.Task))

	cur, ok := f.gate.Current().(*db.Handle)
	require.True(t, ok)
	assert.Equal(t, target, cur.Path())
	assert.Equal(t, target, task.Target())
	assert.Equal(t, []string{"fire", "ice", "sword"}, f.abilityNames(t))
	assert.FileExists(t, f.handle.Path(), "the old file is left in place")
}

func TestMigrateRefusesExistingTarget(t *testing.T) {
	f := newOpsFixture(t)
	target := filepath.Join(t.TempDir(), "taken.db")
	require.NoError(t, os.WriteFile(target, []byte("not ours"), 0o600))

	err := f.svc.Migrate(context.Background(), target)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))

	content, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, "not ours", string(content))
	assert.Same(t, f.handle, f.gate.Current())
}

func TestServiceRunsOneTaskAtATime(t *testing.T) {
	f := newOpsFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	phase := NewPhase("hold", nil).MustAdd(NewStep("hold", func(context.Context, *BaseStep) error {
		close(started)
		<-release
		return nil
	}), 1)
	blocking := NewTask(f.svc.taskConfig(f.svc.Config(), "hold"), phase, nil)

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(context.Background(), blocking) }()
	<-started

	assert.Same(t, blocking, f.svc.Current())
	_, err := f.svc.Backup(context.Background())
	assert.True(t, errors.Is(err, ErrTaskRunning))
	assert.True(t, errors.Is(err, errors.ErrConflict))

	close(release)
	require.NoError(t, <-done)
	assert.Nil(t, f.svc.Current())
	assert.False(t, f.svc.Cancel())
}

func TestServiceConfigValidation(t *testing.T) {
	f := newOpsFixture(t)
	bad := f.svc.Config()
	bad.DrainTimeout = -time.Second
	assert.True(t, errors.IsInvalidRequestError(f.svc.UpdateConfig(bad)))

	good := f.svc.Config()
	good.Retention = 0
	require.NoError(t, f.svc.UpdateConfig(good))
	assert.Equal(t, 0, f.svc.Config().Retention)

	_, err := NewService(f.gate, Config{}, nil)
	assert.Error(t, err)
	assert.NoError(t, DefaultConfig().Validate())
}

func TestBackupRunnerAsScheduledJob(t *testing.T) {
	f := newOpsFixture(t)
	runner := NewBackupRunner(f.svc)
	dir := filepath.Join(t.TempDir(), "nightly")
	cfg := schedule.NewJobConfig(BackupRunnerKey, schedule.Cron("@daily")).
		WithParameters(map[string]string{ParamBackupDir: dir})

	resp, err := runner.RunJob(context.Background(), &async.JobRunnerRequest{JobID: "nightly", Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, async.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, dir, filepath.Dir(resp.Message))
	assert.FileExists(t, resp.Message)
}

func TestBackupRunnerAbortsOnCancellation(t *testing.T) {
	f := newOpsFixture(t)
	runner := NewBackupRunner(f.svc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := runner.RunJob(ctx, &async.JobRunnerRequest{
		JobID:  "nightly",
		Config: schedule.NewJobConfig(BackupRunnerKey, schedule.Cron("@daily")),
	})
	require.NoError(t, err)
	assert.Equal(t, async.OutcomeAborted, resp.Outcome)
	assert.NotEmpty(t, resp.Message)
	assert.Equal(t, latch.StateOpen, f.gate.State())

	archives, err := f.svc.Archives()
	require.NoError(t, err)
	assert.Empty(t, archives)
}
