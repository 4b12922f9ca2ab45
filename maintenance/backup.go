package maintenance

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
)

const (
	archivePrefix = "warden-"
	archiveSuffix = ".jsonl.gz"
	archiveStamp  = "20060102T150405.000Z"
)

// ArchiveName is the file name a backup taken at t is written to.
func ArchiveName(t time.Time) string {
	return archivePrefix + t.UTC().Format(archiveStamp) + archiveSuffix
}

// ListArchives returns the archives in dir, newest first.
func ListArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.Type().IsRegular() && strings.HasPrefix(n, archivePrefix) && strings.HasSuffix(n, archiveSuffix) {
			names = append(names, filepath.Join(dir, n))
		}
	}
	// the timestamp format sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// backupPlan is the state the backup steps share.
type backupPlan struct {
	gate      *latch.Gate
	dir       string
	retention int
	clock     clock.Clock
	log       *zap.SugaredLogger

	header ArchiveHeader
	path   string
}

// newBackupPhase builds checkpoint(5) dump(90) verify(5) prune(0).
func newBackupPhase(gate *latch.Gate, dir string, retention int, clk clock.Clock, log *zap.SugaredLogger) (*Phase, *backupPlan) {
	p := &backupPlan{gate: gate, dir: dir, retention: retention, clock: clk, log: log}
	phase := NewPhase("backup", log).
		MustAdd(NewStep("checkpoint", p.checkpoint), 5).
		MustAdd(NewStep("dump", p.dump), 90).
		MustAdd(NewStep("verify", p.verify), 5).
		MustAdd(NewStep("prune", p.prune), 0)
	return phase, p
}

func (p *backupPlan) checkpoint(ctx context.Context, s *BaseStep) error {
	h := p.gate.Current()
	s.Monitor().SetMessage("checkpointing write-ahead log")
	if _, err := h.DB().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	if err := s.Check(ctx); err != nil {
		return err
	}
	tables, indexes, err := readLayout(ctx, h)
	if err != nil {
		return err
	}
	version, err := db.SchemaVersionContext(ctx, h.DB())
	if err != nil {
		return errors.Wrap(err, "read schema version")
	}

	p.header = ArchiveHeader{
		FormatVersion: ArchiveFormatVersion,
		CreatedAt:     p.clock.Now().UTC(),
		SchemaVersion: version,
		Tables:        tables,
		Indexes:       indexes,
	}
	return nil
}

func (p *backupPlan) dump(ctx context.Context, s *BaseStep) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return errors.Wrapf(err, "create backup directory %s", p.dir)
	}
	path := filepath.Join(p.dir, ArchiveName(p.header.CreatedAt))
	w, err := createArchive(path, p.header)
	if err != nil {
		return err
	}

	s.Monitor().Started(p.header.TotalRows())
	if err := copyRows(ctx, p.gate.Current().DB(), p.header.Tables, w, s); err != nil {
		w.abort()
		p.discard(path)
		return err
	}
	if err := w.Close(); err != nil {
		p.discard(path)
		return err
	}
	p.path = path
	p.log.Infow("Archive written", logger.FieldPath, path, "rows", p.header.TotalRows())
	return nil
}

func (p *backupPlan) verify(ctx context.Context, s *BaseStep) error {
	if err := verifyArchive(ctx, p.path, s); err != nil {
		p.discard(p.path)
		p.path = ""
		return err
	}
	return nil
}

func (p *backupPlan) prune(_ context.Context, s *BaseStep) error {
	if p.retention <= 0 {
		return nil
	}
	archives, err := ListArchives(p.dir)
	if err != nil {
		return err
	}
	if len(archives) <= p.retention {
		return nil
	}
	stale := archives[p.retention:]
	s.Monitor().Started(int64(len(stale)))
	for _, path := range stale {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warnw("Failed to prune archive", logger.FieldPath, path, logger.FieldError, err)
		} else {
			p.log.Debugw("Pruned archive", logger.FieldPath, path)
		}
		s.Monitor().Increment()
	}
	return nil
}

func (p *backupPlan) discard(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		p.log.Warnw("Failed to remove partial archive", logger.FieldPath, path, logger.FieldError, err)
	}
}

// verifyArchive reads the whole archive and checks row counts against the
// header.
func verifyArchive(ctx context.Context, path string, s *BaseStep) error {
	r, err := openArchive(path)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.header.Compatible(); err != nil {
		return err
	}

	want := make(map[string]int64, len(r.header.Tables))
	for _, t := range r.header.Tables {
		want[t.Name] = t.Rows
	}
	got := make(map[string]int64, len(want))
	s.Monitor().Started(r.header.TotalRows())
	for n := 0; ; n++ {
		table, _, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := want[table]; !ok {
			return errors.Newf("archive has rows for undeclared table %s", table)
		}
		got[table]++
		s.Monitor().Increment()
		if n%256 == 0 {
			if err := s.Check(ctx); err != nil {
				return err
			}
		}
	}
	for name, rows := range want {
		if got[name] != rows {
			return errors.Newf("archive table %s has %d rows, header says %d", name, got[name], rows)
		}
	}
	return nil
}

// BackupTask writes the live database to an archive in a directory.
type BackupTask struct {
	*Task
	plan *backupPlan
}

// NewBackupTask creates a backup into dir keeping the newest retention
// archives. retention <= 0 keeps everything.
func NewBackupTask(cfg TaskConfig, dir string, retention int) *BackupTask {
	cfg = cfg.withDefaults()
	if cfg.Operation == "" {
		cfg.Operation = OpBackup
	}
	phase, plan := newBackupPhase(cfg.Gate, dir, retention, cfg.Clock, cfg.Log)
	return &BackupTask{Task: NewTask(cfg, phase, nil), plan: plan}
}

// Archive is the written archive, empty until the task succeeded.
func (b *BackupTask) Archive() string {
	if b.State() != StateSucceeded {
		return ""
	}
	return b.plan.path
}
