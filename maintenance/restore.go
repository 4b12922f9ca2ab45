package maintenance

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
)

// pathed is implemented by handles backed by a database file.
type pathed interface {
	Path() string
}

func handlePath(h latch.Handle) (string, error) {
	p, ok := h.(pathed)
	if !ok || p.Path() == "" || p.Path() == ":memory:" {
		return "", errors.WithHint(
			errors.Newf("database %v is not file backed", h),
			"restore and migrate need an on-disk database")
	}
	return p.Path(), nil
}

// SchemaDiff lists how an archive's tables differ from the live database.
type SchemaDiff struct {
	Missing []string // in the live database only
	Added   []string // in the archive only
	Changed []string // columns differ
}

// Empty reports whether the layouts match.
func (d SchemaDiff) Empty() bool {
	return len(d.Missing) == 0 && len(d.Added) == 0 && len(d.Changed) == 0
}

func diffSchema(live latch.Schema, archived []TableDef) SchemaDiff {
	var d SchemaDiff
	seen := make(map[string]bool, len(archived))
	for _, t := range archived {
		seen[t.Name] = true
		cur, ok := live.Lookup(t.Name)
		if !ok {
			d.Added = append(d.Added, t.Name)
			continue
		}
		if !sameColumns(cur.Columns, t.Columns) {
			d.Changed = append(d.Changed, t.Name)
		}
	}
	for _, t := range live.Tables {
		if !seen[t.Name] {
			d.Missing = append(d.Missing, t.Name)
		}
	}
	return d
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// restorePlan is the state the restore steps share.
type restorePlan struct {
	gate    *latch.Gate
	source  string
	live    latch.Schema
	handoff *Handoff
	log     *zap.SugaredLogger
	open    func(path string, log *zap.SugaredLogger) (*db.Handle, error)

	header ArchiveHeader
	diff   SchemaDiff
	target string
}

// newRestorePhase builds inspect(5) rebuild(90) stage(5). live is the schema
// read before the gate latched; it is only used to report differences.
func newRestorePhase(gate *latch.Gate, source string, live latch.Schema, handoff *Handoff, log *zap.SugaredLogger) (*Phase, *restorePlan) {
	p := &restorePlan{gate: gate, source: source, live: live, handoff: handoff, log: log, open: db.OpenHandle}
	phase := NewPhase("restore", log).
		MustAdd(NewStep("inspect", p.inspect), 5).
		MustAdd(NewStep("rebuild", p.rebuild), 90).
		MustAdd(NewStep("stage", p.stage), 5)
	return phase, p
}

func (p *restorePlan) inspect(_ context.Context, s *BaseStep) error {
	s.Monitor().SetMessage("reading " + p.source)
	r, err := openArchive(p.source)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := r.header.Compatible(); err != nil {
		return errors.WithHintf(err, "archive %s was written by an unsupported version", p.source)
	}
	p.header = r.header

	p.diff = diffSchema(p.live, p.header.Tables)
	if !p.diff.Empty() {
		p.log.Warnw("Archive layout differs from the live database",
			"missing", p.diff.Missing,
			"added", p.diff.Added,
			"changed", p.diff.Changed)
	}
	return nil
}

func (p *restorePlan) rebuild(ctx context.Context, s *BaseStep) (err error) {
	live, err := handlePath(p.gate.Current())
	if err != nil {
		return err
	}
	p.target = live + ".restore"
	if err := removeDatabase(p.target); err != nil {
		return errors.Wrap(err, "clear previous restore file")
	}

	conn, err := openBuilder(p.target)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); err == nil && cerr != nil {
			err = errors.Wrap(cerr, "close rebuilt database")
		}
		if err != nil {
			if rerr := removeDatabase(p.target); rerr != nil {
				p.log.Warnw("Failed to remove partial restore", logger.FieldPath, p.target, logger.FieldError, rerr)
			}
			p.target = ""
		}
	}()

	if err := createLayout(ctx, conn, p.header.Tables, nil); err != nil {
		return err
	}
	if err := p.load(ctx, s, &dbSink{conn: conn}); err != nil {
		return err
	}
	if err := createLayout(ctx, conn, nil, p.header.Indexes); err != nil {
		return err
	}
	s.Monitor().SetMessage("applying migrations")
	return errors.Wrap(db.Migrate(conn, p.log), "migrate restored database")
}

// load streams archive rows into sink, one table at a time.
func (p *restorePlan) load(ctx context.Context, s *BaseStep, sink *dbSink) error {
	r, err := openArchive(p.source)
	if err != nil {
		return err
	}
	defer r.Close()

	defs := make(map[string]TableDef, len(p.header.Tables))
	for _, t := range p.header.Tables {
		defs[t.Name] = t
	}
	s.Monitor().Started(p.header.TotalRows())

	open := ""
	for n := 0; ; n++ {
		table, values, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			sink.Abort()
			return err
		}
		if table != open {
			if open != "" {
				if err := sink.EndTable(); err != nil {
					return err
				}
			}
			def, ok := defs[table]
			if !ok {
				return errors.Newf("archive has rows for undeclared table %s", table)
			}
			s.Monitor().SetMessage("restoring " + table)
			if err := sink.BeginTable(ctx, def); err != nil {
				return err
			}
			open = table
		}
		if err := sink.WriteRow(values); err != nil {
			sink.Abort()
			return err
		}
		s.Monitor().Increment()
		if n%256 == 0 {
			if err := s.Check(ctx); err != nil {
				sink.Abort()
				return err
			}
		}
	}
	if open != "" {
		return sink.EndTable()
	}
	return nil
}

func (p *restorePlan) stage(ctx context.Context, s *BaseStep) error {
	if err := s.Check(ctx); err != nil {
		removeDatabase(p.target)
		return err
	}
	cur := p.gate.Current()
	live, err := handlePath(cur)
	if err != nil {
		return err
	}

	s.Monitor().SetMessage("swapping database file")
	if err := cur.Close(); err != nil {
		p.log.Warnw("Failed to close live database before swap", logger.FieldError, err)
	}
	p.removeJournals(live)

	// the original stays aside until the restored file has opened
	aside := live + ".orig"
	if err := os.Rename(live, aside); err != nil {
		removeDatabase(p.target)
		p.reopen(live)
		return errors.Wrap(err, "move live database aside")
	}
	if err := os.Rename(p.target, live); err != nil {
		removeDatabase(p.target)
		p.putBack(aside, live)
		return errors.Wrap(err, "replace database file")
	}

	h, err := p.open(live, p.log)
	if err != nil {
		p.putBack(aside, live)
		return errors.Wrapf(err, "open restored database %s", live)
	}
	if err := removeDatabase(aside); err != nil {
		p.log.Warnw("Failed to remove previous database", logger.FieldPath, aside, logger.FieldError, err)
	}
	p.handoff.Stage(h)
	p.log.Infow("Restored database staged", logger.FieldPath, live, "archive", p.source)
	return nil
}

func (p *restorePlan) removeJournals(path string) {
	for _, side := range []string{path + "-wal", path + "-shm"} {
		if err := os.Remove(side); err != nil && !os.IsNotExist(err) {
			p.log.Warnw("Failed to remove journal file", logger.FieldPath, side, logger.FieldError, err)
		}
	}
}

// putBack moves the original file over whatever sits at live and stages it.
func (p *restorePlan) putBack(aside, live string) {
	p.removeJournals(live)
	if err := os.Rename(aside, live); err != nil {
		p.log.Errorw("Failed to put original database back", logger.FieldPath, aside, logger.FieldError, err)
		return
	}
	p.reopen(live)
}

// reopen stages the original file again after a failed swap, since the
// handle the gate holds was already closed.
func (p *restorePlan) reopen(path string) {
	h, err := p.open(path, p.log)
	if err != nil {
		p.log.Errorw("Failed to reopen original database", logger.FieldPath, path, logger.FieldError, err)
		return
	}
	p.handoff.Stage(h)
}

// RestoreTask replaces the live database with the contents of an archive.
type RestoreTask struct {
	*Task
	plan *restorePlan
}

// NewRestoreTask restores archive over the gate's database file. live is
// compared with the archive layout for reporting only.
func NewRestoreTask(cfg TaskConfig, archive string, live latch.Schema) *RestoreTask {
	cfg = cfg.withDefaults()
	if cfg.Operation == "" {
		cfg.Operation = OpRestore
	}
	handoff := &Handoff{}
	phase, plan := newRestorePhase(cfg.Gate, archive, live, handoff, cfg.Log)
	return &RestoreTask{Task: NewTask(cfg, phase, handoff), plan: plan}
}

// Diff is the layout difference found by the inspect step.
func (r *RestoreTask) Diff() SchemaDiff { return r.plan.diff }
