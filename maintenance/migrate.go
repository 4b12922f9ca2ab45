package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
	"github.com/teranos/warden/logger"
)

// migratePlan is the state the migrate steps share. It copies the live
// database into a new file and moves the gate onto it.
type migratePlan struct {
	gate    *latch.Gate
	target  string
	handoff *Handoff
	log     *zap.SugaredLogger

	tables  []TableDef
	indexes []string
	conn    *sql.DB
	created bool
}

// newMigratePhase builds prepare(10) copy(85) validate(5) stage(0).
func newMigratePhase(gate *latch.Gate, target string, handoff *Handoff, log *zap.SugaredLogger) (*Phase, *migratePlan) {
	p := &migratePlan{gate: gate, target: target, handoff: handoff, log: log}
	phase := NewPhase("migrate", log).
		MustAdd(NewStep("prepare", p.guard(p.prepare)), 10).
		MustAdd(NewStep("copy", p.guard(p.copy)), 85).
		MustAdd(NewStep("validate", p.guard(p.validate)), 5).
		MustAdd(NewStep("stage", p.guard(p.stage)), 0)
	return phase, p
}

// guard drops the half-built target when a step fails.
func (p *migratePlan) guard(fn func(context.Context, *BaseStep) error) func(context.Context, *BaseStep) error {
	return func(ctx context.Context, s *BaseStep) error {
		err := fn(ctx, s)
		if err != nil {
			p.cleanup()
		}
		return err
	}
}

func (p *migratePlan) cleanup() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if !p.created {
		return
	}
	if err := removeDatabase(p.target); err != nil {
		p.log.Warnw("Failed to remove partial migration target", logger.FieldPath, p.target, logger.FieldError, err)
	}
}

func (p *migratePlan) prepare(ctx context.Context, s *BaseStep) error {
	if _, err := os.Stat(p.target); err == nil {
		return errors.NewInvalidRequestError("migration target %s already exists", p.target)
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "stat %s", p.target)
	}
	if live, err := handlePath(p.gate.Current()); err == nil && live == p.target {
		return errors.NewInvalidRequestError("migration target is the live database")
	}

	tables, indexes, err := readLayout(ctx, p.gate.Current())
	if err != nil {
		return err
	}
	p.tables, p.indexes = tables, indexes

	s.Monitor().SetMessage("creating " + p.target)
	p.created = true
	conn, err := openBuilder(p.target)
	if err != nil {
		return err
	}
	p.conn = conn
	return createLayout(ctx, conn, p.tables, nil)
}

func (p *migratePlan) copy(ctx context.Context, s *BaseStep) error {
	var total int64
	for _, t := range p.tables {
		total += t.Rows
	}
	s.Monitor().Started(total)
	sink := &dbSink{conn: p.conn}
	if err := copyRows(ctx, p.gate.Current().DB(), p.tables, sink, s); err != nil {
		sink.Abort()
		return err
	}
	return createLayout(ctx, p.conn, nil, p.indexes)
}

func (p *migratePlan) validate(ctx context.Context, s *BaseStep) error {
	s.Monitor().Started(int64(len(p.tables)))
	for _, t := range p.tables {
		var n int64
		if err := p.conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s", db.QuoteIdent(t.Name))).Scan(&n); err != nil {
			return errors.Wrapf(err, "count %s", t.Name)
		}
		if n != t.Rows {
			return errors.Newf("table %s has %d rows after copy, expected %d", t.Name, n, t.Rows)
		}
		s.Monitor().Increment()
	}
	return nil
}

func (p *migratePlan) stage(_ context.Context, _ *BaseStep) error {
	if err := p.conn.Close(); err != nil {
		return errors.Wrap(err, "close migration target")
	}
	p.conn = nil
	h, err := db.OpenHandle(p.target, p.log)
	if err != nil {
		return errors.Wrapf(err, "open migration target %s", p.target)
	}
	p.handoff.Stage(h)
	p.log.Infow("Migrated database staged", logger.FieldPath, p.target)
	return nil
}

// MigrationTask copies the live database to a new file and switches the
// gate to it.
type MigrationTask struct {
	*Task
	plan *migratePlan
}

// NewMigrationTask migrates to target, which must not exist.
func NewMigrationTask(cfg TaskConfig, target string) *MigrationTask {
	cfg = cfg.withDefaults()
	if cfg.Operation == "" {
		cfg.Operation = OpMigrate
	}
	handoff := &Handoff{}
	phase, plan := newMigratePhase(cfg.Gate, target, handoff, cfg.Log)
	return &MigrationTask{Task: NewTask(cfg, phase, handoff), plan: plan}
}

// Target is the database file the gate moves to.
func (m *MigrationTask) Target() string { return m.plan.target }
