package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
)

// Handle is a SQLite database exposed as a latch.Handle.
type Handle struct {
	path string
	db   *sql.DB

	closeOnce sync.Once
	closeErr  error
}

var _ latch.Handle = (*Handle)(nil)

// OpenHandle opens and migrates the database at path.
func OpenHandle(path string, logger *zap.SugaredLogger) (*Handle, error) {
	db, err := OpenWithMigrations(path, logger)
	if err != nil {
		return nil, err
	}
	return &Handle{path: path, db: db}, nil
}

// NewHandle wraps an already opened database.
func NewHandle(path string, db *sql.DB) *Handle {
	return &Handle{path: path, db: db}
}

// Path is the database file.
func (h *Handle) Path() string { return h.path }

// DB is the connection pool.
func (h *Handle) DB() *sql.DB { return h.db }

// Schema lists user tables and their columns from sqlite_master.
func (h *Handle) Schema(ctx context.Context) (latch.Schema, error) {
	return ReadSchema(ctx, h.db)
}

// Close closes the pool once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.db.Close()
	})
	return h.closeErr
}

func (h *Handle) String() string {
	return fmt.Sprintf("sqlite:%s", h.path)
}

// ReadSchema reads the table layout of db. Internal sqlite_ tables are skipped.
func ReadSchema(ctx context.Context, db *sql.DB) (latch.Schema, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		if IsDatabaseClosed(err) {
			return latch.Schema{}, errors.Mark(err, ErrDatabaseClosed)
		}
		return latch.Schema{}, errors.Wrap(err, "list tables")
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return latch.Schema{}, errors.Wrap(err, "scan table name")
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return latch.Schema{}, errors.Wrap(err, "iterate tables")
	}

	schema := latch.Schema{Tables: make([]latch.Table, 0, len(names))}
	for _, name := range names {
		cols, err := tableColumns(ctx, db, name)
		if err != nil {
			return latch.Schema{}, err
		}
		schema.Tables = append(schema.Tables, latch.Table{Name: name, Columns: cols})
	}
	return schema, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, errors.Wrapf(err, "table_info %s", table)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid      int
			name     string
			ctype    string
			notNull  int
			defValue sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defValue, &pk); err != nil {
			return nil, errors.Wrapf(err, "scan column of %s", table)
		}
		cols = append(cols, name)
	}
	return cols, errors.Wrapf(rows.Err(), "iterate columns of %s", table)
}

// QuoteIdent quotes a SQLite identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
