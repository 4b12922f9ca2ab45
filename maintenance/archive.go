package maintenance

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/warden/db"
	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
)

// ArchiveFormatVersion is written into every archive header.
const ArchiveFormatVersion = "1.0.0"

// supportedArchives is the range of format versions restore accepts.
const supportedArchives = "^1"

// TableDef describes one table in an archive.
type TableDef struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	SQL     string   `json:"sql"`
	Rows    int64    `json:"rows"`
}

// ArchiveHeader is the first line of an archive.
type ArchiveHeader struct {
	FormatVersion string     `json:"format_version"`
	CreatedAt     time.Time  `json:"created_at"`
	SchemaVersion string     `json:"schema_version,omitempty"`
	Tables        []TableDef `json:"tables"`
	Indexes       []string   `json:"indexes,omitempty"`
}

// TotalRows sums the row counts of all tables.
func (h *ArchiveHeader) TotalRows() int64 {
	var n int64
	for _, t := range h.Tables {
		n += t.Rows
	}
	return n
}

// Compatible checks the header's format version against what restore reads.
func (h *ArchiveHeader) Compatible() error {
	v, err := semver.NewVersion(h.FormatVersion)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "archive format version %q", h.FormatVersion), ErrIncompatibleArchive)
	}
	c, err := semver.NewConstraint(supportedArchives)
	if err != nil {
		return errors.Wrap(err, "archive constraint")
	}
	if !c.Check(v) {
		err := errors.Newf("archive format %s does not satisfy %s", v, supportedArchives)
		return errors.Mark(err, ErrIncompatibleArchive)
	}
	return nil
}

type rowLine struct {
	Table  string        `json:"table"`
	Values []interface{} `json:"values"`
}

const blobKey = "$b64"

func encodeValue(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return map[string]string{blobKey: base64.StdEncoding.EncodeToString(x)}
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func decodeValue(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case map[string]interface{}:
		s, ok := x[blobKey].(string)
		if !ok {
			return nil, errors.Newf("unexpected object value in archive")
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return v, nil
	}
}

// readLayout describes the tables and indexes of the database behind h.
func readLayout(ctx context.Context, h latch.Handle) ([]TableDef, []string, error) {
	schema, err := h.Schema(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "read schema")
	}
	conn := h.DB()

	tables := make([]TableDef, 0, len(schema.Tables))
	for _, t := range schema.Tables {
		def := TableDef{Name: t.Name, Columns: t.Columns}
		if err := conn.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, t.Name).Scan(&def.SQL); err != nil {
			return nil, nil, errors.Wrapf(err, "create statement of %s", t.Name)
		}
		if err := conn.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT COUNT(*) FROM %s`, db.QuoteIdent(t.Name))).Scan(&def.Rows); err != nil {
			return nil, nil, errors.Wrapf(err, "count rows of %s", t.Name)
		}
		tables = append(tables, def)
	}

	rows, err := conn.QueryContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'index' AND sql IS NOT NULL ORDER BY name`)
	if err != nil {
		return nil, nil, errors.Wrap(err, "list indexes")
	}
	defer rows.Close()
	var indexes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, nil, errors.Wrap(err, "scan index")
		}
		indexes = append(indexes, s)
	}
	return tables, indexes, errors.Wrap(rows.Err(), "iterate indexes")
}

// rowSink receives table contents.
type rowSink interface {
	BeginTable(ctx context.Context, t TableDef) error
	WriteRow(values []interface{}) error
	EndTable() error
}

// copyRows streams every table in tables from src into sink, reporting one
// increment per row and checking for cancellation every checkEvery rows.
func copyRows(ctx context.Context, src *sql.DB, tables []TableDef, sink rowSink, step *BaseStep) error {
	const checkEvery = 256
	for _, t := range tables {
		if err := step.Check(ctx); err != nil {
			return err
		}
		step.Monitor().SetMessage("copying " + t.Name)
		if err := sink.BeginTable(ctx, t); err != nil {
			return err
		}

		quoted := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			quoted[i] = db.QuoteIdent(c)
		}
		rows, err := src.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s",
			strings.Join(quoted, ", "), db.QuoteIdent(t.Name)))
		if err != nil {
			return errors.Wrapf(err, "read %s", t.Name)
		}

		n := 0
		for rows.Next() {
			values := make([]interface{}, len(t.Columns))
			ptrs := make([]interface{}, len(values))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return errors.Wrapf(err, "scan row of %s", t.Name)
			}
			if err := sink.WriteRow(values); err != nil {
				rows.Close()
				return err
			}
			step.Monitor().Increment()
			n++
			if n%checkEvery == 0 {
				if err := step.Check(ctx); err != nil {
					rows.Close()
					return err
				}
			}
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return errors.Wrapf(err, "iterate %s", t.Name)
		}
		if err := sink.EndTable(); err != nil {
			return err
		}
	}
	step.Monitor().ClearMessage()
	return nil
}

// archiveWriter writes a gzip-compressed JSON-lines archive.
type archiveWriter struct {
	f     *os.File
	gz    *gzip.Writer
	buf   *bufio.Writer
	enc   *json.Encoder
	table string
}

func createArchive(path string, header ArchiveHeader) (*archiveWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "create archive")
	}
	gz := gzip.NewWriter(f)
	buf := bufio.NewWriter(gz)
	w := &archiveWriter{f: f, gz: gz, buf: buf, enc: json.NewEncoder(buf)}
	if err := w.enc.Encode(header); err != nil {
		w.abort()
		return nil, errors.Wrap(err, "write archive header")
	}
	return w, nil
}

func (w *archiveWriter) BeginTable(_ context.Context, t TableDef) error {
	w.table = t.Name
	return nil
}

func (w *archiveWriter) WriteRow(values []interface{}) error {
	line := rowLine{Table: w.table, Values: make([]interface{}, len(values))}
	for i, v := range values {
		line.Values[i] = encodeValue(v)
	}
	return errors.Wrap(w.enc.Encode(line), "write archive row")
}

func (w *archiveWriter) EndTable() error { return nil }

// Close flushes everything and syncs the file.
func (w *archiveWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return errors.Wrap(err, "flush archive")
	}
	if err := w.gz.Close(); err != nil {
		w.abort()
		return errors.Wrap(err, "close archive stream")
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "sync archive")
	}
	return errors.Wrap(w.f.Close(), "close archive")
}

func (w *archiveWriter) abort() {
	w.gz.Close()
	w.f.Close()
}

// archiveReader reads what archiveWriter wrote.
type archiveReader struct {
	f      *os.File
	gz     *gzip.Reader
	dec    *json.Decoder
	header ArchiveHeader
}

func openArchive(path string) (*archiveReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open archive")
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Mark(errors.Wrap(err, "archive is not gzip"), ErrIncompatibleArchive)
	}
	dec := json.NewDecoder(bufio.NewReader(gz))
	dec.UseNumber()
	r := &archiveReader{f: f, gz: gz, dec: dec}
	if err := dec.Decode(&r.header); err != nil {
		r.Close()
		return nil, errors.Mark(errors.Wrap(err, "read archive header"), ErrIncompatibleArchive)
	}
	return r, nil
}

// Next returns the next row; io.EOF ends the archive.
func (r *archiveReader) Next() (string, []interface{}, error) {
	var line rowLine
	if err := r.dec.Decode(&line); err != nil {
		if err == io.EOF {
			return "", nil, io.EOF
		}
		return "", nil, errors.Wrap(err, "read archive row")
	}
	for i, v := range line.Values {
		dv, err := decodeValue(v)
		if err != nil {
			return "", nil, errors.Wrapf(err, "decode value of %s", line.Table)
		}
		line.Values[i] = dv
	}
	return line.Table, line.Values, nil
}

func (r *archiveReader) Close() error {
	r.gz.Close()
	return r.f.Close()
}

// dbSink inserts rows into a database, one transaction per table.
type dbSink struct {
	conn *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
	name string
}

func (s *dbSink) BeginTable(ctx context.Context, t TableDef) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "begin %s", t.Name)
	}
	quoted := make([]string, len(t.Columns))
	marks := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		quoted[i] = db.QuoteIdent(c)
		marks[i] = "?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		db.QuoteIdent(t.Name), strings.Join(quoted, ", "), strings.Join(marks, ", ")))
	if err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "prepare insert into %s", t.Name)
	}
	s.tx, s.stmt, s.name = tx, stmt, t.Name
	return nil
}

func (s *dbSink) WriteRow(values []interface{}) error {
	if _, err := s.stmt.Exec(values...); err != nil {
		return errors.Wrapf(err, "insert into %s", s.name)
	}
	return nil
}

func (s *dbSink) EndTable() error {
	s.stmt.Close()
	err := s.tx.Commit()
	s.tx, s.stmt = nil, nil
	return errors.Wrapf(err, "commit %s", s.name)
}

// Abort rolls back a table left open by an error.
func (s *dbSink) Abort() {
	if s.tx == nil {
		return
	}
	s.stmt.Close()
	s.tx.Rollback()
	s.tx, s.stmt = nil, nil
}

// openBuilder opens a database file for bulk loading. Foreign keys stay off
// because tables are filled in name order.
func openBuilder(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=off&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return conn, nil
}

// createLayout creates tables then indexes in conn.
func createLayout(ctx context.Context, conn *sql.DB, tables []TableDef, indexes []string) error {
	for _, t := range tables {
		if _, err := conn.ExecContext(ctx, t.SQL); err != nil {
			return errors.Wrapf(err, "create table %s", t.Name)
		}
	}
	for _, stmt := range indexes {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}

// removeDatabase deletes a SQLite file and its journal side files.
func removeDatabase(path string) error {
	var errs error
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}
