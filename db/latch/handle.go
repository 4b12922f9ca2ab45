// Package latch guards the shared database handle. Normal users take short
// leases; a maintenance operation latches the gate, drains the leases and
// either resumes on the same handle or swaps in a replacement.
package latch

import (
	"context"
	"database/sql"
)

// Handle is the shared resource: a connection source plus a descriptor of
// its tables. The gate never interprets the schema.
type Handle interface {
	DB() *sql.DB
	Schema(ctx context.Context) (Schema, error)
	Close() error
}

// Schema describes the tables behind a handle.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Table is one table and its column names in declaration order.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// TableNames returns the table names in schema order.
func (s Schema) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		names = append(names, t.Name)
	}
	return names
}

// Lookup finds a table by name.
func (s Schema) Lookup(name string) (Table, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// Releasable is implemented by components that cache values derived from the
// handle. Release is called before a swap; it must only drop the cached value.
type Releasable interface {
	Release()
}

// ReleaseFunc adapts a function to Releasable.
type ReleaseFunc func()

func (f ReleaseFunc) Release() { f() }
