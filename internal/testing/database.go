package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teranos/warden/db"
)

// CreateTestDB creates a migrated SQLite database in a temp directory.
// A file is used instead of :memory: because every pooled connection to
// :memory: would see its own empty database.
// Automatically registers cleanup via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return OpenTestDB(t, TestDBPath(t))
}

// TestDBPath returns a fresh database path inside t.TempDir().
func TestDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "warden_test.db")
}

// OpenTestDB opens (and migrates) the database at path. Several calls with
// the same path share one database, which is how cluster tests model nodes.
func OpenTestDB(t *testing.T, path string) *sql.DB {
	t.Helper()

	testDB, err := db.OpenWithMigrations(path, nil)
	require.NoError(t, err, "Failed to create test database")

	t.Cleanup(func() {
		testDB.Close()
	})
	return testDB
}

// CreateTestHandle opens a migrated database wrapped as a latch handle.
func CreateTestHandle(t *testing.T) *db.Handle {
	t.Helper()

	h, err := db.OpenHandle(TestDBPath(t), nil)
	require.NoError(t, err, "Failed to create test handle")

	t.Cleanup(func() {
		h.Close()
	})
	return h
}
