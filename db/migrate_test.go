package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestOpenWithMigrations(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"schema_migrations", "scheduled_jobs", "job_executions", "local_job_runs"} {
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "%s should exist after migrations", table)
	}

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), version)
}

func TestMigrateIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	require.NoError(t, Migrate(db, nil))
	db.Close()

	db, err = OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	var applied int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied))
	files, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, len(files), applied)
}

func TestSchemaVersionOfFreshDatabase(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "empty.db"), nil)
	require.NoError(t, err)
	defer db.Close()

	version, err := SchemaVersion(db)
	require.NoError(t, err)
	assert.Empty(t, version)
}

func TestMigrationOrder(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "000_create_schema_migrations.sql", files[0])
	assert.Equal(t, "003", LatestVersion())
}
