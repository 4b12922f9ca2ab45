package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleSchema(t *testing.T) {
	h, err := OpenHandle(filepath.Join(t.TempDir(), "schema.db"), nil)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.DB().Exec(`CREATE TABLE "odd ""name""" (a INTEGER, b TEXT)`)
	require.NoError(t, err)

	schema, err := h.Schema(context.Background())
	require.NoError(t, err)

	assert.Subset(t, schema.TableNames(), []string{"job_executions", "schema_migrations", "scheduled_jobs", `odd "name"`})

	tbl, ok := schema.Lookup(`odd "name"`)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, tbl.Columns)

	jobs, ok := schema.Lookup("scheduled_jobs")
	require.True(t, ok)
	assert.Contains(t, jobs.Columns, "runner_key")
	assert.Equal(t, "job_id", jobs.Columns[0])
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	h, err := OpenHandle(filepath.Join(t.TempDir(), "close.db"), nil)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.Schema(context.Background())
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"jobs"`, QuoteIdent("jobs"))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}
