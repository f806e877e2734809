package duckdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	cubetesting "github.com/statbase/cube/utils/pkg/testing"
)

func TestCube_DuckDB_OpenAndQuery(t *testing.T) {
	t.Parallel()
	log := cubetesting.NewLogger()
	ctx := t.Context()

	db, err := Open(ctx, log, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = db.Exec(ctx, "CREATE TABLE facts (geography VARCHAR, data_value VARCHAR)")
	require.NoError(t, err)
	err = db.Exec(ctx, "INSERT INTO facts VALUES ('E06000001', '42'), ('E06000002', '17')")
	require.NoError(t, err)

	var count int
	err = db.QueryRow(ctx, "SELECT count(*) FROM facts").Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	rows, err := db.Query(ctx, "SELECT geography FROM facts ORDER BY geography")
	require.NoError(t, err)
	defer rows.Close()

	var got []string
	for rows.Next() {
		var g string
		require.NoError(t, rows.Scan(&g))
		got = append(got, g)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []string{"E06000001", "E06000002"}, got)
}

func TestCube_DuckDB_Snapshot(t *testing.T) {
	t.Parallel()
	log := cubetesting.NewLogger()
	ctx := t.Context()

	db, err := Open(ctx, log, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = db.Exec(ctx, "CREATE TABLE facts (geography VARCHAR, data_value VARCHAR)")
	require.NoError(t, err)
	err = db.Exec(ctx, "INSERT INTO facts VALUES ('E06000001', '42')")
	require.NoError(t, err)
	err = db.Exec(ctx, "CREATE VIEW core_view_en AS SELECT geography, data_value FROM facts")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "cube.duckdb")
	err = db.SnapshotTo(ctx, path)
	require.NoError(t, err)

	// The snapshot must be a self-contained database with the view intact.
	out, err := OpenReadOnly(ctx, log, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = out.Close() })

	var value string
	err = out.QueryRow(ctx, "SELECT data_value FROM core_view_en").Scan(&value)
	require.NoError(t, err)
	require.Equal(t, "42", value)

	// Read-only handles must reject writes.
	err = out.Exec(ctx, "INSERT INTO facts VALUES ('X', '1')")
	require.Error(t, err)
}

func TestCube_DuckDB_OpenReadOnly_RequiresPath(t *testing.T) {
	t.Parallel()
	log := cubetesting.NewLogger()

	_, err := OpenReadOnly(t.Context(), log, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "path is required")
}

func TestCube_DuckDB_SnapshotPathEscaping(t *testing.T) {
	t.Parallel()
	require.Equal(t, "'it''s.duckdb'", quoteString("it's.duckdb"))
	require.Equal(t, "'/tmp/cube.duckdb'", quoteString("/tmp/cube.duckdb"))
}
