// Package duckdb wraps the embedded analytical engine behind a small client.
// Every cube build runs against its own private database, usually in-memory,
// and snapshots the finished catalog into a single portable file that
// downstream consumers open read-only.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// DB is a handle on one embedded database. It is safe for concurrent use;
// the underlying database/sql pool shares a single engine instance.
type DB struct {
	db      *sql.DB
	log     *slog.Logger
	catalog string

	mu     sync.Mutex
	loaded map[string]bool
}

// Open opens a read-write database. An empty path opens an in-memory
// database that lives until Close.
func Open(ctx context.Context, log *slog.Logger, path string) (*DB, error) {
	return open(ctx, log, path, false)
}

// OpenReadOnly opens an existing database file without taking a write lock,
// so many readers can serve queries from the same artifact.
func OpenReadOnly(ctx context.Context, log *slog.Logger, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("failed to open duckdb read-only: path is required")
	}
	return open(ctx, log, path, true)
}

func open(ctx context.Context, log *slog.Logger, path string, readOnly bool) (*DB, error) {
	dsn := path
	if readOnly {
		dsn = path + "?access_mode=read_only"
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb database: %w", err)
	}

	var catalog string
	if err := db.QueryRowContext(ctx, "SELECT current_database()").Scan(&catalog); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	log.Debug("duckdb: database opened", "path", path, "catalog", catalog, "read_only", readOnly)

	return &DB{
		db:      db,
		log:     log,
		catalog: catalog,
		loaded:  map[string]bool{},
	}, nil
}

func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := d.db.ExecContext(ctx, query, args...)
	return err
}

// ExecRows executes a statement and reports the number of rows it changed.
func (d *DB) ExecRows(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

func (d *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}

// LoadExtension installs and loads a duckdb extension once per handle.
// Spreadsheet ingest needs the spatial extension for st_read.
func (d *DB) LoadExtension(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded[name] {
		return nil
	}
	if err := d.Exec(ctx, fmt.Sprintf("INSTALL %s; LOAD %s;", name, name)); err != nil {
		return fmt.Errorf("failed to load duckdb extension %s: %w", name, err)
	}
	d.loaded[name] = true
	return nil
}

// SnapshotTo copies the full catalog (tables, views, sequences) of this
// database into a fresh database file at path. The target must not exist.
func (d *DB) SnapshotTo(ctx context.Context, path string) error {
	const alias = "cube_out"

	if err := d.Exec(ctx, fmt.Sprintf("ATTACH %s AS %s", quoteString(path), alias)); err != nil {
		return fmt.Errorf("failed to attach snapshot database: %w", err)
	}
	if err := d.Exec(ctx, fmt.Sprintf("COPY FROM DATABASE %q TO %s", d.catalog, alias)); err != nil {
		// Best effort detach so the handle stays usable for cleanup.
		_ = d.Exec(ctx, fmt.Sprintf("DETACH %s", alias))
		return fmt.Errorf("failed to copy database to snapshot: %w", err)
	}
	if err := d.Exec(ctx, fmt.Sprintf("DETACH %s", alias)); err != nil {
		return fmt.Errorf("failed to detach snapshot database: %w", err)
	}

	d.log.Debug("duckdb: snapshot written", "path", path)
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// quoteString renders a SQL string literal with single quotes doubled.
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
