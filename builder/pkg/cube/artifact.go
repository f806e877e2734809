package cube

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/statbase/cube/builder/pkg/duckdb"
)

// Artifact is a handle on one finished cube file on local disk. The caller
// owns its lifetime: preview callers remove it after reading, publish
// callers persist it to the file store first and then remove it.
type Artifact struct {
	log  *slog.Logger
	dir  string
	path string
}

// Path returns the artifact file's location.
func (a *Artifact) Path() string { return a.path }

// Filename returns the artifact's base name, used as the stored cube name.
func (a *Artifact) Filename() string { return filepath.Base(a.path) }

// Open opens the artifact read-only for preview and export queries.
func (a *Artifact) Open(ctx context.Context) (*duckdb.DB, error) {
	return duckdb.OpenReadOnly(ctx, a.log, a.path)
}

// Size returns the artifact file's size in bytes.
func (a *Artifact) Size() (int64, error) {
	info, err := os.Stat(a.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Remove deletes the artifact and its private temp directory.
func (a *Artifact) Remove() error {
	return os.RemoveAll(a.dir)
}
