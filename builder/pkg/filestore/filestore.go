// Package filestore stores raw uploaded files and finished cube artifacts.
// Keys are opaque slash-separated paths owned by the caller, e.g.
// datasets/<id>/uploads/<file> or datasets/<id>/cubes/<revision>.duckdb.
package filestore

import (
	"context"
	"io"
)

// Store is the blob storage contract shared by the local and S3 backends.
type Store interface {
	// Save persists the reader's contents under key, replacing any
	// existing object.
	Save(ctx context.Context, key string, r io.Reader) error

	// Fetch materializes the object as a local temporary file whose
	// extension matches the key, so format detection by extension keeps
	// working. The cleanup func removes the temp file and must be called
	// on every path.
	Fetch(ctx context.Context, key string) (path string, cleanup func(), err error)

	// Open streams the object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
