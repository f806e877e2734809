package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/statbase/cube/api/handlers/dberror"
	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/meta"
)

// respondError classifies an error from the store or the build engine into
// an HTTP response. Publisher-fixable build failures carry their message
// through; everything else is logged and answered generically so internal
// detail never leaks.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch status, msg := classify(err); status {
	case http.StatusInternalServerError:
		h.log.Error("api: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, status, msg)
	default:
		h.log.Debug("api: request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		h.writeError(w, status, msg)
	}
}

func classify(err error) (int, string) {
	if errors.Is(err, meta.ErrNotFound) {
		return http.StatusNotFound, "not found"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusRequestTimeout, "request cancelled"
	}

	// Handlers existence-check before writing, but a concurrent writer can
	// still land first; the schema's constraints are the backstop.
	if dberror.IsUniqueViolation(err) {
		return http.StatusConflict, "conflict"
	}
	if dberror.IsForeignKeyViolation(err) {
		return http.StatusNotFound, "not found"
	}
	if dberror.IsTransient(err) {
		return http.StatusServiceUnavailable, "metadata store unavailable"
	}

	// Build failures a publisher can act on: bad source files, unmatched
	// lookup values, broken catalogs and measure declarations.
	var schemaErr *cube.SchemaError
	var loadErr *cube.LoadError
	var validationErr *cube.ValidationError
	var measureErr *cube.MeasureConfigError
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &schemaErr),
		errors.As(err, &loadErr),
		errors.As(err, &measureErr):
		return http.StatusUnprocessableEntity, err.Error()
	}

	return http.StatusInternalServerError, "internal error"
}
