package handlers

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/statbase/cube/api/builds"
	"github.com/statbase/cube/api/metrics"
	"github.com/statbase/cube/builder/pkg/cube"
)

// Build handles POST /datasets/{id}/build?revision=&mode=. Without a
// revision parameter the dataset's most recent revision is built. Preview
// mode caches the artifact in the server; publish mode assigns the revision
// index and persists the cube through the file store.
func (h *Handlers) Build(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}

	mode, err := builds.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var revisionID uuid.UUID
	if raw := r.URL.Query().Get("revision"); raw != "" {
		revisionID, err = uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid revision parameter")
			return
		}
	} else {
		dataset, err := h.store.GetDataset(r.Context(), id)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		latest := dataset.LatestRevision()
		if latest == nil {
			h.writeError(w, http.StatusNotFound, "dataset has no revisions")
			return
		}
		revisionID = latest.ID
	}

	result, err := h.builds.Run(r.Context(), id, revisionID, mode)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.log.Info("api: cube built",
		"dataset_id", result.DatasetID,
		"revision_id", result.RevisionID,
		"mode", result.Mode,
		"duration", result.Duration,
	)
	h.writeJSON(w, http.StatusOK, result)
}

type previewResponse struct {
	Locale       string   `json:"locale"`
	RevisionID   string   `json:"revision_id"`
	Headers      []string `json:"headers"`
	Rows         [][]any  `json:"rows"`
	PageNumber   int      `json:"page_number"`
	PageSize     int      `json:"page_size"`
	TotalPages   int      `json:"total_pages"`
	TotalRecords int      `json:"total_records"`
}

// Preview handles GET /datasets/{id}/preview?locale=&page_number=&page_size=.
// It pages through the locale view of the most recently built artifact. Rows
// come back as arrays aligned with the headers, preserving view column order.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	locale, ok := h.localeParam(w, r)
	if !ok {
		return
	}
	params := ParsePage(r, DefaultPageSize)

	artifact, revisionID, found := h.builds.Artifact(id)
	if !found {
		h.writeError(w, http.StatusNotFound, "no cube built for this dataset yet")
		return
	}

	db, err := artifact.Open(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer db.Close()

	view := cube.ViewName(locale)

	var total int
	if err := db.QueryRow(r.Context(), "SELECT count(*) FROM "+view).Scan(&total); err != nil {
		h.respondError(w, r, err)
		return
	}

	rows, err := db.Query(r.Context(),
		fmt.Sprintf("SELECT * FROM %s LIMIT %d OFFSET %d", view, params.Size, params.Offset()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer rows.Close()

	headers, err := rows.Columns()
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	out := make([][]any, 0, params.Size)
	scan := make([]any, len(headers))
	ptrs := make([]any, len(headers))
	for i := range scan {
		ptrs[i] = &scan[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			h.respondError(w, r, err)
			return
		}
		row := make([]any, len(headers))
		for i, v := range scan {
			if b, isBytes := v.([]byte); isBytes {
				row[i] = string(b)
			} else {
				row[i] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, previewResponse{
		Locale:       locale,
		RevisionID:   revisionID.String(),
		Headers:      headers,
		Rows:         out,
		PageNumber:   params.Number,
		PageSize:     params.Size,
		TotalPages:   totalPages(total, params.Size),
		TotalRecords: total,
	})
}

type exportFormat struct {
	copySpec    string
	extension   string
	contentType string
}

var exportFormats = map[string]exportFormat{
	"csv":     {"FORMAT CSV, HEADER", ".csv", "text/csv; charset=utf-8"},
	"parquet": {"FORMAT PARQUET", ".parquet", "application/octet-stream"},
	"jsonl":   {"FORMAT JSON", ".jsonl", "application/x-ndjson"},
}

// Export handles GET /datasets/{id}/export?locale=&format=. The whole locale
// view is materialized to a file with COPY TO and streamed back.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	locale, ok := h.localeParam(w, r)
	if !ok {
		return
	}
	name := r.URL.Query().Get("format")
	if name == "" {
		name = "csv"
	}
	format, known := exportFormats[name]
	if !known {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported export format %q (want csv, parquet or jsonl)", name))
		return
	}

	artifact, revisionID, found := h.builds.Artifact(id)
	if !found {
		h.writeError(w, http.StatusNotFound, "no cube built for this dataset yet")
		return
	}

	db, err := artifact.Open(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer db.Close()

	dir, err := os.MkdirTemp("", "cube-export-")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer os.RemoveAll(dir)

	filename := fmt.Sprintf("%s_%s_%s%s", id, revisionID, strings.Split(locale, "-")[0], format.extension)
	path := filepath.Join(dir, filename)

	copySQL := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (%s)",
		cube.ViewName(locale), sqlString(path), format.copySpec)
	err = db.Exec(r.Context(), copySQL)
	metrics.RecordExport(name, err)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", format.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	http.ServeFile(w, r, path)
}

// DownloadCube handles GET /datasets/{id}/cube. It serves the cached
// artifact when one exists, falling back to the latest published cube in
// the file store.
func (h *Handlers) DownloadCube(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}

	if artifact, _, found := h.builds.Artifact(id); found {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.Filename()))
		http.ServeFile(w, r, artifact.Path())
		return
	}

	dataset, err := h.store.GetDataset(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	published := dataset.LatestPublished()
	if published == nil || published.CubeFilename == "" {
		h.writeError(w, http.StatusNotFound, "no cube built for this dataset yet")
		return
	}

	reader, err := h.files.Open(r.Context(), cube.ArtifactKey(id, published.CubeFilename))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", published.CubeFilename))
	if _, err := io.Copy(w, reader); err != nil {
		h.log.Debug("api: cube download aborted", "dataset_id", id, "error", err)
	}
}

func (h *Handlers) localeParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	locale := r.URL.Query().Get("locale")
	if locale == "" {
		h.writeError(w, http.StatusBadRequest, "locale parameter is required")
		return "", false
	}
	if !slices.Contains(h.builds.Locales(), locale) {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported locale %q", locale))
		return "", false
	}
	return locale, true
}

// sqlString renders a SQL string literal with single quotes doubled.
func sqlString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
