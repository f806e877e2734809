package handlers

import (
	"encoding/json"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/statbase/cube/api/metrics"
	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/meta"
)

// maxUploadBytes caps one multipart request body.
const maxUploadBytes = 1 << 30

// OpenRevision handles POST /datasets/{id}/revisions, opening a new draft
// chained to the dataset's most recent revision.
func (h *Handlers) OpenRevision(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}

	// Unknown dataset ids answer 404, not a foreign key violation.
	if _, err := h.store.GetDataset(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	rev, err := h.store.OpenRevision(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rev)
}

// Upload handles POST /datasets/{id}/revisions/{revisionID}/uploads. The
// multipart form carries the fact table file under "file", the
// reconciliation rule under "action" and the column catalog as JSON under
// "columns". The catalog is required on a dataset's first upload and must be
// omitted or identical afterwards; only the founding catalog defines the
// fact table schema.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	revisionID, ok := h.uuidParam(w, r, "revisionID")
	if !ok {
		return
	}

	dataset, err := h.store.GetDataset(r.Context(), datasetID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rev, found := dataset.Revision(revisionID)
	if !found {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if rev.Index > 0 {
		h.writeError(w, http.StatusConflict, "revision is already published")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	filename := fileBasename(header)
	if filename == "" {
		h.writeError(w, http.StatusBadRequest, "file has no name")
		return
	}
	if uploadFilenameTaken(dataset, filename) {
		h.writeError(w, http.StatusConflict, "a file with this name was already uploaded")
		return
	}

	action, err := meta.ParseRevisionAction(r.FormValue("action"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	columns, ok := h.parseColumns(w, r.FormValue("columns"))
	if !ok {
		return
	}
	if _, hasFounding := dataset.FoundingUpload(); !hasFounding && len(columns) == 0 {
		h.writeError(w, http.StatusBadRequest, "columns are required on the first upload")
		return
	}

	if err := h.files.Save(r.Context(), cube.UploadKey(datasetID, filename), file); err != nil {
		h.respondError(w, r, err)
		return
	}

	upload, err := h.store.AddUpload(r.Context(), revisionID, filename, action, columns)
	if err != nil {
		// The stored bytes are unreachable without the descriptor row.
		if delErr := h.files.Delete(r.Context(), cube.UploadKey(datasetID, filename)); delErr != nil {
			h.log.Warn("api: failed to remove orphaned upload file", "filename", filename, "error", delErr)
		}
		h.respondError(w, r, err)
		return
	}
	metrics.UploadBytesTotal.Add(float64(header.Size))
	h.writeJSON(w, http.StatusCreated, upload)
}

func (h *Handlers) parseColumns(w http.ResponseWriter, raw string) ([]meta.ColumnDescriptor, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	var columns []meta.ColumnDescriptor
	if err := json.Unmarshal([]byte(raw), &columns); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid columns parameter")
		return nil, false
	}
	for i, col := range columns {
		if strings.TrimSpace(col.Name) == "" {
			h.writeError(w, http.StatusBadRequest, "column name is required")
			return nil, false
		}
		role, err := meta.ParseColumnRole(string(col.Role))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return nil, false
		}
		columns[i].Role = role
	}
	return columns, true
}

// fileBasename strips any client-supplied path from a multipart filename.
// Returns empty when nothing usable remains.
func fileBasename(header *multipart.FileHeader) string {
	name := filepath.Base(strings.TrimSpace(header.Filename))
	if name == "." || name == "/" || name == string(filepath.Separator) {
		return ""
	}
	return name
}

// uploadFilenameTaken reports whether any revision already carries a fact
// table upload with this filename. Fact files share a key space with lookup
// files and replay by name, so names are claimed once.
func uploadFilenameTaken(dataset *meta.Dataset, filename string) bool {
	for i := range dataset.Revisions {
		for _, up := range dataset.Revisions[i].Uploads {
			if up.Filename == filename {
				return true
			}
		}
	}
	return false
}
