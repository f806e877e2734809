package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/statbase/cube/api/metrics"
	"github.com/statbase/cube/builder/pkg/cube"
	"github.com/statbase/cube/builder/pkg/meta"
)

type uploadLookupResponse struct {
	Filename string `json:"filename"`
}

// UploadLookup handles POST /datasets/{id}/lookups. It stores the bytes of
// a lookup file; dimension and measure declarations then reference it by
// filename. Re-uploading under the same name replaces the bytes.
func (h *Handlers) UploadLookup(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}

	dataset, err := h.store.GetDataset(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
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
		h.writeError(w, http.StatusConflict, "a fact table file already claims this name")
		return
	}

	if err := h.files.Save(r.Context(), cube.UploadKey(id, filename), file); err != nil {
		h.respondError(w, r, err)
		return
	}
	metrics.UploadBytesTotal.Add(float64(header.Size))
	h.writeJSON(w, http.StatusCreated, uploadLookupResponse{Filename: filename})
}

// AttachDimensionLookup handles POST /datasets/{id}/dimensions/{dimensionID}/lookup.
// The multipart form carries an optional lookup file under "file" and an
// optional extractor declaration as JSON under "extractor". Without a file
// the extractor is re-attached to the dimension's current lookup.
func (h *Handlers) AttachDimensionLookup(w http.ResponseWriter, r *http.Request) {
	datasetID, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	dimensionID, ok := h.uuidParam(w, r, "dimensionID")
	if !ok {
		return
	}

	dataset, err := h.store.GetDataset(r.Context(), datasetID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var dim *meta.Dimension
	for i := range dataset.Dimensions {
		if dataset.Dimensions[i].ID == dimensionID {
			dim = &dataset.Dimensions[i]
			break
		}
	}
	if dim == nil {
		h.writeError(w, http.StatusNotFound, "not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	var extractor *meta.LookupExtractor
	if raw := strings.TrimSpace(r.FormValue("extractor")); raw != "" {
		extractor = &meta.LookupExtractor{}
		if err := json.Unmarshal([]byte(raw), extractor); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid extractor parameter")
			return
		}
	}

	filename := dim.LookupFilename
	file, header, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
		if extractor == nil {
			h.writeError(w, http.StatusBadRequest, "file or extractor is required")
			return
		}
	case err != nil:
		h.writeError(w, http.StatusBadRequest, "invalid file parameter")
		return
	default:
		defer file.Close()
		filename = fileBasename(header)
		if filename == "" {
			h.writeError(w, http.StatusBadRequest, "file has no name")
			return
		}
		if uploadFilenameTaken(dataset, filename) {
			h.writeError(w, http.StatusConflict, "a fact table file already claims this name")
			return
		}
		if err := h.files.Save(r.Context(), cube.UploadKey(datasetID, filename), file); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	if filename == "" {
		h.writeError(w, http.StatusBadRequest, "dimension has no lookup file yet; file is required")
		return
	}

	if err := h.store.AttachDimensionLookup(r.Context(), dimensionID, filename, extractor); err != nil {
		h.respondError(w, r, err)
		return
	}

	dim.LookupFilename = filename
	dim.Extractor = extractor
	h.writeJSON(w, http.StatusOK, dim)
}
