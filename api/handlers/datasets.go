package handlers

import (
	"net/http"
	"strings"

	"github.com/statbase/cube/builder/pkg/meta"
)

type createDatasetRequest struct {
	Title string `json:"title"`
}

// CreateDataset handles POST /datasets.
func (h *Handlers) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	dataset, err := h.store.CreateDataset(r.Context(), req.Title)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, dataset)
}

// ListDatasets handles GET /datasets with page_number/page_size parameters.
func (h *Handlers) ListDatasets(w http.ResponseWriter, r *http.Request) {
	params := ParsePage(r, DefaultPageSize)

	datasets, total, err := h.store.ListDatasets(r.Context(), params.Size, params.Offset())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, NewPage(datasets, params, total))
}

// GetDataset handles GET /datasets/{id}. The response includes the full
// revision history, dimension declarations and measure.
func (h *Handlers) GetDataset(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}

	dataset, err := h.store.GetDataset(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dataset)
}

type setDimensionsRequest struct {
	Dimensions []meta.Dimension `json:"dimensions"`
}

type setDimensionsResponse struct {
	Dimensions []meta.Dimension `json:"dimensions"`
}

// SetDimensions handles PUT /datasets/{id}/dimensions, replacing the full
// declaration set. Declaration order is preserved.
func (h *Handlers) SetDimensions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	var req setDimensionsRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	for i := range req.Dimensions {
		dim := &req.Dimensions[i]
		if strings.TrimSpace(dim.FactTableColumn) == "" {
			h.writeError(w, http.StatusBadRequest, "dimension fact_table_column is required")
			return
		}
		typ, err := meta.ParseDimensionType(string(dim.Type))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dim.Type = typ
	}

	// Unknown dataset ids answer 404, not a foreign key violation.
	if _, err := h.store.GetDataset(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	dims, err := h.store.SetDimensions(r.Context(), id, req.Dimensions)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, setDimensionsResponse{Dimensions: dims})
}

// SetMeasure handles PUT /datasets/{id}/measure. The body is the measure
// declaration; the dataset id comes from the path.
func (h *Handlers) SetMeasure(w http.ResponseWriter, r *http.Request) {
	id, ok := h.datasetID(w, r)
	if !ok {
		return
	}
	var m meta.Measure
	if !h.decodeBody(w, r, &m) {
		return
	}
	if strings.TrimSpace(m.FactTableColumn) == "" {
		h.writeError(w, http.StatusBadRequest, "measure fact_table_column is required")
		return
	}
	for i := range m.Info {
		info := &m.Info[i]
		if info.DisplayType == "" {
			continue
		}
		typ, err := meta.ParseDisplayType(string(info.DisplayType))
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		info.DisplayType = typ
	}
	m.DatasetID = id

	if _, err := h.store.GetDataset(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}

	if err := h.store.SetMeasure(r.Context(), m); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, m)
}
