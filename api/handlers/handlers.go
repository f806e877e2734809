// Package handlers implements the publication API: dataset and revision
// management, fact table uploads, cube builds and the preview, export and
// download endpoints over built cubes.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/statbase/cube/api/builds"
	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
)

// Handlers carries the dependencies shared by every endpoint.
type Handlers struct {
	log    *slog.Logger
	store  *meta.Store
	files  filestore.Store
	builds *builds.Service
}

func New(log *slog.Logger, store *meta.Store, files filestore.Store, builds *builds.Service) *Handlers {
	return &Handlers{
		log:    log,
		store:  store,
		files:  files,
		builds: builds,
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("api: failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// datasetID parses the {id} route parameter. A malformed id writes the 400
// response and reports false.
func (h *Handlers) datasetID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return h.uuidParam(w, r, "id")
}

func (h *Handlers) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid "+name+" parameter")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
