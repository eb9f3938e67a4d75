package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kimhsiao/tripplanner/internal/errors"
	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/remote"
	"github.com/kimhsiao/tripplanner/internal/sync"
)

// maxBodyBytes caps request bodies for entity writes.
const maxBodyBytes = 1 << 20

// EntityHandler serves optimistic reads and writes of trips, notes and columns.
type EntityHandler struct {
	orch *sync.Orchestrator
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(o *sync.Orchestrator) *EntityHandler {
	return &EntityHandler{orch: o}
}

func kindParam(w http.ResponseWriter, r *http.Request) (models.EntityKind, bool) {
	kind, err := models.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: errors.ErrNotFound})
		return "", false
	}
	return kind, true
}

// List handles GET /api/{kind}?user_id=&parent_id=
// Offline records shadow server records with the same id.
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	filter := remote.Filter{
		UserID:   r.URL.Query().Get("user_id"),
		ParentID: r.URL.Query().Get("parent_id"),
	}
	entities, err := h.orch.List(r.Context(), kind, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	writeJSON(w, http.StatusOK, entities)
}

// Create handles POST /api/{kind}
// The entity is stored locally and queued; the response carries its placeholder id.
func (h *EntityHandler) Create(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	e, err := models.DecodeEntity(kind, body)
	if err != nil {
		badRequest(w, "Invalid request body")
		return
	}

	id, err := h.orch.CreateOptimistic(r.Context(), e)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     id,
		"entity": e,
	})
}

// Update handles PATCH /api/{kind}/{id}
func (h *EntityHandler) Update(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	var patch map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&patch); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if len(patch) == 0 {
		badRequest(w, "patch must not be empty")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.orch.UpdateOptimistic(r.Context(), kind, id, patch); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": id})
}

// Delete handles DELETE /api/{kind}/{id}
func (h *EntityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.orch.DeleteOptimistic(r.Context(), kind, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": id})
}
