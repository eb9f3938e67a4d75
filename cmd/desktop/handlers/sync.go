package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kimhsiao/tripplanner/internal/models"
	"github.com/kimhsiao/tripplanner/internal/sync"
	"github.com/kimhsiao/tripplanner/internal/sync/queue"
)

// SyncHandler serves sync status, manual drains and the connectivity override.
type SyncHandler struct {
	orch *sync.Orchestrator
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(o *sync.Orchestrator) *SyncHandler {
	return &SyncHandler{orch: o}
}

// StatusResponse is returned by GET /api/sync/status.
type StatusResponse struct {
	sync.Status
	Queue *queue.Stats `json:"queue,omitempty"`
}

// GetStatus handles GET /api/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.orch.GetStatus(r.Context())}
	if stats, err := h.orch.Queue().GetStats(r.Context()); err == nil {
		resp.Queue = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerSync handles POST /api/sync
// Runs one drain pass. A pass already in flight yields 409, being offline 503.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	res := h.orch.SyncPendingOperations(r.Context())

	status := http.StatusOK
	switch {
	case res.Skipped && res.Reason == sync.SkipInProgress:
		status = http.StatusConflict
	case res.Skipped && res.Reason == sync.SkipOffline:
		status = http.StatusServiceUnavailable
	case res.Err != nil:
		status = http.StatusInternalServerError
	}

	body := map[string]interface{}{
		"result": res,
		"status": h.orch.GetStatus(r.Context()),
	}
	if res.Err != nil {
		body["error"] = res.Err.Error()
	}
	writeJSON(w, status, body)
}

// ListQueue handles GET /api/sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.orch.Queue().Pending(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*models.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"operations":  ops,
		"max_retries": h.orch.Queue().MaxRetries(),
	})
}

// SetConnectivity handles POST /api/connectivity {"online": bool}
// Going online starts a drain in the background.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	if request.Online == nil {
		badRequest(w, "online is required")
		return
	}

	if err := h.orch.SetOnline(r.Context(), *request.Online); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.orch.GetStatus(r.Context()))
}
