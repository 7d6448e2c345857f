package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dkowalski/plantsync/internal/db"
	"github.com/dkowalski/plantsync/internal/logging"
	syncengine "github.com/dkowalski/plantsync/internal/sync"
	"github.com/dkowalski/plantsync/internal/sync/scheduler"
)

// SyncHandler serves the replica's local sync surface: status for the UI
// and the manual trigger.
type SyncHandler struct {
	engine    *syncengine.Engine
	scheduler *scheduler.Scheduler
	repo      *db.Repository
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *syncengine.Engine, sched *scheduler.Scheduler, repo *db.Repository) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched, repo: repo}
}

// HandleStatus handles GET /api/sync/status on a replica: the local sync
// state rather than the authority's change feed.
func (h *SyncHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pending, err := h.engine.PendingChanges()
	if err != nil {
		logging.Error("Failed to count pending changes", err)
		http.Error(w, "Failed to read queue", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"status":          string(h.engine.Status()),
		"scheduler_state": string(h.scheduler.State()),
		"pending_changes": pending,
	}
	if last := h.engine.LastSync(); !last.IsZero() {
		response["last_sync"] = last.Format(time.RFC3339)
	}
	if err := h.engine.LastError(); err != nil {
		response["last_error"] = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleTrigger handles POST /api/sync/trigger: an operator-requested
// cycle. force bypasses the cooldown.
func (h *SyncHandler) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		// An empty body means an ordinary trigger.
		_ = json.NewDecoder(r.Body).Decode(&request)
	}

	h.scheduler.TriggerSync(request.Force)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "triggered",
		"forced": request.Force,
	})
}

// HandleConflicts handles GET /api/sync/conflicts: recent conflict log
// entries for the UI.
func (h *SyncHandler) HandleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	logs, err := h.repo.ListConflictLogs(100)
	if err != nil {
		logging.Error("Failed to read conflict log", err)
		http.Error(w, "Failed to read conflict log", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": logs,
	})
}
