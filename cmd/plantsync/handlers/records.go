package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dkowalski/plantsync/internal/db"
	"github.com/dkowalski/plantsync/internal/logging"
	"github.com/dkowalski/plantsync/internal/models"
	"github.com/dkowalski/plantsync/internal/services"
)

// RecordsHandler exposes CRUD for the five business record types. All
// writes flow through RecordService so they replicate.
type RecordsHandler struct {
	svc  *services.RecordService
	repo *db.Repository
}

// NewRecordsHandler creates a RecordsHandler.
func NewRecordsHandler(svc *services.RecordService, repo *db.Repository) *RecordsHandler {
	return &RecordsHandler{svc: svc, repo: repo}
}

// Register mounts the record routes on mux.
func (h *RecordsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sites", h.saveSite)
	mux.HandleFunc("GET /api/sites/{id}", h.getSite)
	mux.HandleFunc("DELETE /api/sites/{id}", h.deleteSite)

	mux.HandleFunc("POST /api/machines", h.saveMachine)
	mux.HandleFunc("GET /api/machines/{id}", h.getMachine)
	mux.HandleFunc("DELETE /api/machines/{id}", h.deleteMachine)

	mux.HandleFunc("POST /api/parts", h.savePart)
	mux.HandleFunc("GET /api/parts/{id}", h.getPart)
	mux.HandleFunc("DELETE /api/parts/{id}", h.deletePart)

	mux.HandleFunc("POST /api/maintenance-records", h.saveMaintenanceRecord)
	mux.HandleFunc("GET /api/maintenance-records/{id}", h.getMaintenanceRecord)

	mux.HandleFunc("POST /api/audit-tasks", h.saveAuditTask)
	mux.HandleFunc("GET /api/audit-tasks/{id}", h.getAuditTask)
}

// priorityFrom reads the optional priority query parameter. Saves default
// to immediate so edits reach the authority promptly; callers doing bulk
// entry pass priority=batched to lean on the periodic cycle instead.
func priorityFrom(r *http.Request) models.Priority {
	if r.URL.Query().Get("priority") == string(models.PriorityBatched) {
		return models.PriorityBatched
	}
	return models.PriorityImmediate
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSaveError(w http.ResponseWriter, err error) {
	logging.Error("Failed to save record", err)
	http.Error(w, "Failed to save record", http.StatusInternalServerError)
}

func writeGetError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	logging.Error("Failed to load record", err)
	http.Error(w, "Failed to load record", http.StatusInternalServerError)
}

func (h *RecordsHandler) saveSite(w http.ResponseWriter, r *http.Request) {
	var site models.Site
	if err := json.NewDecoder(r.Body).Decode(&site); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if site.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SaveSite(&site, priorityFrom(r)); err != nil {
		writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &site)
}

func (h *RecordsHandler) getSite(w http.ResponseWriter, r *http.Request) {
	site, err := h.repo.GetSite(r.PathValue("id"))
	if err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (h *RecordsHandler) deleteSite(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteSite(r.PathValue("id")); err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *RecordsHandler) saveMachine(w http.ResponseWriter, r *http.Request) {
	var m models.Machine
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if m.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SaveMachine(&m, priorityFrom(r)); err != nil {
		writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &m)
}

func (h *RecordsHandler) getMachine(w http.ResponseWriter, r *http.Request) {
	m, err := h.repo.GetMachine(r.PathValue("id"))
	if err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *RecordsHandler) deleteMachine(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMachine(r.PathValue("id")); err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *RecordsHandler) savePart(w http.ResponseWriter, r *http.Request) {
	var p models.Part
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if p.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SavePart(&p, priorityFrom(r)); err != nil {
		writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &p)
}

func (h *RecordsHandler) getPart(w http.ResponseWriter, r *http.Request) {
	p, err := h.repo.GetPart(r.PathValue("id"))
	if err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *RecordsHandler) deletePart(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeletePart(r.PathValue("id")); err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *RecordsHandler) saveMaintenanceRecord(w http.ResponseWriter, r *http.Request) {
	var m models.MaintenanceRecord
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if m.MachineID == "" {
		http.Error(w, "machine_id is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SaveMaintenanceRecord(&m, priorityFrom(r)); err != nil {
		writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &m)
}

func (h *RecordsHandler) getMaintenanceRecord(w http.ResponseWriter, r *http.Request) {
	m, err := h.repo.GetMaintenanceRecord(r.PathValue("id"))
	if err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *RecordsHandler) saveAuditTask(w http.ResponseWriter, r *http.Request) {
	var a models.AuditTask
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if a.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if err := h.svc.SaveAuditTask(&a, priorityFrom(r)); err != nil {
		writeSaveError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &a)
}

func (h *RecordsHandler) getAuditTask(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.GetAuditTask(r.PathValue("id"))
	if err != nil {
		writeGetError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
