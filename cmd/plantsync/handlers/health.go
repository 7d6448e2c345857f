package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/dkowalski/plantsync/internal/runmode"
)

// HandleHealth serves GET /api/health with the process role baked in.
func HandleHealth(oracle *runmode.Oracle) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"service": "plantsync",
			"role":    string(oracle.Role()),
		})
	}
}
