package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/edunexus/offsync/internal/store"
)

// AdminHandler handles health and lifecycle endpoints.
type AdminHandler struct {
	store store.MutationStore
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(st store.MutationStore) *AdminHandler {
	return &AdminHandler{store: st}
}

// Health handles GET /api/health
func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "offsync",
	})
}

// Reset handles POST /api/reset
// Destroys all local state in one transaction: records, queue and conflict
// log. Used on logout; unsynced changes are discarded.
func (h *AdminHandler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Clear(); err != nil {
		http.Error(w, "Failed to clear local state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "success",
		"message": "Local state cleared",
	})
}
