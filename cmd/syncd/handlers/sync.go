// Package handlers provides the REST API handlers for the sync daemon.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/edunexus/offsync/internal/store"
	syncengine "github.com/edunexus/offsync/internal/sync"
	"github.com/edunexus/offsync/internal/sync/queue"
)

// SyncHandler handles sync status and control endpoints.
type SyncHandler struct {
	engine syncengine.EngineInterface
	queue  *queue.Manager
	store  store.ConflictStore
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine syncengine.EngineInterface, queue *queue.Manager, conflicts store.ConflictStore) *SyncHandler {
	return &SyncHandler{
		engine: engine,
		queue:  queue,
		store:  conflicts,
	}
}

// GetStatus handles GET /api/sync/status
// Returns the aggregate indicator plus queue, error and conflict counts.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.Status()
	if err != nil {
		http.Error(w, "Failed to assemble sync status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// TriggerSync handles POST /api/sync/trigger
// Forces a connectivity check and, if reachable, an immediate drain pass.
// The pass runs in the background; progress arrives over the WebSocket.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	h.engine.TriggerManualSync()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "accepted",
	})
}

// GetQueue handles GET /api/sync/queue
// Returns all outstanding queue items in replay order plus per-status counts.
func (h *SyncHandler) GetQueue(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.List()
	if err != nil {
		http.Error(w, "Failed to list queue", http.StatusInternalServerError)
		return
	}

	stats, err := h.queue.Stats()
	if err != nil {
		http.Error(w, "Failed to count queue", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"items": items,
		"stats": stats,
	})
}

// RetryQueue handles POST /api/sync/queue/retry
// Re-arms items that exhausted their automatic retries.
func (h *SyncHandler) RetryQueue(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryErrors()
	if err != nil {
		http.Error(w, "Failed to retry errored items", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "success",
		"retried": n,
	})
}

// GetConflicts handles GET /api/sync/conflicts
// Returns the append-only conflict log, newest first.
func (h *SyncHandler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListConflicts()
	if err != nil {
		http.Error(w, "Failed to list conflicts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": entries,
		"count":     len(entries),
	})
}
