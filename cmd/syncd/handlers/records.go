// Package handlers provides the REST API handlers for the sync daemon.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edunexus/offsync/internal/store"
)

// Waker nudges the sync engine after a local mutation enqueues work.
type Waker interface {
	Wake()
}

// RecordsHandler handles optimistic local record mutations. Every write
// lands locally first and is acknowledged immediately; replay to the server
// happens in the background.
type RecordsHandler struct {
	store interface {
		store.RecordStore
		store.MutationStore
	}
	engine Waker
}

// NewRecordsHandler creates a new RecordsHandler. engine may be nil.
func NewRecordsHandler(st *store.Store, engine Waker) *RecordsHandler {
	return &RecordsHandler{store: st, engine: engine}
}

func (h *RecordsHandler) wake() {
	if h.engine != nil {
		h.engine.Wake()
	}
}

// List handles GET /api/records/{entity}
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	records, err := h.store.GetAllRecords(entity)
	if err != nil {
		http.Error(w, "Failed to list records", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// Get handles GET /api/records/{entity}/{id}
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")

	rec, err := h.store.GetRecord(entity, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to retrieve record", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Create handles POST /api/records/{entity}
// Assigns a local id, persists the record as pending and enqueues a CREATE.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")

	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	rec, _, err := h.store.CreateOffline(entity, payload)
	if err != nil {
		http.Error(w, "Failed to create record", http.StatusInternalServerError)
		return
	}
	h.wake()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

// Update handles PUT /api/records/{entity}/{id}
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")

	payload, ok := readPayload(w, r)
	if !ok {
		return
	}

	rec, _, err := h.store.UpdateOffline(entity, id, payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update record", http.StatusInternalServerError)
		return
	}
	h.wake()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// Delete handles DELETE /api/records/{entity}/{id}
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	id := chi.URLParam(r, "id")

	collapsed, err := h.store.DeleteOffline(entity, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "Record not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to delete record", http.StatusInternalServerError)
		return
	}
	if !collapsed {
		h.wake()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "success",
		"collapsed": collapsed,
	})
}

// readPayload reads and validates the request body as a JSON object.
func readPayload(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return nil, false
	}
	if !json.Valid(body) {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return nil, false
	}
	return json.RawMessage(body), true
}
