// Package conflict provides conflict detection and server-wins resolution
// for divergence between local records and server state.
package conflict

import (
	"encoding/json"
	"time"

	"github.com/edunexus/offsync/internal/logging"
	"github.com/edunexus/offsync/internal/models"
)

// Resolver detects and resolves divergence between a replayed local mutation
// and the authoritative server record. The policy is fixed server-wins: the
// local edit is superseded, not merged and not replayed again. Resolution is
// always automatic so that offline-to-online transitions are unattended-safe.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ServerState is the authoritative record returned by the remote API after
// a mutation.
type ServerState struct {
	ServerID string
	Version  int
	Payload  json.RawMessage
}

// Result is the outcome of resolving one divergence.
type Result struct {
	// Applied is the state the local record must be overwritten with.
	Applied ServerState
	// Entry is the audit log entry to append.
	Entry *models.SyncConflict
}

// Diverged reports whether the server version returned for a replayed
// mutation reveals a concurrent update by someone else. A mutation replayed
// against base version N is expected to land the server at N+1 (a CREATE
// has base 0 and lands at 1); any strictly greater version means the server
// state moved underneath us for reasons other than this very mutation.
func (r *Resolver) Diverged(baseVersion, serverVersion int) bool {
	return serverVersion > baseVersion+1
}

// Resolve applies server-wins to a detected divergence: it produces the
// server state to overwrite the local record with and the append-only audit
// entry recording both sides.
func (r *Resolver) Resolve(local *models.LocalRecord, server ServerState) (*Result, error) {
	if local == nil {
		return nil, ErrInvalidConflict
	}

	entry := &models.SyncConflict{
		Entity:        local.Entity,
		EntityID:      local.ID,
		LocalVersion:  local.Version,
		ServerVersion: server.Version,
		LocalPayload:  local.Payload,
		ServerPayload: server.Payload,
		Resolution:    models.ResolutionServerWins,
		DetectedAt:    time.Now().UnixMilli(),
	}

	logging.Warn("Concurrent edit conflict resolved, server wins",
		map[string]interface{}{
			"entity":         local.Entity,
			"entity_id":      local.ID,
			"local_version":  local.Version,
			"server_version": server.Version,
			"resolution":     models.ResolutionServerWins,
		})

	return &Result{
		Applied: server,
		Entry:   entry,
	}, nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local record must be non-nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
