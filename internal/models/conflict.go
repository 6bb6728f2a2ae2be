// Package models provides data model definitions for the offsync engine.
package models

import (
	"encoding/json"
	"time"
)

// ResolutionServerWins is the fixed conflict policy: on divergence the
// server's value supersedes the local value without merge.
const ResolutionServerWins = "server_wins"

// SyncConflict records a resolved divergence between local and server state.
// Entries are append-only; they form the durable audit trail and are never
// mutated or auto-deleted.
type SyncConflict struct {
	ID            string          `db:"id" json:"id"`
	Entity        string          `db:"entity" json:"entity"`
	EntityID      string          `db:"entity_id" json:"entity_id"`
	LocalVersion  int             `db:"local_version" json:"local_version"`
	ServerVersion int             `db:"server_version" json:"server_version"`
	LocalPayload  json.RawMessage `db:"local_payload" json:"local_payload"`
	ServerPayload json.RawMessage `db:"server_payload" json:"server_payload"`
	Resolution    string          `db:"resolution" json:"resolution"`
	DetectedAt    int64           `db:"detected_at" json:"detected_at"` // unix ms
}

// TableName returns the table name for SyncConflict.
func (SyncConflict) TableName() string {
	return "sync_conflicts"
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *SyncConflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
