// Package models provides data model definitions for the offsync engine.
package models

import (
	"encoding/json"
	"time"
)

// SyncStatus represents the sync lifecycle state of a local record.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusConflict SyncStatus = "conflict"
	SyncStatusError    SyncStatus = "error"
)

// LocalRecord is a client-durable copy of a domain entity, possibly not yet
// acknowledged by the server. Records live in a logical table per entity
// type ("students", "enrollments", ...), addressed by the Entity tag.
type LocalRecord struct {
	ID             string          `db:"id" json:"id"`
	Entity         string          `db:"entity" json:"entity"`
	ServerID       string          `db:"server_id" json:"server_id,omitempty"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	SyncStatus     SyncStatus      `db:"sync_status" json:"sync_status"`
	LocalUpdatedAt int64           `db:"local_updated_at" json:"local_updated_at"` // unix ms
	Version        int             `db:"version" json:"version"`
}

// TableName returns the table name for LocalRecord.
func (LocalRecord) TableName() string {
	return "local_records"
}

// LocalUpdatedAtTime returns LocalUpdatedAt as time.Time.
func (r *LocalRecord) LocalUpdatedAtTime() time.Time {
	return time.UnixMilli(r.LocalUpdatedAt)
}

// Touch records a local mutation: the version increments and the record
// drops back to pending until the server acknowledges it.
func (r *LocalRecord) Touch() {
	r.LocalUpdatedAt = time.Now().UnixMilli()
	r.Version++
	r.SyncStatus = SyncStatusPending
}

// MarkSynced applies a confirmed server acknowledgment.
func (r *LocalRecord) MarkSynced(serverID string, serverVersion int) {
	r.ServerID = serverID
	r.Version = serverVersion
	r.SyncStatus = SyncStatusSynced
}
