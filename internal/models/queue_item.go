// Package models provides data model definitions for the offsync engine.
package models

import (
	"encoding/json"
	"time"
)

// Operation represents a queued mutation type.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// QueueStatus represents the replay state of a queued mutation.
type QueueStatus string

const (
	QueueStatusPending  QueueStatus = "pending"
	QueueStatusInFlight QueueStatus = "in_flight"
	QueueStatusDone     QueueStatus = "done"
	QueueStatusError    QueueStatus = "error"
)

// SyncQueueItem is a durable pending mutation awaiting replay against the
// server. The auto-incrementing ID doubles as the enqueue-order key;
// operations for the same EntityID are always replayed in ID order.
// BaseVersion is the record version the client knew before this mutation
// (0 for a CREATE); a successful replay is expected to land the server at
// BaseVersion+1, and anything greater reveals a concurrent update.
type SyncQueueItem struct {
	ID             int64           `db:"id" json:"id"`
	Operation      Operation       `db:"operation" json:"operation"`
	Entity         string          `db:"entity" json:"entity"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	BaseVersion    int             `db:"base_version" json:"base_version"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	CreatedAt      int64           `db:"created_at" json:"created_at"` // unix ms
	Attempts       int             `db:"attempts" json:"attempts"`
	NextRetryAt    int64           `db:"next_retry_at" json:"next_retry_at"` // unix ms
	Status         QueueStatus     `db:"status" json:"status"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (i *SyncQueueItem) CreatedAtTime() time.Time {
	return time.UnixMilli(i.CreatedAt)
}

// Due reports whether the item is eligible for replay at the given time.
func (i *SyncQueueItem) Due(now time.Time) bool {
	return i.Status == QueueStatusPending && i.NextRetryAt <= now.UnixMilli()
}
