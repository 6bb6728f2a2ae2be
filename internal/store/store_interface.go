// Package store provides storage interfaces for the offsync engine.
package store

import (
	"encoding/json"
	"time"

	"github.com/edunexus/offsync/internal/models"
)

// RecordStore defines operations for local record persistence.
// The interface allows mocking in engine tests.
type RecordStore interface {
	// GetRecord retrieves a record by entity and id.
	GetRecord(entity, id string) (*models.LocalRecord, error)

	// GetRecordForSync retrieves a record including tombstoned rows.
	GetRecordForSync(entity, id string) (*models.LocalRecord, error)

	// GetAllRecords returns all visible records of an entity type.
	GetAllRecords(entity string) ([]*models.LocalRecord, error)

	// SetRecordServerID stores the authoritative server id on a record.
	SetRecordServerID(entity, id, serverID string) error

	// PutRecord inserts or overwrites a record by (entity, id).
	PutRecord(rec *models.LocalRecord) error

	// ApplyServerRecord overwrites a record with authoritative server state.
	ApplyServerRecord(entity, id, serverID string, version int, payload json.RawMessage) error

	// SetRecordStatus updates the sync lifecycle state of a record.
	SetRecordStatus(entity, id string, status models.SyncStatus) error

	// RemoveRecord deletes a record row outright.
	RemoveRecord(entity, id string) error
}

// MutationStore defines the atomic record-plus-queue mutation helpers.
type MutationStore interface {
	// CreateOffline creates a record and its CREATE queue item atomically.
	CreateOffline(entity string, payload json.RawMessage) (*models.LocalRecord, *models.SyncQueueItem, error)

	// UpdateOffline applies a local edit and its UPDATE queue item atomically.
	UpdateOffline(entity, id string, payload json.RawMessage) (*models.LocalRecord, *models.SyncQueueItem, error)

	// DeleteOffline deletes locally, collapsing never-synced CREATE+DELETE pairs.
	DeleteOffline(entity, id string) (collapsed bool, err error)

	// Clear destroys all local state atomically.
	Clear() error
}

// QueueStore defines operations for the durable sync queue.
type QueueStore interface {
	DequeueNext(now time.Time, entity string) (*models.SyncQueueItem, error)
	GetQueueItem(id int64) (*models.SyncQueueItem, error)
	MarkQueueDone(id int64) error
	MarkQueueRetry(id int64, attempts int, nextRetryAt time.Time, status models.QueueStatus, lastError string) error
	CancelQueueItem(id int64) error
	CountQueue(statuses ...models.QueueStatus) (int, error)
	ListQueueItems() ([]*models.SyncQueueItem, error)
	RecoverInFlight() (int, error)
	ResetErrored() (int, error)
	NextDueAt() (time.Time, bool, error)
}

// ConflictStore defines operations for the append-only conflict log.
type ConflictStore interface {
	AppendConflict(c *models.SyncConflict) error
	ListConflicts() ([]*models.SyncConflict, error)
	CountConflicts() (int, error)
}

// SyncStore groups the stores the sync engine depends on.
type SyncStore interface {
	RecordStore
	QueueStore
	ConflictStore
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ RecordStore   = (*Store)(nil)
	_ MutationStore = (*Store)(nil)
	_ QueueStore    = (*Store)(nil)
	_ ConflictStore = (*Store)(nil)
	_ SyncStore     = (*Store)(nil)
)
