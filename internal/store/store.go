// Package store provides transactional record and queue operations.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edunexus/offsync/internal/localid"
	"github.com/edunexus/offsync/internal/models"
)

// Store provides durable CRUD over per-entity record tables, the sync queue,
// and the conflict log. A record write and its queue enqueue always commit
// in one transaction: both succeed or both fail.
type Store struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (s *Store) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// LocalRecord Operations
// =====================================================

const recordColumns = "entity, id, server_id, payload, sync_status, local_updated_at, version, deleted"

// scanRecord scans one local_records row.
func scanRecord(row interface{ Scan(...interface{}) error }) (*models.LocalRecord, error) {
	var rec models.LocalRecord
	var serverID sql.NullString
	var payload string
	var deleted bool
	err := row.Scan(&rec.Entity, &rec.ID, &serverID, &payload, &rec.SyncStatus,
		&rec.LocalUpdatedAt, &rec.Version, &deleted)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		rec.ServerID = serverID.String
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

// GetRecord retrieves a record by entity and id. Tombstoned records are not
// visible to readers. Returns sql.ErrNoRows when absent.
func (s *Store) GetRecord(entity, id string) (*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM local_records WHERE entity = ? AND id = ? AND deleted = 0`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRow(entity, id))
}

// GetRecordForSync retrieves a record by entity and id including tombstoned
// rows. The sync engine needs the server id and version of a locally
// deleted record to replay its DELETE.
func (s *Store) GetRecordForSync(entity, id string) (*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM local_records WHERE entity = ? AND id = ?`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanRecord(stmt.QueryRow(entity, id))
}

// SetRecordServerID stores the authoritative server id on a record without
// touching its sync state. Used when an acknowledged mutation is not the
// record's latest: later local edits are still pending replay.
func (s *Store) SetRecordServerID(entity, id, serverID string) error {
	_, err := s.db.Exec(`UPDATE local_records SET server_id = ? WHERE entity = ? AND id = ?`,
		serverID, entity, id)
	return err
}

// GetAllRecords returns all visible records of an entity type, newest
// mutation first. An entity type with no records yet returns an empty slice,
// never an error: logical tables exist declaratively, absence of rows is not
// exceptional.
func (s *Store) GetAllRecords(entity string) ([]*models.LocalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM local_records
			  WHERE entity = ? AND deleted = 0 ORDER BY local_updated_at DESC, id`
	stmt, err := s.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*models.LocalRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// PutRecord inserts or overwrites a record by (entity, id).
func (s *Store) PutRecord(rec *models.LocalRecord) error {
	return s.putRecord(s.db, rec, false)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) putRecord(e execer, rec *models.LocalRecord, deleted bool) error {
	query := `
	INSERT INTO local_records (entity, id, server_id, payload, sync_status, local_updated_at, version, deleted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity, id) DO UPDATE SET
		server_id = excluded.server_id,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		local_updated_at = excluded.local_updated_at,
		version = excluded.version,
		deleted = excluded.deleted
	`
	var serverID interface{}
	if rec.ServerID != "" {
		serverID = rec.ServerID
	}
	_, err := e.Exec(query, rec.Entity, rec.ID, serverID, string(rec.Payload),
		rec.SyncStatus, rec.LocalUpdatedAt, rec.Version, deleted)
	return err
}

// ApplyServerRecord overwrites a record with authoritative server state and
// marks it synced. Used on successful replay and on server-wins resolution.
func (s *Store) ApplyServerRecord(entity, id, serverID string, version int, payload json.RawMessage) error {
	query := `
	UPDATE local_records
	SET server_id = ?, payload = ?, sync_status = ?, local_updated_at = ?, version = ?, deleted = 0
	WHERE entity = ? AND id = ?
	`
	_, err := s.db.Exec(query, serverID, string(payload), models.SyncStatusSynced,
		time.Now().UnixMilli(), version, entity, id)
	return err
}

// SetRecordStatus updates only the sync lifecycle state of a record.
func (s *Store) SetRecordStatus(entity, id string, status models.SyncStatus) error {
	query := `UPDATE local_records SET sync_status = ? WHERE entity = ? AND id = ?`
	result, err := s.db.Exec(query, status, entity, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RemoveRecord deletes a record row outright. Used once the server has
// confirmed a DELETE, or for never-synced records the server never saw.
func (s *Store) RemoveRecord(entity, id string) error {
	_, err := s.db.Exec(`DELETE FROM local_records WHERE entity = ? AND id = ?`, entity, id)
	return err
}

// =====================================================
// Atomic offline mutation helpers
// =====================================================

// CreateOffline creates a record and its CREATE queue item in one
// transaction. The returned record carries the newly assigned local id.
func (s *Store) CreateOffline(entity string, payload json.RawMessage) (*models.LocalRecord, *models.SyncQueueItem, error) {
	now := time.Now()
	rec := &models.LocalRecord{
		ID:             localid.New(),
		Entity:         entity,
		Payload:        payload,
		SyncStatus:     models.SyncStatusPending,
		LocalUpdatedAt: now.UnixMilli(),
		Version:        1,
	}
	item := newQueueItem(models.OperationCreate, entity, rec.ID, payload, 0, now)

	err := s.inTx(func(tx *sql.Tx) error {
		if err := s.putRecord(tx, rec, false); err != nil {
			return err
		}
		return s.enqueueItem(tx, item)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, item, nil
}

// UpdateOffline applies a local edit and its UPDATE queue item in one
// transaction. The record version increments and the record returns to
// pending until acknowledged.
func (s *Store) UpdateOffline(entity, id string, payload json.RawMessage) (*models.LocalRecord, *models.SyncQueueItem, error) {
	rec, err := s.GetRecord(entity, id)
	if err != nil {
		return nil, nil, err
	}

	baseVersion := rec.Version
	rec.Payload = payload
	rec.Touch()
	item := newQueueItem(models.OperationUpdate, entity, id, payload, baseVersion, time.Now())

	err = s.inTx(func(tx *sql.Tx) error {
		if err := s.putRecord(tx, rec, false); err != nil {
			return err
		}
		return s.enqueueItem(tx, item)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, item, nil
}

// DeleteOffline deletes a record locally. If the record was never synced the
// server never saw it: the row is removed outright and its still-pending
// queue items are cancelled instead of replaying a doomed DELETE. Otherwise
// the record is tombstoned and a DELETE is enqueued. A never-synced record
// whose CREATE is currently in flight does not collapse either: the server
// may already have applied the CREATE, so a DELETE is enqueued behind it.
// Returns collapsed=true when the CREATE+DELETE pair was cancelled.
func (s *Store) DeleteOffline(entity, id string) (collapsed bool, err error) {
	rec, err := s.GetRecord(entity, id)
	if err != nil {
		return false, err
	}

	var inFlight int
	err = s.db.QueryRow(`SELECT COUNT(1) FROM sync_queue WHERE entity = ? AND entity_id = ? AND status = ?`,
		entity, id, models.QueueStatusInFlight).Scan(&inFlight)
	if err != nil {
		return false, err
	}

	if rec.ServerID == "" && inFlight == 0 {
		err = s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(`DELETE FROM local_records WHERE entity = ? AND id = ?`, entity, id); err != nil {
				return err
			}
			_, err := tx.Exec(`DELETE FROM sync_queue WHERE entity_id = ? AND status IN (?, ?)`,
				id, models.QueueStatusPending, models.QueueStatusError)
			return err
		})
		return true, err
	}

	baseVersion := rec.Version
	rec.Touch()
	item := newQueueItem(models.OperationDelete, entity, id, rec.Payload, baseVersion, time.Now())

	err = s.inTx(func(tx *sql.Tx) error {
		if err := s.putRecord(tx, rec, true); err != nil {
			return err
		}
		return s.enqueueItem(tx, item)
	})
	return false, err
}

// inTx runs fn inside a transaction.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Clear destroys all local state in one transaction: records, queue, and
// conflict log. Used for logout and test teardown. A sync observing the
// store concurrently sees either the pre-clear or post-clear state, never a
// half-cleared table.
func (s *Store) Clear() error {
	return s.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"local_records", "sync_queue", "sync_conflicts"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return err
			}
		}
		return nil
	})
}

// =====================================================
// SyncQueue Operations
// =====================================================

const queueColumns = "id, operation, entity, entity_id, payload, base_version, idempotency_key, created_at, attempts, next_retry_at, status, last_error"

func newQueueItem(op models.Operation, entity, entityID string, payload json.RawMessage, baseVersion int, now time.Time) *models.SyncQueueItem {
	return &models.SyncQueueItem{
		Operation:      op,
		Entity:         entity,
		EntityID:       entityID,
		Payload:        payload,
		BaseVersion:    baseVersion,
		IdempotencyKey: uuid.New().String(),
		CreatedAt:      now.UnixMilli(),
		Status:         models.QueueStatusPending,
	}
}

// enqueueItem appends a queue item within the caller's transaction and
// fills in the assigned auto-increment id.
func (s *Store) enqueueItem(tx *sql.Tx, item *models.SyncQueueItem) error {
	query := `
	INSERT INTO sync_queue (operation, entity, entity_id, payload, base_version, idempotency_key, created_at, attempts, next_retry_at, status, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := tx.Exec(query, item.Operation, item.Entity, item.EntityID, string(item.Payload),
		item.BaseVersion, item.IdempotencyKey, item.CreatedAt, item.Attempts, item.NextRetryAt, item.Status, item.LastError)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	item.ID = id
	return nil
}

func scanQueueItem(row interface{ Scan(...interface{}) error }) (*models.SyncQueueItem, error) {
	var item models.SyncQueueItem
	var payload string
	err := row.Scan(&item.ID, &item.Operation, &item.Entity, &item.EntityID, &payload,
		&item.BaseVersion, &item.IdempotencyKey, &item.CreatedAt, &item.Attempts,
		&item.NextRetryAt, &item.Status, &item.LastError)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	return &item, nil
}

// DequeueNext returns the oldest pending item that is due and safe to
// replay, marking it in_flight. Eligibility enforces per-entity ordering:
// an item is skipped while any earlier non-done item or any in_flight item
// exists for the same entity id (single-flight per entity). entity filters
// to one entity type when non-empty. Returns nil when nothing qualifies.
func (s *Store) DequeueNext(now time.Time, entity string) (*models.SyncQueueItem, error) {
	query := `
	SELECT ` + queueColumns + ` FROM sync_queue q
	WHERE q.status = ? AND q.next_retry_at <= ?
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue p
		WHERE p.entity_id = q.entity_id
		  AND (p.status = ? OR (p.status != ? AND p.id < q.id))
	  )
	`
	args := []interface{}{models.QueueStatusPending, now.UnixMilli(),
		models.QueueStatusInFlight, models.QueueStatusDone}
	if entity != "" {
		query += " AND q.entity = ?"
		args = append(args, entity)
	}
	query += " ORDER BY q.id LIMIT 1"

	item, err := scanQueueItem(s.db.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	result, err := s.db.Exec(`UPDATE sync_queue SET status = ? WHERE id = ? AND status = ?`,
		models.QueueStatusInFlight, item.ID, models.QueueStatusPending)
	if err != nil {
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Raced with a concurrent dequeue or a clear; nothing to hand out.
		return nil, nil
	}
	item.Status = models.QueueStatusInFlight
	return item, nil
}

// GetQueueItem retrieves a queue item by id.
func (s *Store) GetQueueItem(id int64) (*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue WHERE id = ?`
	return scanQueueItem(s.db.QueryRow(query, id))
}

// MarkQueueDone removes a confirmed item from the queue.
func (s *Store) MarkQueueDone(id int64) error {
	result, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkQueueRetry records a failed attempt and its retry schedule. status is
// pending for a retryable failure or error once attempts are exhausted;
// errored items stay visible for inspection and manual retry.
func (s *Store) MarkQueueRetry(id int64, attempts int, nextRetryAt time.Time, status models.QueueStatus, lastError string) error {
	result, err := s.db.Exec(
		`UPDATE sync_queue SET attempts = ?, next_retry_at = ?, status = ?, last_error = ? WHERE id = ?`,
		attempts, nextRetryAt.UnixMilli(), status, lastError, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CancelQueueItem removes an item outright without replaying it.
func (s *Store) CancelQueueItem(id int64) error {
	result, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CountQueue returns the number of queue items, optionally restricted to the
// given statuses.
func (s *Store) CountQueue(statuses ...models.QueueStatus) (int, error) {
	query := `SELECT COUNT(*) FROM sync_queue`
	var args []interface{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	var count int
	err := s.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// ListQueueItems returns all queue items in enqueue order.
func (s *Store) ListQueueItems() ([]*models.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue ORDER BY id`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]*models.SyncQueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RecoverInFlight resets in_flight items back to pending. An in_flight item
// found at startup or after a connectivity loss is a crash-recovery case:
// the outcome of the prior attempt is unknown and the item must be re-issued
// from scratch. Returns the number of recovered items.
func (s *Store) RecoverInFlight() (int, error) {
	result, err := s.db.Exec(`UPDATE sync_queue SET status = ? WHERE status = ?`,
		models.QueueStatusPending, models.QueueStatusInFlight)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ResetErrored returns terminal-error items to pending with a fresh attempt
// budget. Used by operator-triggered manual retry.
func (s *Store) ResetErrored() (int, error) {
	result, err := s.db.Exec(
		`UPDATE sync_queue SET status = ?, attempts = 0, next_retry_at = 0, last_error = '' WHERE status = ?`,
		models.QueueStatusPending, models.QueueStatusError)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// NextDueAt returns the earliest next_retry_at among pending items, and
// false when the queue holds no pending items.
func (s *Store) NextDueAt() (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRow(`SELECT MIN(next_retry_at) FROM sync_queue WHERE status = ?`,
		models.QueueStatusPending).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

// =====================================================
// SyncConflict Operations
// =====================================================

// AppendConflict appends a conflict log entry. The log is append-only.
func (s *Store) AppendConflict(c *models.SyncConflict) error {
	c.ID = uuid.New().String()
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().UnixMilli()
	}

	query := `
	INSERT INTO sync_conflicts (id, entity, entity_id, local_version, server_version, local_payload, server_payload, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, c.ID, c.Entity, c.EntityID, c.LocalVersion, c.ServerVersion,
		string(c.LocalPayload), string(c.ServerPayload), c.Resolution, c.DetectedAt)
	return err
}

// ListConflicts returns all conflict log entries, newest first.
func (s *Store) ListConflicts() ([]*models.SyncConflict, error) {
	query := `
	SELECT id, entity, entity_id, local_version, server_version, local_payload, server_payload, resolution, detected_at
	FROM sync_conflicts ORDER BY detected_at DESC, id
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conflicts := make([]*models.SyncConflict, 0)
	for rows.Next() {
		var c models.SyncConflict
		var local, server string
		err := rows.Scan(&c.ID, &c.Entity, &c.EntityID, &c.LocalVersion, &c.ServerVersion,
			&local, &server, &c.Resolution, &c.DetectedAt)
		if err != nil {
			return nil, err
		}
		c.LocalPayload = json.RawMessage(local)
		c.ServerPayload = json.RawMessage(server)
		conflicts = append(conflicts, &c)
	}
	return conflicts, rows.Err()
}

// CountConflicts returns the number of logged conflicts.
func (s *Store) CountConflicts() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sync_conflicts`).Scan(&count)
	return count, err
}
