// Package queue provides sync queue management for offline mutations, with
// exponential backoff and retry bookkeeping over the durable queue table.
package queue

import (
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/edunexus/offsync/internal/logging"
	"github.com/edunexus/offsync/internal/models"
	"github.com/edunexus/offsync/internal/store"
)

// Defaults for retry behaviour. All are configurable via Config.
const (
	DefaultMaxAttempts = 5
	DefaultBackoffMin  = 1 * time.Second
	DefaultBackoffMax  = 8 * time.Second
)

// Config holds queue retry configuration.
type Config struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BackoffMin:  DefaultBackoffMin,
		BackoffMax:  DefaultBackoffMax,
	}
}

// Manager layers retry policy over the durable queue. Enqueueing itself
// happens inside the store's atomic mutation helpers; the manager owns
// everything that happens to an item afterwards.
type Manager struct {
	store       store.QueueStore
	maxAttempts int
	backoffMin  time.Duration
	backoffMax  time.Duration
}

// NewManager creates a queue Manager over the given store.
func NewManager(qs store.QueueStore, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = DefaultBackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = DefaultBackoffMax
	}
	return &Manager{
		store:       qs,
		maxAttempts: cfg.MaxAttempts,
		backoffMin:  cfg.BackoffMin,
		backoffMax:  cfg.BackoffMax,
	}
}

// DequeueNext returns the oldest due item that is safe to replay, marked
// in_flight, or nil when nothing qualifies. entity filters to one entity
// type when non-empty.
func (m *Manager) DequeueNext(entity string) (*models.SyncQueueItem, error) {
	item, err := m.store.DequeueNext(time.Now(), entity)
	if err != nil {
		return nil, err
	}
	if item != nil {
		logging.Debug("Dequeued queue item", map[string]interface{}{
			"id": item.ID, "operation": item.Operation, "entity_id": item.EntityID,
		})
	}
	return item, nil
}

// MarkDone removes a confirmed item from the queue.
func (m *Manager) MarkDone(id int64) error {
	if err := m.store.MarkQueueDone(id); err != nil {
		return settleErr(err)
	}
	logging.Debug("Queue item done", map[string]interface{}{"id": id})
	return nil
}

// settleErr filters settlement errors for items whose row no longer exists.
// A mutation can settle after the queue was cleared underneath it; the
// outcome is simply discarded rather than reported as a failure.
func settleErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// MarkError records a failed replay attempt. The item returns to pending
// with a backoff schedule until attempts are exhausted, then stays in the
// terminal error state where it remains visible for manual retry.
// Returns terminal=true once the attempt budget is spent.
func (m *Manager) MarkError(item *models.SyncQueueItem, cause error) (terminal bool, err error) {
	item.Attempts++
	item.LastError = cause.Error()

	if item.Attempts >= m.maxAttempts {
		item.Status = models.QueueStatusError
		item.NextRetryAt = 0
		if err := settleErr(m.store.MarkQueueRetry(item.ID, item.Attempts, time.UnixMilli(0), item.Status, item.LastError)); err != nil {
			return true, err
		}
		logging.Warn("Queue item failed permanently", map[string]interface{}{
			"id": item.ID, "operation": item.Operation, "entity_id": item.EntityID,
			"attempts": item.Attempts, "error": item.LastError,
		})
		return true, nil
	}

	delay := m.Backoff(item.Attempts)
	next := time.Now().Add(delay)
	item.Status = models.QueueStatusPending
	item.NextRetryAt = next.UnixMilli()
	if err := settleErr(m.store.MarkQueueRetry(item.ID, item.Attempts, next, item.Status, item.LastError)); err != nil {
		return false, err
	}
	logging.Info("Queue item scheduled for retry", map[string]interface{}{
		"id": item.ID, "operation": item.Operation, "entity_id": item.EntityID,
		"attempt": item.Attempts, "retry_in": delay.String(),
	})
	return false, nil
}

// MarkRejected moves an item straight to the terminal error state without
// consuming the retry schedule. Used for permanent server rejections that no
// amount of retrying can fix.
func (m *Manager) MarkRejected(item *models.SyncQueueItem, cause error) error {
	item.Attempts++
	item.Status = models.QueueStatusError
	item.NextRetryAt = 0
	item.LastError = cause.Error()
	if err := settleErr(m.store.MarkQueueRetry(item.ID, item.Attempts, time.UnixMilli(0), item.Status, item.LastError)); err != nil {
		return err
	}
	logging.Warn("Queue item rejected by server", map[string]interface{}{
		"id": item.ID, "operation": item.Operation, "entity_id": item.EntityID,
		"error": item.LastError,
	})
	return nil
}

// Backoff computes the delay before the given attempt number is retried:
// exponential from BackoffMin, capped at BackoffMax, with up to 25% jitter
// so that reconnecting clients do not retry in lockstep.
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := m.backoffMin << uint(attempt-1)
	if delay > m.backoffMax || delay <= 0 {
		delay = m.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// Cancel removes an item outright without replaying it.
func (m *Manager) Cancel(id int64) error {
	if err := settleErr(m.store.CancelQueueItem(id)); err != nil {
		return err
	}
	logging.Debug("Queue item cancelled", map[string]interface{}{"id": id})
	return nil
}

// Count returns the number of items currently awaiting replay
// (pending or in_flight).
func (m *Manager) Count() (int, error) {
	return m.store.CountQueue(models.QueueStatusPending, models.QueueStatusInFlight)
}

// ErrorCount returns the number of items stuck in the terminal error state.
func (m *Manager) ErrorCount() (int, error) {
	return m.store.CountQueue(models.QueueStatusError)
}

// List returns all queue items in enqueue order.
func (m *Manager) List() ([]*models.SyncQueueItem, error) {
	return m.store.ListQueueItems()
}

// RetryAll resets all terminal-error items to pending with a fresh attempt
// budget. Returns the number of items reset.
func (m *Manager) RetryAll() (int, error) {
	n, err := m.store.ResetErrored()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset errored queue items for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RecoverInFlight re-arms items orphaned in_flight by a crash or
// connectivity loss. The prior attempt's outcome is unknown, so they are
// re-issued from scratch; the idempotency key makes the replay safe.
func (m *Manager) RecoverInFlight() (int, error) {
	n, err := m.store.RecoverInFlight()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Recovered in-flight queue items", map[string]interface{}{"count": n})
	}
	return n, nil
}

// NextDueAt returns the earliest time a pending item becomes due, and false
// when the queue holds no pending items.
func (m *Manager) NextDueAt() (time.Time, bool, error) {
	return m.store.NextDueAt()
}

// Stats returns queue item counts by status.
func (m *Manager) Stats() (map[string]int, error) {
	items, err := m.store.ListQueueItems()
	if err != nil {
		return nil, err
	}

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"in_flight": 0,
		"error":     0,
	}
	for _, item := range items {
		stats["total"]++
		switch item.Status {
		case models.QueueStatusPending:
			stats["pending"]++
		case models.QueueStatusInFlight:
			stats["in_flight"]++
		case models.QueueStatusError:
			stats["error"]++
		}
	}
	return stats, nil
}
