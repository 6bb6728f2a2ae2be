// Package sync provides the offline-first synchronization engine: it drains
// the durable mutation queue against the remote API whenever connectivity
// allows, applies server-wins conflict resolution, and reports aggregate
// status to the UI shell.
package sync

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/edunexus/offsync/internal/errors"
	"github.com/edunexus/offsync/internal/logging"
	"github.com/edunexus/offsync/internal/models"
	"github.com/edunexus/offsync/internal/store"
	"github.com/edunexus/offsync/internal/sync/conflict"
	"github.com/edunexus/offsync/internal/sync/connectivity"
	"github.com/edunexus/offsync/internal/sync/queue"
	"github.com/edunexus/offsync/internal/sync/remote"
)

// State represents the engine's internal state machine.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Indicator is the aggregate status the UI renders.
type Indicator string

const (
	IndicatorOnline  Indicator = "online"
	IndicatorOffline Indicator = "offline"
	IndicatorSyncing Indicator = "syncing"
	IndicatorPending Indicator = "pending"
	IndicatorError   Indicator = "error"
)

// DefaultEntityConcurrency bounds how many entities drain in parallel.
// Operations for the same entity id never run concurrently regardless.
const DefaultEntityConcurrency = 4

// RemoteAPI is the surface of the remote client the engine replays against.
type RemoteAPI interface {
	Apply(ctx context.Context, m remote.Mutation) (*remote.Record, error)
}

// Config holds engine tunables.
type Config struct {
	EntityConcurrency int64
}

// Result summarizes one drain pass.
type Result struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Completed int           `json:"completed"`
	Conflicts int           `json:"conflicts"`
	Errors    int           `json:"errors"`
}

// StatusReport is the point-in-time status surface for the UI.
type StatusReport struct {
	Indicator     Indicator           `json:"indicator"`
	State         State               `json:"state"`
	Connectivity  connectivity.Status `json:"connectivity"`
	QueueCount    int                 `json:"queue_count"`
	ErrorCount    int                 `json:"error_count"`
	ConflictCount int                 `json:"conflict_count"`
	LastSync      *time.Time          `json:"last_sync,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
}

// Engine orchestrates queue draining against the remote API.
type Engine struct {
	store       store.SyncStore
	queue       *queue.Manager
	resolver    *conflict.Resolver
	monitor     *connectivity.Monitor
	remote      RemoteAPI
	events      EventSink
	concurrency int64

	mu       sync.Mutex
	state    State
	lastSync *time.Time
	lastErr  error

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEngine creates a new Engine. events may be nil.
func NewEngine(st store.SyncStore, qm *queue.Manager, mon *connectivity.Monitor, api RemoteAPI, cfg Config, events EventSink) *Engine {
	if cfg.EntityConcurrency <= 0 {
		cfg.EntityConcurrency = DefaultEntityConcurrency
	}
	if events == nil {
		events = NopSink{}
	}
	return &Engine{
		store:       st,
		queue:       qm,
		resolver:    conflict.NewResolver(),
		monitor:     mon,
		remote:      api,
		events:      events,
		concurrency: cfg.EntityConcurrency,
		state:       StateIdle,
		wake:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// State returns the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastSync returns the timestamp of the last completed drain pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the last drain error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Start launches the background drain loop. Items orphaned in_flight by a
// previous process are re-armed first: their prior outcome is unknown and
// they must be re-issued from scratch.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.queue.RecoverInFlight(); err != nil {
		return err
	}

	e.monitor.OnChange(func(st connectivity.Status) {
		if st == connectivity.StatusOnline {
			// A reconnect may have orphaned an in-flight item mid-pass.
			if _, err := e.queue.RecoverInFlight(); err != nil {
				logging.Error("Failed to recover in-flight items", err)
			}
			e.Wake()
		}
	})

	e.wg.Add(1)
	go e.runLoop(ctx)

	// Startup with a non-empty queue triggers an immediate pass once the
	// monitor confirms reachability.
	if n, err := e.queue.Count(); err == nil && n > 0 {
		e.Wake()
	}
	return nil
}

// Stop halts the drain loop and waits for it to finish.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

// Wake nudges the drain loop to re-evaluate the queue.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// TriggerManualSync forces an immediate connectivity check and, if the API
// is reachable, an immediate drain pass.
func (e *Engine) TriggerManualSync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.monitor.CheckNow(ctx)
		e.Wake()
	}()
}

// RetryErrors re-arms terminal-error items and wakes the loop.
// Returns the number of items reset.
func (e *Engine) RetryErrors() (int, error) {
	n, err := e.queue.RetryAll()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.Wake()
	}
	return n, nil
}

// Status assembles the aggregate status surface.
// Indicator precedence: offline > syncing > error > pending > online.
func (e *Engine) Status() (*StatusReport, error) {
	pending, err := e.queue.Count()
	if err != nil {
		return nil, err
	}
	errored, err := e.queue.ErrorCount()
	if err != nil {
		return nil, err
	}
	conflicts, err := e.store.CountConflicts()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	state := e.state
	lastSync := e.lastSync
	lastErr := ""
	if e.lastErr != nil {
		lastErr = e.lastErr.Error()
	}
	e.mu.Unlock()

	conn := e.monitor.Current()

	var indicator Indicator
	switch {
	case conn == connectivity.StatusOffline:
		indicator = IndicatorOffline
	case state == StateSyncing:
		indicator = IndicatorSyncing
	case errored > 0:
		indicator = IndicatorError
	case pending > 0:
		indicator = IndicatorPending
	default:
		indicator = IndicatorOnline
	}

	return &StatusReport{
		Indicator:     indicator,
		State:         state,
		Connectivity:  conn,
		QueueCount:    pending,
		ErrorCount:    errored,
		ConflictCount: conflicts,
		LastSync:      lastSync,
		LastError:     lastErr,
	}, nil
}

// runLoop waits for wake signals and retry deadlines, draining whenever the
// API is reachable.
func (e *Engine) runLoop(ctx context.Context) {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-timer.C:
		}

		if e.monitor.Current() != connectivity.StatusOnline {
			continue
		}

		if _, err := e.Sync(ctx); err != nil && !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Error("Drain pass failed", err)
		}

		// Re-arm the timer for the next scheduled retry, if any.
		if next, ok, err := e.queue.NextDueAt(); err == nil && ok {
			delay := time.Until(next)
			if delay < 100*time.Millisecond {
				delay = 100 * time.Millisecond
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(delay)
		}
	}
}

// Sync performs one synchronous drain pass: it replays every due item until
// the queue holds no more eligible work, connectivity drops, or ctx is
// cancelled. Per-item failures never propagate out of the pass; they are
// recorded against the item and the pass continues with the next eligible
// item.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.state == StateSyncing {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	e.state = StateSyncing
	e.lastErr = nil
	e.mu.Unlock()

	e.events.SyncStarted()
	result := &Result{StartTime: time.Now()}

	e.drain(ctx, result)

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	errored, countErr := e.queue.ErrorCount()

	e.mu.Lock()
	if result.Errors > 0 || (countErr == nil && errored > 0) {
		e.state = StateError
	} else {
		e.state = StateIdle
	}
	now := result.EndTime
	e.lastSync = &now
	e.mu.Unlock()

	if errored > 0 {
		e.events.SyncFailed(errored)
	} else {
		e.events.SyncCompleted(result)
	}

	logging.Info("Drain pass finished", map[string]interface{}{
		"completed": result.Completed,
		"conflicts": result.Conflicts,
		"errors":    result.Errors,
		"duration":  result.Duration.String(),
	})
	return result, nil
}

// drain replays eligible items with bounded per-entity parallelism. The
// store-level dequeue enforces single-flight per entity id, so entities
// drain in parallel while each entity's operations stay strictly ordered.
func (e *Engine) drain(ctx context.Context, result *Result) {
	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup
	var active int64
	settled := make(chan struct{}, 1)

	for {
		if ctx.Err() != nil || e.monitor.Current() != connectivity.StatusOnline {
			// An item mid-call stays in_flight; it is re-issued from
			// scratch on reconnect.
			break
		}

		item, err := e.queue.DequeueNext("")
		if err != nil {
			e.setLastErr(err)
			break
		}
		if item == nil {
			if atomic.LoadInt64(&active) > 0 {
				// All remaining work is blocked behind in-flight
				// entities; wait for one to settle and re-poll.
				select {
				case <-settled:
					continue
				case <-ctx.Done():
				}
				break
			}
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		atomic.AddInt64(&active, 1)
		go func(item *models.SyncQueueItem) {
			defer wg.Done()
			e.processItem(ctx, item, result)
			sem.Release(1)
			atomic.AddInt64(&active, -1)
			select {
			case settled <- struct{}{}:
			default:
			}
		}(item)
	}

	wg.Wait()
}

// processItem replays a single queue item and settles its outcome.
func (e *Engine) processItem(ctx context.Context, item *models.SyncQueueItem, result *Result) {
	rec, err := e.store.GetRecordForSync(item.Entity, item.EntityID)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			// The record vanished underneath the queue (store cleared);
			// the mutation has nothing to apply to.
			if err := e.queue.Cancel(item.ID); err != nil {
				logging.Error("Failed to cancel orphaned queue item", err, map[string]interface{}{"id": item.ID})
			}
			return
		}
		e.setLastErr(err)
		return
	}

	resp, err := e.remote.Apply(ctx, remote.Mutation{
		Operation:      item.Operation,
		Entity:         item.Entity,
		EntityID:       item.EntityID,
		ServerID:       rec.ServerID,
		Payload:        item.Payload,
		BaseVersion:    item.BaseVersion,
		IdempotencyKey: item.IdempotencyKey,
	})

	if _, recErr := e.store.GetRecordForSync(item.Entity, item.EntityID); stderrors.Is(recErr, sql.ErrNoRows) {
		// The record vanished while the request was in flight (store
		// cleared). Whatever the server answered must not be written back;
		// drop the item instead of settling it.
		if cancelErr := e.queue.Cancel(item.ID); cancelErr != nil {
			logging.Error("Failed to cancel orphaned queue item", cancelErr, map[string]interface{}{"id": item.ID})
		}
		return
	}

	switch {
	case err == nil:
		e.settleSuccess(item, rec, resp, result)

	case isDeleteOfMissing(item, err):
		// The target is already gone server-side: an idempotent DELETE.
		e.finishDelete(item, result)

	case isConflict(err):
		server := err.(*remote.ConflictError).Server
		e.settleConflict(item, rec, server, result)

	case remote.IsTransient(err):
		e.reportUnreachable(err)
		if ctx.Err() != nil || e.monitor.Current() == connectivity.StatusOffline {
			// Leave the item in_flight; reconnect recovery re-issues it.
			return
		}
		terminal, markErr := e.queue.MarkError(item, err)
		if markErr != nil {
			e.setLastErr(markErr)
			return
		}
		if terminal {
			e.recordItemError(item, result)
		}

	default:
		// Permanent rejection: no retry schedule can fix it.
		if markErr := e.queue.MarkRejected(item, err); markErr != nil {
			e.setLastErr(markErr)
			return
		}
		e.recordItemError(item, result)
	}

	e.progress(result)
}

// settleSuccess applies a successful replay outcome.
func (e *Engine) settleSuccess(item *models.SyncQueueItem, rec *models.LocalRecord, resp *remote.Record, result *Result) {
	if item.Operation == models.OperationDelete {
		e.finishDelete(item, result)
		return
	}

	if resp == nil {
		e.setLastErr(errors.New(errors.ErrSyncRejected, "server returned no record for mutation"))
		if err := e.queue.MarkRejected(item, errors.New(errors.ErrSyncRejected, "empty mutation response")); err != nil {
			e.setLastErr(err)
		}
		e.recordItemError(item, result)
		return
	}

	if e.resolver.Diverged(item.BaseVersion, resp.Version) {
		e.settleConflict(item, rec, resp, result)
		return
	}

	if rec.Version == item.BaseVersion+1 {
		// This was the record's latest local mutation: fully synced.
		if err := e.store.ApplyServerRecord(item.Entity, item.EntityID, resp.ID, resp.Version, resp.Payload); err != nil {
			e.setLastErr(err)
			return
		}
	} else {
		// Later local edits are still queued; keep the record pending
		// but remember the authoritative id.
		if err := e.store.SetRecordServerID(item.Entity, item.EntityID, resp.ID); err != nil {
			e.setLastErr(err)
			return
		}
	}

	if err := e.queue.MarkDone(item.ID); err != nil {
		e.setLastErr(err)
		return
	}
	e.addCompleted(result)
}

// settleConflict applies server-wins resolution for a diverged item.
func (e *Engine) settleConflict(item *models.SyncQueueItem, rec *models.LocalRecord, server *remote.Record, result *Result) {
	res, err := e.resolver.Resolve(rec, conflict.ServerState{
		ServerID: server.ID,
		Version:  server.Version,
		Payload:  server.Payload,
	})
	if err != nil {
		e.setLastErr(err)
		return
	}

	if err := e.store.AppendConflict(res.Entry); err != nil {
		e.setLastErr(err)
		return
	}
	if err := e.store.ApplyServerRecord(item.Entity, item.EntityID, server.ID, server.Version, server.Payload); err != nil {
		e.setLastErr(err)
		return
	}
	if err := e.queue.MarkDone(item.ID); err != nil {
		e.setLastErr(err)
		return
	}

	e.events.ConflictDetected(res.Entry)

	e.mu.Lock()
	result.Conflicts++
	result.Completed++
	e.mu.Unlock()
}

// finishDelete settles a confirmed (or already-gone) DELETE.
func (e *Engine) finishDelete(item *models.SyncQueueItem, result *Result) {
	if err := e.store.RemoveRecord(item.Entity, item.EntityID); err != nil {
		e.setLastErr(err)
		return
	}
	if err := e.queue.MarkDone(item.ID); err != nil {
		e.setLastErr(err)
		return
	}
	e.addCompleted(result)
}

// recordItemError marks the owning record errored and counts the terminal
// failure.
func (e *Engine) recordItemError(item *models.SyncQueueItem, result *Result) {
	if err := e.store.SetRecordStatus(item.Entity, item.EntityID, models.SyncStatusError); err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		e.setLastErr(err)
	}
	e.mu.Lock()
	result.Errors++
	e.mu.Unlock()
}

func (e *Engine) addCompleted(result *Result) {
	e.mu.Lock()
	result.Completed++
	e.mu.Unlock()
}

func (e *Engine) progress(result *Result) {
	remaining, err := e.queue.Count()
	if err != nil {
		return
	}
	e.mu.Lock()
	completed := result.Completed
	e.mu.Unlock()
	e.events.SyncProgress(completed, remaining)
}

func (e *Engine) setLastErr(err error) {
	logging.Error("Sync engine error", err)
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// reportUnreachable forwards network-level failures to the monitor so the
// offline transition takes effect immediately. Server-side 5xx responses do
// not flip connectivity; the health probe owns that verdict.
func (e *Engine) reportUnreachable(err error) {
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		e.monitor.ReportUnreachable()
	}
}

func isConflict(err error) bool {
	var c *remote.ConflictError
	return stderrors.As(err, &c)
}

func isDeleteOfMissing(item *models.SyncQueueItem, err error) bool {
	if item.Operation != models.OperationDelete {
		return false
	}
	var nf *remote.NotFoundError
	return stderrors.As(err, &nf)
}
