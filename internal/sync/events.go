// Package sync provides the offline-first synchronization engine.
package sync

import "github.com/edunexus/offsync/internal/models"

// EventSink receives engine lifecycle notifications. The companion daemon
// forwards these to the UI shell over WebSocket; tests use it to observe
// engine behaviour. Implementations must not block.
type EventSink interface {
	// SyncStarted fires when a drain pass begins.
	SyncStarted()

	// SyncProgress fires after each item is settled during a pass.
	SyncProgress(completed, remaining int)

	// SyncCompleted fires when a drain pass ends without fatal errors.
	SyncCompleted(result *Result)

	// SyncFailed fires when a drain pass left items in the terminal
	// error state.
	SyncFailed(errorCount int)

	// ConflictDetected fires for every server-wins resolution.
	ConflictDetected(entry *models.SyncConflict)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) SyncStarted() {}

func (NopSink) SyncProgress(completed, remaining int) {}

func (NopSink) SyncCompleted(result *Result) {}

func (NopSink) SyncFailed(errorCount int) {}

func (NopSink) ConflictDetected(entry *models.SyncConflict) {}
