// Package sync provides engine interfaces for consumers of the sync engine.
package sync

import "context"

// EngineInterface is the surface the companion daemon and schedulers consume.
// It allows mocking the engine in handler tests.
type EngineInterface interface {
	// Start launches the background drain loop.
	Start(ctx context.Context) error

	// Stop halts the drain loop and waits for it to finish.
	Stop()

	// Sync performs one synchronous drain pass.
	Sync(ctx context.Context) (*Result, error)

	// TriggerManualSync forces a connectivity check and a drain pass.
	TriggerManualSync()

	// RetryErrors re-arms terminal-error items.
	RetryErrors() (int, error)

	// Status assembles the aggregate status surface.
	Status() (*StatusReport, error)

	// State returns the engine state.
	State() State
}

// Ensure *Engine implements the interface at compile time.
var _ EngineInterface = (*Engine)(nil)
