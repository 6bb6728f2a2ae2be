// Package connectivity provides the process-wide source of truth for
// reachability of the remote API.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/edunexus/offsync/internal/logging"
)

// Status represents remote API reachability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Prober performs a single active health check against the remote API.
// A link can be up while the API is unreachable (server down, DNS failure),
// so reachability is always probe-confirmed, never inferred from the link.
type Prober interface {
	Probe(ctx context.Context) error
}

// DefaultProbeInterval is how often the monitor confirms reachability.
const DefaultProbeInterval = 15 * time.Second

// Monitor owns the online/offline state and broadcasts transitions.
// Transitions are asymmetric: offline is reported immediately (fail fast,
// stop attempting syncs), while a return to online must be confirmed by one
// successful probe to avoid thrashing on flaky links.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu          sync.RWMutex
	status      Status
	subscribers []func(Status)

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMonitor creates a Monitor. The initial status is offline until the
// first probe succeeds.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		status:   StatusOffline,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Current returns the point-in-time status.
func (m *Monitor) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnChange registers a callback invoked on every status transition.
// Callbacks run on the monitor goroutine and must not block.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Start begins the probe loop. The loop stops when ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.probeLoop(ctx)
}

// Stop halts the probe loop and waits for it to finish.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// ReportUnreachable is called by the sync engine when a remote call fails at
// the transport level. The transition to offline takes effect immediately
// rather than waiting for the next scheduled probe.
func (m *Monitor) ReportUnreachable() {
	m.transition(StatusOffline)
	// Wake the probe loop so recovery is noticed promptly.
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// CheckNow forces an immediate probe outside the regular schedule. Returns
// the resulting status.
func (m *Monitor) CheckNow(ctx context.Context) Status {
	m.probe(ctx)
	return m.Current()
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	// Initial probe so startup does not wait a full interval.
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.kick:
			m.probe(ctx)
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		m.transition(StatusOffline)
		return
	}
	m.transition(StatusOnline)
}

// transition updates the status and notifies subscribers on a change.
func (m *Monitor) transition(next Status) {
	m.mu.Lock()
	prev := m.status
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	subs := make([]func(Status), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	logging.Info("Connectivity status changed", map[string]interface{}{
		"was": string(prev),
		"now": string(next),
	})

	for _, fn := range subs {
		fn(next)
	}
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}
