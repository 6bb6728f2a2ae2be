package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyProber flips between failing and succeeding under test control.
type flakyProber struct {
	mu   sync.Mutex
	fail bool
}

func (p *flakyProber) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *flakyProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("unreachable")
	}
	return nil
}

func TestInitialStatusOffline(t *testing.T) {
	m := NewMonitor(&flakyProber{fail: true}, time.Minute)
	if got := m.Current(); got != StatusOffline {
		t.Errorf("initial status = %q, want offline", got)
	}
}

func TestCheckNowConfirmsOnline(t *testing.T) {
	prober := &flakyProber{fail: false}
	m := NewMonitor(prober, time.Minute)

	if got := m.CheckNow(context.Background()); got != StatusOnline {
		t.Errorf("CheckNow() = %q, want online", got)
	}
	if got := m.Current(); got != StatusOnline {
		t.Errorf("Current() after probe = %q, want online", got)
	}
}

func TestCheckNowFailedProbeStaysOffline(t *testing.T) {
	prober := &flakyProber{fail: true}
	m := NewMonitor(prober, time.Minute)

	if got := m.CheckNow(context.Background()); got != StatusOffline {
		t.Errorf("CheckNow() = %q, want offline", got)
	}
}

func TestReportUnreachableImmediate(t *testing.T) {
	prober := &flakyProber{fail: false}
	m := NewMonitor(prober, time.Minute)
	m.CheckNow(context.Background())

	// Offline takes effect without waiting for a probe.
	m.ReportUnreachable()
	if got := m.Current(); got != StatusOffline {
		t.Errorf("status after ReportUnreachable() = %q, want offline", got)
	}
}

func TestOnChangeNotifiesTransitions(t *testing.T) {
	prober := &flakyProber{fail: false}
	m := NewMonitor(prober, time.Minute)

	var mu sync.Mutex
	var seen []Status
	m.OnChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	m.CheckNow(context.Background()) // offline -> online
	m.CheckNow(context.Background()) // no transition, no callback
	prober.setFail(true)
	m.CheckNow(context.Background()) // online -> offline

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusOnline, StatusOffline}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestProbeLoopRecovers(t *testing.T) {
	prober := &flakyProber{fail: true}
	m := NewMonitor(prober, 10*time.Millisecond)

	transitioned := make(chan Status, 4)
	m.OnChange(func(st Status) {
		select {
		case transitioned <- st:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	prober.setFail(false)

	select {
	case st := <-transitioned:
		if st != StatusOnline {
			t.Errorf("first transition = %q, want online", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe loop never confirmed recovery")
	}
}

func TestProberFunc(t *testing.T) {
	called := false
	var p Prober = ProberFunc(func(ctx context.Context) error {
		called = true
		return nil
	})
	if err := p.Probe(context.Background()); err != nil || !called {
		t.Errorf("ProberFunc not invoked: %v", err)
	}
}
