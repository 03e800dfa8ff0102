package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/pkg/types"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func healthyResolver(calls *atomic.Int32) *probe.Registry {
	r := probe.NewRegistry()
	r.Register("http", probe.ProtocolFunc(func(ctx context.Context, address string) (types.HealthOutcome, error) {
		calls.Add(1)
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return types.HealthOutcome{}, ctx.Err()
		}
		return types.HealthOutcome{Status: types.StatusHealthy, ResponseTime: 20 * time.Millisecond}, nil
	}))
	return r
}

func monitorSettings(interval time.Duration) types.MonitorSettings {
	return types.MonitorSettings{
		HealthCheckInterval: types.Duration(interval),
		ShortTimeout:        types.Duration(time.Second),
		FailureTimeout:      types.Duration(time.Second),
		MaxBackOffInterval:  types.Duration(10 * interval),
	}
}

var e1 = types.EndpointIdentity{ID: "E1", Address: "http://x/status", MonitorType: "http"}

func startRuntime(t *testing.T, rt *Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rt.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestRuntimeProducesUpdatesForRegisteredEndpoint(t *testing.T) {
	interval := 200 * time.Millisecond
	var calls atomic.Int32
	rt := New(WithResolver(healthyResolver(&calls)), WithMonitorSettings(monitorSettings(interval)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*interval)
	defer cancel()
	if _, ok := rt.Registry().TryRegister(e1); !ok {
		t.Fatalf("register E1")
	}
	rt.Run(ctx)

	updates := rt.Buffer().Drain(0)
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	for _, u := range updates {
		if u.EndpointID != "E1" || u.Outcome.Status != types.StatusHealthy {
			t.Fatalf("unexpected update %+v", u)
		}
	}
}

func TestReconcileEmptyStopsLoop(t *testing.T) {
	var calls atomic.Int32
	rt := New(WithResolver(healthyResolver(&calls)), WithMonitorSettings(monitorSettings(30*time.Millisecond)))

	var mu sync.Mutex
	var finished []string
	rt.OnLoopFinished(func(id string) {
		mu.Lock()
		finished = append(finished, id)
		mu.Unlock()
	})
	startRuntime(t, rt)

	rt.Registry().Reconcile([]types.EndpointIdentity{e1})
	waitUntil(t, time.Second, func() bool { return rt.Buffer().Len() >= 1 })

	rt.Registry().Reconcile(nil)
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finished) == 1 && finished[0] == "E1"
	})
	if rt.Engine().Len() != 0 {
		t.Fatalf("expected no loops after removal, got %d", rt.Engine().Len())
	}

	rt.Buffer().Drain(0)
	before := calls.Load()
	time.Sleep(100 * time.Millisecond)
	if rt.Buffer().Len() != 0 || calls.Load() != before {
		t.Fatalf("expected no further checks after removal")
	}
}

func TestReAddedEndpointGetsNewLoop(t *testing.T) {
	var calls atomic.Int32
	rt := New(WithResolver(healthyResolver(&calls)), WithMonitorSettings(monitorSettings(20*time.Millisecond)))
	startRuntime(t, rt)

	rt.Registry().Reconcile([]types.EndpointIdentity{e1})
	waitUntil(t, time.Second, func() bool { return rt.Engine().Running() == 1 })

	rt.Registry().Reconcile(nil)
	rt.Registry().Reconcile([]types.EndpointIdentity{e1})

	waitUntil(t, time.Second, func() bool {
		ep := rt.Registry().Get("E1")
		return ep != nil && !ep.Disposed() && rt.Engine().Running() == 1
	})
	rt.Buffer().Drain(0)
	waitUntil(t, time.Second, func() bool { return rt.Buffer().Len() > 0 })
}

func TestSingleLoopPerEndpoint(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	resolver := probe.NewRegistry()
	resolver.Register("http", probe.ProtocolFunc(func(ctx context.Context, address string) (types.HealthOutcome, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return types.HealthOutcome{Status: types.StatusHealthy}, nil
	}))
	rt := New(WithResolver(resolver), WithMonitorSettings(monitorSettings(time.Millisecond)))
	startRuntime(t, rt)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Registry().Reconcile([]types.EndpointIdentity{e1})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if maxInFlight.Load() != 1 {
		t.Fatalf("expected checks of E1 never to overlap, saw %d", maxInFlight.Load())
	}
	if rt.Engine().Len() != 1 {
		t.Fatalf("expected one loop, got %d", rt.Engine().Len())
	}
}

func TestThrottlingAppliedFromSettings(t *testing.T) {
	rt := New(WithResolver(probe.NewRegistry()))
	rt.Settings().Apply(types.CollectorConfig{Throttling: types.ThrottlingSettings{"http": 3}})
	if rt.Throttles().Limit("http") != 3 {
		t.Fatalf("expected throttles to follow settings, got %d", rt.Throttles().Limit("http"))
	}
}

func TestRuntimeRecordsMetrics(t *testing.T) {
	var calls atomic.Int32
	store := metrics.NewStore()
	rt := New(
		WithResolver(healthyResolver(&calls)),
		WithMonitorSettings(monitorSettings(20*time.Millisecond)),
		WithMetricsStore(store),
	)
	startRuntime(t, rt)

	rt.Registry().Reconcile([]types.EndpointIdentity{e1})
	waitUntil(t, time.Second, func() bool {
		snap := store.Snapshot()
		return snap.Endpoints == 1 && snap.RunningLoops == 1 && len(snap.Checks) > 0
	})
}
