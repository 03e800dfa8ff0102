package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/pkg/types"
)

type fakeReadiness struct {
	ready   bool
	reasons []string
}

func (f fakeReadiness) Ready(time.Time) (bool, []string) { return f.ready, f.reasons }

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	resolver := probe.NewRegistry()
	resolver.Register("tcp", probe.ProtocolFunc(func(ctx context.Context, address string) (types.HealthOutcome, error) {
		return types.HealthOutcome{Status: types.StatusHealthy}, nil
	}))
	return registry.New(resolver)
}

func TestEndpointsListAndDetail(t *testing.T) {
	reg := newRegistry(t)
	reg.Reconcile([]types.EndpointIdentity{
		{ID: "b", Address: "10.0.0.2:22", MonitorType: "tcp"},
		{ID: "a", Address: "10.0.0.1:22", MonitorType: "tcp"},
	})
	checked := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reg.Get("a").RecordUpdate(types.HealthUpdate{
		EndpointID:   "a",
		CheckTimeUTC: checked,
		Outcome:      types.HealthOutcome{Status: types.StatusOffline, ResponseTime: 3 * time.Millisecond},
	})

	ts := httptest.NewServer(NewRouter(Dependencies{Endpoints: reg}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/endpoints")
	if err != nil {
		t.Fatalf("GET /endpoints: %v", err)
	}
	defer resp.Body.Close()
	var list struct {
		Items []EndpointView `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Items) != 2 || list.Items[0].ID != "a" || list.Items[1].ID != "b" {
		t.Fatalf("unexpected endpoints %+v", list.Items)
	}
	if list.Items[0].Latest == nil || list.Items[0].Latest.Outcome.Status != types.StatusOffline {
		t.Fatalf("expected latest update for a, got %+v", list.Items[0].Latest)
	}
	if list.Items[1].Latest != nil {
		t.Fatalf("expected no update for b yet")
	}

	resp2, err := http.Get(ts.URL + "/endpoints/a")
	if err != nil {
		t.Fatalf("GET /endpoints/a: %v", err)
	}
	defer resp2.Body.Close()
	var view EndpointView
	if err := json.NewDecoder(resp2.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Address != "10.0.0.1:22" || !view.Latest.CheckTimeUTC.Equal(checked) {
		t.Fatalf("unexpected view %+v", view)
	}

	resp3, err := http.Get(ts.URL + "/endpoints/missing")
	if err != nil {
		t.Fatalf("GET missing: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp3.StatusCode)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	store := metrics.NewStore()
	store.QueueRecorder().ObserveQueueDepth(4)

	notReady := fakeReadiness{reasons: []string{"endpoints not yet synced"}}
	handler := NewRouter(Dependencies{Endpoints: newRegistry(t), Metrics: store, Readiness: notReady})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), "not yet synced") {
		t.Fatalf("unexpected readyz %d %q", rr.Code, rr.Body.String())
	}

	ready := NewRouter(Dependencies{Endpoints: newRegistry(t), Readiness: fakeReadiness{ready: true}})
	rr = httptest.NewRecorder()
	ready.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "queue_depth") {
		t.Fatalf("unexpected metrics response %d %q", rr.Code, rr.Body.String())
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv, err := New(Config{Addr: addr}, Dependencies{Endpoints: newRegistry(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status server never came up: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
}

func TestNewRequiresEndpoints(t *testing.T) {
	if _, err := New(Config{}, Dependencies{}); err == nil {
		t.Fatalf("expected error without endpoint source")
	}
}
