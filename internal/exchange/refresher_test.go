package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/internal/settings"
	"github.com/pingsantohq/healthagent/internal/uplink"
	"github.com/pingsantohq/healthagent/pkg/types"
)

type fakeCollector struct {
	mu            sync.Mutex
	registerErrs  []error
	configErrs    []error
	identityErrs  []error
	identities    []types.EndpointIdentity
	config        types.CollectorConfig
	registered    [][]string
	configCalls   int
	identityCalls int
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeCollector) RegisterMonitorTypes(ctx context.Context, monitorTypes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := pop(&f.registerErrs); err != nil {
		return err
	}
	f.registered = append(f.registered, monitorTypes)
	return nil
}

func (f *fakeCollector) FetchEndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identityCalls++
	if err := pop(&f.identityErrs); err != nil {
		return nil, err
	}
	return append([]types.EndpointIdentity(nil), f.identities...), nil
}

func (f *fakeCollector) FetchConfig(ctx context.Context) (types.CollectorConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configCalls++
	if err := pop(&f.configErrs); err != nil {
		return types.CollectorConfig{}, err
	}
	return f.config, nil
}

func (f *fakeCollector) setIdentities(ids []types.EndpointIdentity) {
	f.mu.Lock()
	f.identities = ids
	f.mu.Unlock()
}

type recordingReadiness struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingReadiness) ObserveSync(ts time.Time, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recordingReadiness) last() (error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil, 0
	}
	return r.errs[len(r.errs)-1], len(r.errs)
}

func newRegistry() *registry.Registry {
	resolver := probe.NewRegistry()
	resolver.Register("http", probe.ProtocolFunc(func(ctx context.Context, address string) (types.HealthOutcome, error) {
		return types.HealthOutcome{Status: types.StatusHealthy}, nil
	}))
	return registry.New(resolver)
}

func newTestRefresher(t *testing.T, collector Collector, reg Reconciler, holder SettingsApplier, readiness SyncObserver, cfg Config) *Refresher {
	t.Helper()
	r, err := NewRefresher(cfg, Dependencies{
		Collector: collector,
		Registry:  reg,
		Settings:  holder,
		Readiness: readiness,
	})
	if err != nil {
		t.Fatalf("NewRefresher: %v", err)
	}
	r.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	return r
}

func identity(id string) types.EndpointIdentity {
	return types.EndpointIdentity{ID: id, Address: "http://" + id, MonitorType: "http"}
}

func TestStartupRegistersTypesAndLoads(t *testing.T) {
	collector := &fakeCollector{
		identities: []types.EndpointIdentity{identity("a"), identity("b")},
		config: types.CollectorConfig{
			Monitor:    types.MonitorSettings{HealthCheckInterval: types.Duration(10 * time.Second)},
			Throttling: types.ThrottlingSettings{"http": 2},
		},
	}
	reg := newRegistry()
	holder := settings.New(settings.Defaults())
	readiness := &recordingReadiness{}
	r := newTestRefresher(t, collector, reg, holder, readiness, Config{MonitorTypes: []string{"http"}})

	if err := r.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if len(collector.registered) != 1 || collector.registered[0][0] != "http" {
		t.Fatalf("expected monitor types registered once, got %v", collector.registered)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", reg.Len())
	}
	if holder.Monitor().HealthCheckInterval.Std() != 10*time.Second || holder.Throttling()["http"] != 2 {
		t.Fatalf("expected settings applied")
	}
	if err, n := readiness.last(); err != nil || n != 1 {
		t.Fatalf("expected one successful sync report, got %v (%d)", err, n)
	}
}

func TestStartupRetriesThenSucceeds(t *testing.T) {
	collector := &fakeCollector{
		registerErrs: []error{errors.New("down")},
		configErrs:   []error{errors.New("still down")},
		identities:   []types.EndpointIdentity{identity("a")},
	}
	reg := newRegistry()
	r := newTestRefresher(t, collector, reg, settings.New(settings.Defaults()), nil, Config{StartupAttempts: 3})

	if err := r.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if len(collector.registered) != 1 {
		t.Fatalf("expected a single successful registration, got %d", len(collector.registered))
	}
	if reg.Len() != 1 {
		t.Fatalf("expected endpoints loaded")
	}
}

func TestStartupFailsAfterBudget(t *testing.T) {
	boom := errors.New("collector unreachable")
	collector := &fakeCollector{configErrs: []error{boom, boom, boom, boom, boom, boom}}
	var delays int
	r := newTestRefresher(t, collector, newRegistry(), settings.New(settings.Defaults()), nil, Config{})
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		if d != DefaultStartupDelay {
			t.Errorf("expected fixed delay %s, got %s", DefaultStartupDelay, d)
		}
		delays++
		return true
	}

	err := r.Startup(context.Background())
	if !errors.Is(err, ErrStartupFailed) {
		t.Fatalf("expected ErrStartupFailed, got %v", err)
	}
	if collector.configCalls != DefaultStartupAttempts {
		t.Fatalf("expected %d attempts, got %d", DefaultStartupAttempts, collector.configCalls)
	}
	if delays != DefaultStartupAttempts-1 {
		t.Fatalf("expected %d delays, got %d", DefaultStartupAttempts-1, delays)
	}
}

func TestRefreshFailureKeepsMembership(t *testing.T) {
	collector := &fakeCollector{identities: []types.EndpointIdentity{identity("a")}}
	reg := newRegistry()
	readiness := &recordingReadiness{}
	r := newTestRefresher(t, collector, reg, settings.New(settings.Defaults()), readiness, Config{})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	collector.identityErrs = []error{errors.New("timeout")}
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected membership kept on failure")
	}
	if err, _ := readiness.last(); err == nil {
		t.Fatalf("expected failure reported to readiness")
	}
}

func TestRefreshNotModifiedSkipsReconcile(t *testing.T) {
	collector := &fakeCollector{identityErrs: []error{uplink.ErrNotModified}}
	reg := newRegistry()
	reg.Reconcile([]types.EndpointIdentity{identity("keep")})
	r := newTestRefresher(t, collector, reg, settings.New(settings.Defaults()), nil, Config{})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("expected not modified to be a success, got %v", err)
	}
	if reg.Get("keep") == nil {
		t.Fatalf("expected membership unchanged")
	}
}

func TestRunRefreshesOnInterval(t *testing.T) {
	collector := &fakeCollector{identities: []types.EndpointIdentity{identity("a")}}
	reg := newRegistry()
	r := newTestRefresher(t, collector, reg, settings.New(settings.Defaults()), nil, Config{RefreshInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for reg.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	collector.setIdentities([]types.EndpointIdentity{identity("b")})
	for reg.Get("b") == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if reg.Get("b") == nil || reg.Get("a") != nil {
		t.Fatalf("expected membership to follow collector, got %d endpoints", reg.Len())
	}
}

func TestRefresherAgainstHTTPCollector(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/register-monitor-types", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"monitor":{"healthCheckInterval":"15s"},"throttling":{"http":1}}`))
	})
	mux.HandleFunc("/endpoint-identities", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"E1","address":"http://x/status","monitorType":"http"},{"id":"E2","address":"x","monitorType":"icmp"}]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := uplink.NewClient(uplink.Config{ServerURL: server.URL, AgentID: "agent"}, uplink.Dependencies{HTTPClient: server.Client()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	reg := newRegistry()
	holder := settings.New(settings.Defaults())
	r := newTestRefresher(t, client, reg, holder, nil, Config{MonitorTypes: []string{"http"}})

	if err := r.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if reg.Len() != 1 || reg.Get("E1") == nil {
		t.Fatalf("expected only E1 registered, got %d", reg.Len())
	}
	if holder.Monitor().HealthCheckInterval.Std() != 15*time.Second {
		t.Fatalf("expected interval from collector")
	}
}
