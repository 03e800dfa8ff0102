package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/pingsantohq/healthagent/pkg/types"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "collector.db"))
		if err != nil {
			t.Fatalf("NewSQLiteStore: %v", err)
		}
		t.Cleanup(func() { st.Close() })
		return st
	})
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("HEALTHAGENT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HEALTHAGENT_TEST_DATABASE_URL not set")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		st, err := NewPostgresStore(ctx, dsn)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		for _, table := range []string{"endpoint_identities", "collector_config", "agent_monitor_types", "endpoint_health"} {
			if _, err := st.pool.Exec(ctx, "TRUNCATE "+table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(st.Close)
		return st
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("identities", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		initial := []types.EndpointIdentity{
			{ID: "b", Address: "10.0.0.2:22", MonitorType: "tcp"},
			{ID: "a", Address: "http://a", MonitorType: "http"},
		}
		if err := st.ReplaceEndpointIdentities(ctx, initial); err != nil {
			t.Fatalf("ReplaceEndpointIdentities: %v", err)
		}
		if err := st.UpsertEndpointIdentity(ctx, types.EndpointIdentity{ID: "b", Address: "10.0.0.3:22", MonitorType: "tcp"}); err != nil {
			t.Fatalf("UpsertEndpointIdentity: %v", err)
		}
		if err := st.DeleteEndpointIdentity(ctx, "a"); err != nil {
			t.Fatalf("DeleteEndpointIdentity: %v", err)
		}
		if err := st.DeleteEndpointIdentity(ctx, "a"); !errors.Is(err, ErrIdentityNotFound) {
			t.Fatalf("expected ErrIdentityNotFound, got %v", err)
		}

		got, err := st.EndpointIdentities(ctx)
		if err != nil {
			t.Fatalf("EndpointIdentities: %v", err)
		}
		want := []types.EndpointIdentity{{ID: "b", Address: "10.0.0.3:22", MonitorType: "tcp"}}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("unexpected identities %+v", got)
		}

		dup := []types.EndpointIdentity{{ID: "x", MonitorType: "tcp"}, {ID: "x", MonitorType: "tcp"}}
		if err := st.ReplaceEndpointIdentities(ctx, dup); err == nil {
			t.Fatalf("expected duplicate ids to be rejected")
		}
		if err := st.UpsertEndpointIdentity(ctx, types.EndpointIdentity{ID: "y"}); err == nil {
			t.Fatalf("expected missing monitor type to be rejected")
		}
	})

	t.Run("config", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		cfg, err := st.Config(ctx)
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		if cfg.Monitor != DefaultConfig().Monitor {
			t.Fatalf("expected default monitor settings, got %+v", cfg.Monitor)
		}

		update := types.CollectorConfig{
			Monitor: types.MonitorSettings{
				HealthCheckInterval: types.Duration(10 * time.Second),
				ShortTimeout:        types.Duration(time.Second),
				FailureTimeout:      types.Duration(3 * time.Second),
				MaxBackOffInterval:  types.Duration(time.Minute),
			},
			Throttling: types.ThrottlingSettings{"http": 4},
		}
		if err := st.UpdateConfig(ctx, update); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		got, err := st.Config(ctx)
		if err != nil {
			t.Fatalf("Config: %v", err)
		}
		if !reflect.DeepEqual(got, update) {
			t.Fatalf("expected %+v got %+v", update, got)
		}

		if err := st.UpdateConfig(ctx, types.CollectorConfig{}); err == nil {
			t.Fatalf("expected zero config to be rejected")
		}
	})

	t.Run("monitor types", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)

		if err := st.RegisterMonitorTypes(ctx, "agent-1", []string{"HTTP", "tcp", "http", ""}); err != nil {
			t.Fatalf("RegisterMonitorTypes: %v", err)
		}
		got, err := st.MonitorTypes(ctx, "agent-1")
		if err != nil {
			t.Fatalf("MonitorTypes: %v", err)
		}
		if !reflect.DeepEqual(got, []string{"http", "tcp"}) {
			t.Fatalf("unexpected monitor types %v", got)
		}

		if err := st.RegisterMonitorTypes(ctx, "agent-1", []string{"dns"}); err != nil {
			t.Fatalf("RegisterMonitorTypes: %v", err)
		}
		got, _ = st.MonitorTypes(ctx, "agent-1")
		if !reflect.DeepEqual(got, []string{"dns"}) {
			t.Fatalf("expected registration to replace previous set, got %v", got)
		}
		if other, _ := st.MonitorTypes(ctx, "agent-2"); len(other) != 0 {
			t.Fatalf("expected no types for unknown agent, got %v", other)
		}
	})

	t.Run("latest health", func(t *testing.T) {
		ctx := context.Background()
		st := newStore(t)
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		first := types.HealthUpdate{
			EndpointID:   "ep-1",
			CheckTimeUTC: base,
			Outcome: types.HealthOutcome{
				Status:       types.StatusHealthy,
				ResponseTime: 12 * time.Millisecond,
				Details:      map[string]string{"code": "200"},
			},
		}
		newer := first
		newer.CheckTimeUTC = base.Add(time.Minute)
		newer.Outcome = types.HealthOutcome{Status: types.StatusTimedOut, ResponseTime: time.Second}
		stale := first
		stale.CheckTimeUTC = base.Add(-time.Minute)
		stale.Outcome = types.HealthOutcome{Status: types.StatusOffline}

		if err := st.RecordHealthUpdates(ctx, "agent-1", "batch-1", base, []types.HealthUpdate{first}); err != nil {
			t.Fatalf("RecordHealthUpdates: %v", err)
		}
		if err := st.RecordHealthUpdates(ctx, "agent-1", "batch-2", base.Add(time.Minute), []types.HealthUpdate{newer, stale}); err != nil {
			t.Fatalf("RecordHealthUpdates: %v", err)
		}

		records, err := st.LatestHealth(ctx)
		if err != nil {
			t.Fatalf("LatestHealth: %v", err)
		}
		if len(records) != 1 {
			t.Fatalf("expected one record, got %d", len(records))
		}
		rec := records[0]
		if rec.AgentID != "agent-1" || rec.BatchID != "batch-2" {
			t.Fatalf("unexpected record metadata %+v", rec)
		}
		if rec.Update.Outcome.Status != types.StatusTimedOut || rec.Update.Outcome.ResponseTime != time.Second {
			t.Fatalf("expected newest update to win, got %+v", rec.Update)
		}
		if !rec.Update.CheckTimeUTC.Equal(newer.CheckTimeUTC) {
			t.Fatalf("unexpected check time %v", rec.Update.CheckTimeUTC)
		}
	})
}
