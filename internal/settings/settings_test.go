package settings

import (
	"testing"
	"time"

	"github.com/pingsantohq/healthagent/pkg/types"
)

func TestNewFillsDefaults(t *testing.T) {
	h := New(types.MonitorSettings{HealthCheckInterval: types.Duration(10 * time.Second)})
	got := h.Monitor()
	if got.HealthCheckInterval.Std() != 10*time.Second {
		t.Fatalf("expected configured interval, got %s", got.HealthCheckInterval.Std())
	}
	if got.ShortTimeout.Std() != DefaultShortTimeout || got.FailureTimeout.Std() != DefaultFailureTimeout {
		t.Fatalf("expected default timeouts, got %+v", got)
	}
	if got.MaxBackOffInterval.Std() != DefaultMaxBackOffInterval {
		t.Fatalf("expected default max backoff, got %s", got.MaxBackOffInterval.Std())
	}
}

func TestApplyKeepsCurrentForZeroFields(t *testing.T) {
	h := New(Defaults())
	var seen []types.ThrottlingSettings
	h.OnThrottlingChange(func(s types.ThrottlingSettings) { seen = append(seen, s) })

	h.Apply(types.CollectorConfig{
		Monitor:    types.MonitorSettings{ShortTimeout: types.Duration(2 * time.Second)},
		Throttling: types.ThrottlingSettings{"http": 4},
	})

	got := h.Monitor()
	if got.ShortTimeout.Std() != 2*time.Second {
		t.Fatalf("expected short timeout applied, got %s", got.ShortTimeout.Std())
	}
	if got.HealthCheckInterval.Std() != DefaultHealthCheckInterval {
		t.Fatalf("expected interval kept, got %s", got.HealthCheckInterval.Std())
	}
	if h.Throttling()["http"] != 4 {
		t.Fatalf("expected throttling applied, got %v", h.Throttling())
	}
	if len(seen) != 1 || seen[0]["http"] != 4 {
		t.Fatalf("expected listener notified, got %v", seen)
	}

	h.Apply(types.CollectorConfig{})
	if len(h.Throttling()) != 0 {
		t.Fatalf("expected throttling replaced, got %v", h.Throttling())
	}
}

func TestFailureTimeoutNotBelowShortTimeout(t *testing.T) {
	h := New(types.MonitorSettings{
		ShortTimeout:   types.Duration(10 * time.Second),
		FailureTimeout: types.Duration(time.Second),
	})
	if h.Monitor().FailureTimeout.Std() != 10*time.Second {
		t.Fatalf("expected failure timeout raised to short timeout, got %s", h.Monitor().FailureTimeout.Std())
	}
}
