// Package settings holds the monitor and throttling settings currently in
// force. Values start from local defaults and are replaced by the collector.
package settings

import (
	"sync"
	"time"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultShortTimeout        = 5 * time.Second
	DefaultFailureTimeout      = 15 * time.Second
	DefaultMaxBackOffInterval  = 5 * time.Minute
)

// Defaults returns the built-in monitor settings.
func Defaults() types.MonitorSettings {
	return types.MonitorSettings{
		HealthCheckInterval: types.Duration(DefaultHealthCheckInterval),
		ShortTimeout:        types.Duration(DefaultShortTimeout),
		FailureTimeout:      types.Duration(DefaultFailureTimeout),
		MaxBackOffInterval:  types.Duration(DefaultMaxBackOffInterval),
	}
}

type Holder struct {
	mu         sync.RWMutex
	monitor    types.MonitorSettings
	throttling types.ThrottlingSettings
	listeners  []func(types.ThrottlingSettings)
}

// New creates a holder seeded with base. Zero fields in base take the
// built-in defaults.
func New(base types.MonitorSettings) *Holder {
	return &Holder{monitor: fill(base, Defaults())}
}

func (h *Holder) Monitor() types.MonitorSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.monitor
}

func (h *Holder) Throttling() types.ThrottlingSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return copyThrottling(h.throttling)
}

// OnThrottlingChange registers fn to receive every applied throttling table.
func (h *Holder) OnThrottlingChange(fn func(types.ThrottlingSettings)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Apply installs cfg. Zero monitor fields keep their current value; the
// throttling table is replaced wholesale.
func (h *Holder) Apply(cfg types.CollectorConfig) {
	h.mu.Lock()
	h.monitor = fill(cfg.Monitor, h.monitor)
	h.throttling = copyThrottling(cfg.Throttling)
	throttling := copyThrottling(h.throttling)
	listeners := append([]func(types.ThrottlingSettings){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(throttling)
	}
}

func fill(s, fallback types.MonitorSettings) types.MonitorSettings {
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = fallback.HealthCheckInterval
	}
	if s.ShortTimeout <= 0 {
		s.ShortTimeout = fallback.ShortTimeout
	}
	if s.FailureTimeout <= 0 {
		s.FailureTimeout = fallback.FailureTimeout
	}
	if s.FailureTimeout < s.ShortTimeout {
		s.FailureTimeout = s.ShortTimeout
	}
	if s.MaxBackOffInterval <= 0 {
		s.MaxBackOffInterval = fallback.MaxBackOffInterval
	}
	if s.MaxBackOffInterval < s.HealthCheckInterval {
		s.MaxBackOffInterval = s.HealthCheckInterval
	}
	return s
}

func copyThrottling(in types.ThrottlingSettings) types.ThrottlingSettings {
	if in == nil {
		return nil
	}
	out := make(types.ThrottlingSettings, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
