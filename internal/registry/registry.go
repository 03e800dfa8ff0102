// Package registry holds the set of endpoints the agent currently monitors
// and keeps it in sync with the authoritative list from the collector.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/events"
	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/pkg/types"
)

// ReconcileResult summarises one Reconcile call.
type ReconcileResult struct {
	Added   int
	Removed int
	Skipped int
}

type Registry struct {
	resolver probe.Resolver
	logger   zerolog.Logger
	events   events.Recorder
	metrics  metrics.RegistryRecorder
	now      func() time.Time

	mu        sync.RWMutex
	endpoints map[string]*MonitorableEndpoint

	reconcileMu sync.Mutex

	obsMu   sync.RWMutex
	added   []func(*MonitorableEndpoint)
	removed []func(*MonitorableEndpoint)
}

type Option func(*Registry)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.Component(logger, "registry")
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.events = rec
		}
	}
}

func WithMetrics(rec metrics.RegistryRecorder) Option {
	return func(r *Registry) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

func New(resolver probe.Resolver, opts ...Option) *Registry {
	r := &Registry{
		resolver:  resolver,
		logger:    zerolog.Nop(),
		events:    events.Discard,
		metrics:   metrics.NoopRegistryRecorder{},
		now:       time.Now,
		endpoints: make(map[string]*MonitorableEndpoint),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnEndpointAdded registers an observer for first-time insertions.
func (r *Registry) OnEndpointAdded(fn func(*MonitorableEndpoint)) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.added = append(r.added, fn)
	r.obsMu.Unlock()
}

// OnEndpointRemoved registers an observer for successful removals. The
// endpoint is already disposed when it runs.
func (r *Registry) OnEndpointRemoved(fn func(*MonitorableEndpoint)) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.removed = append(r.removed, fn)
	r.obsMu.Unlock()
}

// TryRegister inserts identity if its ID is not yet present. An existing
// entry is returned unchanged with ok=false. Unknown monitor types are
// skipped and return nil.
func (r *Registry) TryRegister(identity types.EndpointIdentity) (*MonitorableEndpoint, bool) {
	if existing := r.Get(identity.ID); existing != nil {
		return existing, false
	}

	protocol, ok := r.resolver.Resolve(identity.MonitorType)
	if !ok {
		r.logger.Warn().
			Str(logging.FieldEndpointID, identity.ID).
			Str(logging.FieldMonitorType, identity.MonitorType).
			Msg("no protocol for monitor type")
		r.events.Record(types.Event{
			Type:       types.EventUnknownMonitor,
			Timestamp:  r.now().UTC(),
			EndpointID: identity.ID,
			Labels:     map[string]string{"monitor_type": identity.MonitorType},
		})
		return nil, false
	}

	r.mu.Lock()
	if existing, ok := r.endpoints[identity.ID]; ok {
		r.mu.Unlock()
		return existing, false
	}
	ep := newEndpoint(identity, protocol)
	r.endpoints[identity.ID] = ep
	n := len(r.endpoints)
	r.mu.Unlock()

	r.metrics.ObserveEndpoints(n)
	r.events.Record(types.Event{
		Type:       types.EventEndpointAdded,
		Timestamp:  r.now().UTC(),
		EndpointID: identity.ID,
		Labels:     map[string]string{"monitor_type": identity.MonitorType},
	})
	r.obsMu.RLock()
	observers := append([]func(*MonitorableEndpoint){}, r.added...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ep)
	}
	return ep, true
}

// TryUnregister removes the endpoint with identity's ID and disposes it.
func (r *Registry) TryUnregister(identity types.EndpointIdentity) bool {
	r.mu.Lock()
	ep, ok := r.endpoints[identity.ID]
	if ok {
		delete(r.endpoints, identity.ID)
	}
	n := len(r.endpoints)
	r.mu.Unlock()
	if !ok {
		return false
	}

	ep.dispose()
	r.metrics.ObserveEndpoints(n)
	r.events.Record(types.Event{
		Type:       types.EventEndpointRemoved,
		Timestamp:  r.now().UTC(),
		EndpointID: ep.ID(),
	})
	r.obsMu.RLock()
	observers := append([]func(*MonitorableEndpoint){}, r.removed...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(ep)
	}
	return true
}

// Reconcile makes membership equal to identities, registering missing
// entries first and then removing absent ones. Concurrent calls are
// serialised.
func (r *Registry) Reconcile(identities []types.EndpointIdentity) ReconcileResult {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	var res ReconcileResult
	wanted := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		if identity.ID == "" {
			res.Skipped++
			continue
		}
		wanted[identity.ID] = struct{}{}
		ep, added := r.TryRegister(identity)
		switch {
		case added:
			res.Added++
		case ep == nil:
			res.Skipped++
		}
	}

	for _, ep := range r.Endpoints() {
		if _, keep := wanted[ep.ID()]; keep {
			continue
		}
		if r.TryUnregister(ep.Identity) {
			res.Removed++
		}
	}

	if res.Added > 0 || res.Removed > 0 || res.Skipped > 0 {
		r.logger.Info().
			Int("added", res.Added).
			Int("removed", res.Removed).
			Int("skipped", res.Skipped).
			Int("total", r.Len()).
			Msg("endpoints reconciled")
	}
	return res
}

func (r *Registry) Get(id string) *MonitorableEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[id]
}

// Endpoints returns the live endpoints sorted by ID.
func (r *Registry) Endpoints() []*MonitorableEndpoint {
	r.mu.RLock()
	out := make([]*MonitorableEndpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
