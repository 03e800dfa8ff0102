package registry

import (
	"context"
	"sync"

	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/pkg/types"
)

// MonitorableEndpoint is a registered identity bound to the protocol that
// checks it. Its context is cancelled when the endpoint is unregistered.
type MonitorableEndpoint struct {
	Identity types.EndpointIdentity
	Protocol probe.Protocol

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	latest *types.HealthUpdate
}

func newEndpoint(identity types.EndpointIdentity, protocol probe.Protocol) *MonitorableEndpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorableEndpoint{
		Identity: identity,
		Protocol: protocol,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (e *MonitorableEndpoint) ID() string {
	return e.Identity.ID
}

// Done is closed once the endpoint has been disposed.
func (e *MonitorableEndpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *MonitorableEndpoint) Disposed() bool {
	return e.ctx.Err() != nil
}

// Bind derives a context that ends when either parent ends or the endpoint is
// disposed.
func (e *MonitorableEndpoint) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *MonitorableEndpoint) dispose() {
	e.cancel()
}

// RecordUpdate stores the most recent health update for status reporting.
func (e *MonitorableEndpoint) RecordUpdate(update types.HealthUpdate) {
	e.mu.Lock()
	e.latest = &update
	e.mu.Unlock()
}

func (e *MonitorableEndpoint) Latest() (types.HealthUpdate, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return types.HealthUpdate{}, false
	}
	return *e.latest, true
}
