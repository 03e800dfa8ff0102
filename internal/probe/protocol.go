// Package probe defines the check protocols the agent can run against an
// endpoint address, and the registry that resolves a monitor type to one.
package probe

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/pingsantohq/healthagent/pkg/types"
)

// Protocol performs exactly one health check of address. Implementations must
// not retry; a timeout or transport failure is returned as an error and
// classified by the caller.
type Protocol interface {
	CheckHealth(ctx context.Context, address string) (types.HealthOutcome, error)
}

// ProtocolFunc adapts a function to Protocol.
type ProtocolFunc func(ctx context.Context, address string) (types.HealthOutcome, error)

func (f ProtocolFunc) CheckHealth(ctx context.Context, address string) (types.HealthOutcome, error) {
	return f(ctx, address)
}

// Resolver finds the protocol handling a monitor type.
type Resolver interface {
	Resolve(monitorType string) (Protocol, bool)
}

// Registry is a concurrency-safe monitorType → Protocol table.
type Registry struct {
	mu        sync.RWMutex
	protocols map[string]Protocol
}

func NewRegistry() *Registry {
	return &Registry{protocols: make(map[string]Protocol)}
}

// Register binds p to monitorType, replacing any previous binding.
func (r *Registry) Register(monitorType string, p Protocol) {
	key := normalizeType(monitorType)
	if key == "" || p == nil {
		return
	}
	r.mu.Lock()
	r.protocols[key] = p
	r.mu.Unlock()
}

func (r *Registry) Resolve(monitorType string) (Protocol, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[normalizeType(monitorType)]
	return p, ok
}

// MonitorTypes lists the registered monitor types in sorted order.
func (r *Registry) MonitorTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.protocols))
	for k := range r.protocols {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Only restricts the registry to the listed monitor types. An empty list
// keeps everything.
func (r *Registry) Only(monitorTypes []string) {
	if len(monitorTypes) == 0 {
		return
	}
	keep := make(map[string]struct{}, len(monitorTypes))
	for _, t := range monitorTypes {
		keep[normalizeType(t)] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.protocols {
		if _, ok := keep[k]; !ok {
			delete(r.protocols, k)
		}
	}
}

// DefaultRegistry registers the built-in http, tcp and dns protocols.
func DefaultRegistry(dnsServer string) *Registry {
	r := NewRegistry()
	r.Register("http", NewHTTPProtocol(nil))
	r.Register("tcp", NewTCPProtocol())
	r.Register("dns", NewDNSProtocol(dnsServer))
	return r
}

func normalizeType(monitorType string) string {
	return strings.ToLower(strings.TrimSpace(monitorType))
}

// classifyDialError turns the dial failures that describe the endpoint itself
// into an outcome. Anything else is left to the caller as an error.
func classifyDialError(err error) (types.HealthStatus, bool) {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return types.StatusNotExists, true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return types.StatusOffline, true
	}
	return "", false
}
