package worker

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pingsantohq/healthagent/pkg/types"
)

// Gate hands out check slots per monitor type.
type Gate interface {
	Acquire(ctx context.Context, monitorType string) (release func(), err error)
}

type gate struct {
	limit int
	sem   *semaphore.Weighted
}

// Throttles caps concurrent checks per monitor type. Types without a positive
// limit are unthrottled.
type Throttles struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func NewThrottles() *Throttles {
	return &Throttles{gates: make(map[string]*gate)}
}

// Apply installs a new limit table. A changed limit gets a fresh semaphore;
// slots held on the old one are still returned to it.
func (t *Throttles) Apply(settings types.ThrottlingSettings) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*gate, len(settings))
	for monitorType, limit := range settings {
		key := normalizeType(monitorType)
		if key == "" || limit <= 0 {
			continue
		}
		if existing, ok := t.gates[key]; ok && existing.limit == limit {
			next[key] = existing
			continue
		}
		next[key] = &gate{limit: limit, sem: semaphore.NewWeighted(int64(limit))}
	}
	t.gates = next
}

// Limit returns the configured limit for monitorType, or 0 when unthrottled.
func (t *Throttles) Limit(monitorType string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gates[normalizeType(monitorType)]; ok {
		return g.limit
	}
	return 0
}

func (t *Throttles) Acquire(ctx context.Context, monitorType string) (func(), error) {
	t.mu.Lock()
	g, ok := t.gates[normalizeType(monitorType)]
	t.mu.Unlock()
	if !ok {
		return func() {}, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { g.sem.Release(1) })
	}, nil
}

func normalizeType(monitorType string) string {
	return strings.ToLower(strings.TrimSpace(monitorType))
}

type unthrottled struct{}

func (unthrottled) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
