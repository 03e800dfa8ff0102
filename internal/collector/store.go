// Package collector is a reference implementation of the collector API the
// agent exchanges with. It keeps endpoint identities, the distributed config,
// the monitor types each agent registered and the latest health update per
// endpoint.
package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingsantohq/healthagent/internal/settings"
	"github.com/pingsantohq/healthagent/pkg/types"
)

// ErrIdentityNotFound signals a delete of an unknown endpoint.
var ErrIdentityNotFound = errors.New("endpoint identity not found")

// HealthRecord is the latest update stored for one endpoint.
type HealthRecord struct {
	AgentID    string             `json:"agentId"`
	BatchID    string             `json:"batchId,omitempty"`
	ReceivedAt time.Time          `json:"receivedAt"`
	Update     types.HealthUpdate `json:"update"`
}

// Store exposes the persistence operations behind the collector API.
type Store interface {
	EndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error)
	ReplaceEndpointIdentities(ctx context.Context, identities []types.EndpointIdentity) error
	UpsertEndpointIdentity(ctx context.Context, identity types.EndpointIdentity) error
	DeleteEndpointIdentity(ctx context.Context, id string) error
	Config(ctx context.Context) (types.CollectorConfig, error)
	UpdateConfig(ctx context.Context, cfg types.CollectorConfig) error
	RegisterMonitorTypes(ctx context.Context, agentID string, monitorTypes []string) error
	MonitorTypes(ctx context.Context, agentID string) ([]string, error)
	RecordHealthUpdates(ctx context.Context, agentID, batchID string, receivedAt time.Time, updates []types.HealthUpdate) error
	LatestHealth(ctx context.Context) ([]HealthRecord, error)
}

// DefaultConfig is served until an operator stores one.
func DefaultConfig() types.CollectorConfig {
	return types.CollectorConfig{
		Monitor:    settings.Defaults(),
		Throttling: types.ThrottlingSettings{},
	}
}

// NewMemoryStore returns an in-memory Store for tests and local runs.
func NewMemoryStore() Store {
	return &memoryStore{
		identities:   map[string]types.EndpointIdentity{},
		config:       DefaultConfig(),
		monitorTypes: map[string][]string{},
		latest:       map[string]HealthRecord{},
	}
}

type memoryStore struct {
	mu           sync.RWMutex
	identities   map[string]types.EndpointIdentity
	config       types.CollectorConfig
	monitorTypes map[string][]string
	latest       map[string]HealthRecord
}

func (m *memoryStore) EndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.EndpointIdentity, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, identity)
	}
	sortIdentities(out)
	return out, nil
}

func (m *memoryStore) ReplaceEndpointIdentities(ctx context.Context, identities []types.EndpointIdentity) error {
	if err := validateIdentities(identities); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities = make(map[string]types.EndpointIdentity, len(identities))
	for _, identity := range identities {
		m.identities[identity.ID] = identity
	}
	return nil
}

func (m *memoryStore) UpsertEndpointIdentity(ctx context.Context, identity types.EndpointIdentity) error {
	if err := validateIdentity(identity); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity.ID] = identity
	return nil
}

func (m *memoryStore) DeleteEndpointIdentity(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[id]; !ok {
		return ErrIdentityNotFound
	}
	delete(m.identities, id)
	return nil
}

func (m *memoryStore) Config(ctx context.Context) (types.CollectorConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.config
	cfg.Throttling = make(types.ThrottlingSettings, len(m.config.Throttling))
	for k, v := range m.config.Throttling {
		cfg.Throttling[k] = v
	}
	return cfg, nil
}

func (m *memoryStore) UpdateConfig(ctx context.Context, cfg types.CollectorConfig) error {
	if err := validateConfig(cfg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
	return nil
}

func (m *memoryStore) RegisterMonitorTypes(ctx context.Context, agentID string, monitorTypes []string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.monitorTypes[agentID] = normalizeMonitorTypes(monitorTypes)
	return nil
}

func (m *memoryStore) MonitorTypes(ctx context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.monitorTypes[agentID]...), nil
}

func (m *memoryStore) RecordHealthUpdates(ctx context.Context, agentID, batchID string, receivedAt time.Time, updates []types.HealthUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, update := range updates {
		if prev, ok := m.latest[update.EndpointID]; ok && prev.Update.CheckTimeUTC.After(update.CheckTimeUTC) {
			continue
		}
		m.latest[update.EndpointID] = HealthRecord{
			AgentID:    agentID,
			BatchID:    batchID,
			ReceivedAt: receivedAt.UTC(),
			Update:     update,
		}
	}
	return nil
}

func (m *memoryStore) LatestHealth(ctx context.Context) ([]HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthRecord, 0, len(m.latest))
	for _, rec := range m.latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Update.EndpointID < out[j].Update.EndpointID })
	return out, nil
}

func validateIdentity(identity types.EndpointIdentity) error {
	if strings.TrimSpace(identity.ID) == "" {
		return errors.New("endpoint id required")
	}
	if strings.TrimSpace(identity.MonitorType) == "" {
		return fmt.Errorf("endpoint %s: monitor type required", identity.ID)
	}
	return nil
}

func validateIdentities(identities []types.EndpointIdentity) error {
	seen := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		if err := validateIdentity(identity); err != nil {
			return err
		}
		if _, dup := seen[identity.ID]; dup {
			return fmt.Errorf("duplicate endpoint id %s", identity.ID)
		}
		seen[identity.ID] = struct{}{}
	}
	return nil
}

func validateConfig(cfg types.CollectorConfig) error {
	m := cfg.Monitor
	if m.HealthCheckInterval <= 0 || m.ShortTimeout <= 0 || m.FailureTimeout <= 0 {
		return errors.New("monitor intervals and timeouts must be positive")
	}
	for monitorType, limit := range cfg.Throttling {
		if limit < 0 {
			return fmt.Errorf("throttling for %s must not be negative", monitorType)
		}
	}
	return nil
}

func normalizeMonitorTypes(monitorTypes []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(monitorTypes))
	for _, t := range monitorTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sortIdentities(identities []types.EndpointIdentity) {
	sort.Slice(identities, func(i, j int) bool { return identities[i].ID < identities[j].ID })
}

func computeETag(v any) string {
	payload, _ := json.Marshal(v)
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("\"%s\"", hex.EncodeToString(sum[:]))
}
