// Package exchange keeps the agent's endpoint set and settings in step with
// the collector.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/internal/uplink"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const (
	DefaultRefreshInterval = time.Minute
	DefaultStartupAttempts = 5
	DefaultStartupDelay    = 2 * time.Second
)

// ErrStartupFailed means the initial load did not succeed within its
// attempt budget. The agent cannot start without it.
var ErrStartupFailed = errors.New("initial collector sync failed")

// Collector is the part of the collector API the refresher uses.
type Collector interface {
	RegisterMonitorTypes(ctx context.Context, monitorTypes []string) error
	FetchEndpointIdentities(ctx context.Context) ([]types.EndpointIdentity, error)
	FetchConfig(ctx context.Context) (types.CollectorConfig, error)
}

// Reconciler applies an authoritative endpoint list.
type Reconciler interface {
	Reconcile(identities []types.EndpointIdentity) registry.ReconcileResult
}

// SettingsApplier installs collector settings.
type SettingsApplier interface {
	Apply(cfg types.CollectorConfig)
}

// SyncObserver is told about every refresh outcome, e.g. the readiness checker.
type SyncObserver interface {
	ObserveSync(ts time.Time, err error)
}

type Config struct {
	MonitorTypes    []string
	RefreshInterval time.Duration
	StartupAttempts int
	StartupDelay    time.Duration
}

type Dependencies struct {
	Collector Collector
	Registry  Reconciler
	Settings  SettingsApplier
	Readiness SyncObserver
	Metrics   metrics.ExchangeRecorder
	Logger    *zerolog.Logger
	Now       func() time.Time
}

type Refresher struct {
	cfg       Config
	collector Collector
	registry  Reconciler
	settings  SettingsApplier
	readiness SyncObserver
	metrics   metrics.ExchangeRecorder
	logger    zerolog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
}

func NewRefresher(cfg Config, deps Dependencies) (*Refresher, error) {
	if deps.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = DefaultStartupAttempts
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	} else if cfg.StartupDelay == 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopExchangeRecorder{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Refresher{
		cfg:       cfg,
		collector: deps.Collector,
		registry:  deps.Registry,
		settings:  deps.Settings,
		readiness: deps.Readiness,
		metrics:   rec,
		logger:    logging.Component(logger, "exchange"),
		now:       now,
		sleep:     sleep,
	}, nil
}

// Startup registers the monitor types once and then performs the initial
// config and endpoint load, retrying with a fixed delay. Exhausting the
// attempts returns ErrStartupFailed.
func (r *Refresher) Startup(ctx context.Context) error {
	var lastErr error
	registered := false
	for attempt := 1; attempt <= r.cfg.StartupAttempts; attempt++ {
		if !registered {
			if err := r.collector.RegisterMonitorTypes(ctx, r.cfg.MonitorTypes); err != nil {
				lastErr = err
			} else {
				registered = true
				r.logger.Info().Strs("monitor_types", r.cfg.MonitorTypes).Msg("monitor types registered")
			}
		}
		if registered {
			if lastErr = r.Refresh(ctx); lastErr == nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn().Err(lastErr).Int("attempt", attempt).Int("max_attempts", r.cfg.StartupAttempts).Msg("initial sync failed")
		if attempt < r.cfg.StartupAttempts && !r.sleep(ctx, r.cfg.StartupDelay) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrStartupFailed, r.cfg.StartupAttempts, lastErr)
}

// Run refreshes every RefreshInterval until ctx is cancelled. Failures are
// logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Msg("refresh failed")
			}
		}
	}
}

// Refresh fetches config and endpoint identities once and applies them.
// An unchanged identity list is not re-applied.
func (r *Refresher) Refresh(ctx context.Context) error {
	err := r.refresh(ctx)
	if r.readiness != nil && ctx.Err() == nil {
		r.readiness.ObserveSync(r.now(), err)
	}
	return err
}

func (r *Refresher) refresh(ctx context.Context) error {
	cfg, err := r.collector.FetchConfig(ctx)
	if err != nil {
		r.metrics.ObserveRefresh(0, err)
		return fmt.Errorf("refresh config: %w", err)
	}
	r.settings.Apply(cfg)

	identities, err := r.collector.FetchEndpointIdentities(ctx)
	if errors.Is(err, uplink.ErrNotModified) {
		r.metrics.ObserveRefresh(0, nil)
		return nil
	}
	if err != nil {
		r.metrics.ObserveRefresh(0, err)
		return fmt.Errorf("refresh endpoints: %w", err)
	}

	res := r.registry.Reconcile(identities)
	r.metrics.ObserveRefresh(len(identities), nil)
	r.logger.Debug().
		Int("endpoints", len(identities)).
		Int("added", res.Added).
		Int("removed", res.Removed).
		Int("skipped", res.Skipped).
		Msg("refresh applied")
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
