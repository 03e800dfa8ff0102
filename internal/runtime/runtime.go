// Package runtime wires the endpoint registry to the loop engine: every
// registered endpoint gets exactly one sampling loop for as long as it stays
// registered.
package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/healthagent/internal/events"
	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/probe"
	"github.com/pingsantohq/healthagent/internal/queue"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/internal/scheduler"
	"github.com/pingsantohq/healthagent/internal/settings"
	"github.com/pingsantohq/healthagent/internal/worker"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const DefaultQueueCapacity = 10000

type Option func(*config)

type config struct {
	queueCapacity int
	monitor       types.MonitorSettings
	resolver      probe.Resolver
	metricsStore  *metrics.Store
	events        events.Recorder
	logger        zerolog.Logger
	startRate     rate.Limit
	startBurst    int
	now           func() time.Time
}

func WithQueueCapacity(cap int) Option {
	return func(c *config) {
		if cap > 0 {
			c.queueCapacity = cap
		}
	}
}

// WithMonitorSettings seeds the settings used until the collector sends its own.
func WithMonitorSettings(s types.MonitorSettings) Option {
	return func(c *config) {
		c.monitor = s
	}
}

func WithResolver(resolver probe.Resolver) Option {
	return func(c *config) {
		if resolver != nil {
			c.resolver = resolver
		}
	}
}

func WithMetricsStore(store *metrics.Store) Option {
	return func(c *config) {
		c.metricsStore = store
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(c *config) {
		if rec != nil {
			c.events = rec
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithStartRate paces how fast newly registered loops are started.
func WithStartRate(limit rate.Limit, burst int) Option {
	return func(c *config) {
		c.startRate = limit
		c.startBurst = burst
	}
}

type Runtime struct {
	settings  *settings.Holder
	throttles *worker.Throttles
	buffer    *queue.Buffer[types.HealthUpdate]
	registry  *registry.Registry
	engine    *scheduler.Engine[string]
	loop      *worker.Loop
	events    events.Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

func New(opts ...Option) *Runtime {
	cfg := config{
		queueCapacity: DefaultQueueCapacity,
		events:        events.Discard,
		logger:        zerolog.Nop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.resolver == nil {
		cfg.resolver = probe.DefaultRegistry("")
	}

	holder := settings.New(cfg.monitor)
	throttles := worker.NewThrottles()
	holder.OnThrottlingChange(throttles.Apply)

	buffer := queue.NewHealthBuffer(cfg.queueCapacity)
	buffer.SetEventRecorder(cfg.events, nil)

	registryOpts := []registry.Option{
		registry.WithLogger(cfg.logger),
		registry.WithEventRecorder(cfg.events),
	}
	engineOpts := []scheduler.Option[string]{
		scheduler.WithLogger[string](cfg.logger),
		scheduler.WithStartRate[string](cfg.startRate, cfg.startBurst),
	}
	loopOpts := []worker.LoopOption{
		worker.WithThrottles(throttles),
		worker.WithLogger(cfg.logger),
	}
	if cfg.metricsStore != nil {
		buffer.SetMetricsRecorder(cfg.metricsStore.QueueRecorder())
		registryOpts = append(registryOpts, registry.WithMetrics(cfg.metricsStore))
		engineOpts = append(engineOpts, scheduler.WithMetrics[string](cfg.metricsStore.EngineRecorder()))
		loopOpts = append(loopOpts, worker.WithMetrics(cfg.metricsStore.CheckRecorder()))
	}

	r := &Runtime{
		settings:  holder,
		throttles: throttles,
		buffer:    buffer,
		registry:  registry.New(cfg.resolver, registryOpts...),
		engine:    scheduler.New[string](engineOpts...),
		loop:      worker.NewLoop(buffer, holder, loopOpts...),
		events:    cfg.events,
		logger:    logging.Component(cfg.logger, "runtime"),
		now:       cfg.now,
	}
	r.registry.OnEndpointAdded(func(ep *registry.MonitorableEndpoint) {
		r.engine.TryRegister(ep.ID(), r.runEndpoint)
	})
	r.engine.OnFinished(r.loopFinished)
	return r
}

// Run drives the loop engine until ctx is cancelled and every started loop
// has returned.
func (r *Runtime) Run(ctx context.Context) error {
	return r.engine.Run(ctx)
}

// OnLoopFinished registers fn to be called each time an endpoint loop ends.
func (r *Runtime) OnLoopFinished(fn func(endpointID string)) {
	r.engine.OnFinished(fn)
}

func (r *Runtime) Registry() *registry.Registry              { return r.registry }
func (r *Runtime) Settings() *settings.Holder                { return r.settings }
func (r *Runtime) Throttles() *worker.Throttles              { return r.throttles }
func (r *Runtime) Buffer() *queue.Buffer[types.HealthUpdate] { return r.buffer }
func (r *Runtime) Engine() *scheduler.Engine[string]         { return r.engine }

func (r *Runtime) runEndpoint(ctx context.Context, id string) error {
	ep := r.registry.Get(id)
	if ep == nil || ep.Disposed() {
		return nil
	}
	loopCtx, cancel := ep.Bind(ctx)
	defer cancel()
	return r.loop.Run(loopCtx, ep)
}

// loopFinished restarts the loop when the key is still registered. This
// covers an endpoint removed and re-added while its old loop was winding
// down, and a loop that ended without being cancelled.
func (r *Runtime) loopFinished(id string) {
	r.events.Record(types.Event{
		Type:       types.EventLoopFinished,
		Timestamp:  r.now().UTC(),
		EndpointID: id,
	})
	ep := r.registry.Get(id)
	if ep == nil || ep.Disposed() {
		return
	}
	if r.engine.TryRegister(id, r.runEndpoint) {
		r.logger.Debug().Str(logging.FieldEndpointID, id).Msg("loop restarted for registered endpoint")
	}
}
