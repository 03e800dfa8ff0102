// Package worker runs the per-endpoint sampling loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/backoff"
	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/internal/registry"
	"github.com/pingsantohq/healthagent/pkg/types"
)

// Sink receives every classified health update.
type Sink interface {
	Enqueue(update types.HealthUpdate) (dropped int)
}

// SettingsSource supplies the monitor settings in force at each iteration.
type SettingsSource interface {
	Monitor() types.MonitorSettings
}

// Loop checks one endpoint at a time, forever, until its context ends.
type Loop struct {
	sink     Sink
	settings SettingsSource
	gate     Gate
	logger   zerolog.Logger
	metrics  metrics.CheckRecorder
	factor   float64
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) bool
}

type LoopOption func(*Loop)

func WithThrottles(g Gate) LoopOption {
	return func(l *Loop) {
		if g != nil {
			l.gate = g
		}
	}
}

func WithLogger(logger zerolog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logging.Component(logger, "worker")
	}
}

func WithMetrics(rec metrics.CheckRecorder) LoopOption {
	return func(l *Loop) {
		if rec != nil {
			l.metrics = rec
		}
	}
}

// WithBackoffFactor sets the growth factor applied per consecutive failure.
func WithBackoffFactor(f float64) LoopOption {
	return func(l *Loop) {
		if f > 1 {
			l.factor = f
		}
	}
}

func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

func NewLoop(sink Sink, settings SettingsSource, opts ...LoopOption) *Loop {
	l := &Loop{
		sink:     sink,
		settings: settings,
		gate:     unthrottled{},
		logger:   zerolog.Nop(),
		metrics:  metrics.NoopCheckRecorder{},
		factor:   backoff.DefaultFactor,
		now:      time.Now,
		wait:     sleep,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run samples ep until ctx is cancelled. It returns nil on cancellation.
func (l *Loop) Run(ctx context.Context, ep *registry.MonitorableEndpoint) error {
	if ep == nil || ep.Protocol == nil {
		return fmt.Errorf("run loop: endpoint has no protocol")
	}
	logger := l.logger.With().
		Str(logging.FieldEndpointID, ep.ID()).
		Str(logging.FieldMonitorType, ep.Identity.MonitorType).
		Logger()

	failures := 0
	for {
		update, ok := l.Check(ctx, ep, failures)
		if !ok {
			return nil
		}
		if failed(update.Outcome.Status) {
			failures++
		} else {
			failures = 0
		}

		plan := l.strategy().Next(ctx, failures)
		if plan.Stop() {
			return nil
		}
		if plan.ShouldLog {
			logger.Warn().
				Int("failures", failures).
				Str("status", string(update.Outcome.Status)).
				Dur("next_interval", plan.Interval()).
				Msg("endpoint check failing")
		}
		if !l.wait(ctx, plan.Interval()) {
			return nil
		}
	}
}

// Check runs one throttled, time-bounded check of ep and publishes the
// result. ok is false when ctx ended before a result could be classified.
func (l *Loop) Check(ctx context.Context, ep *registry.MonitorableEndpoint, failures int) (types.HealthUpdate, bool) {
	release, err := l.gate.Acquire(ctx, ep.Identity.MonitorType)
	if err != nil {
		return types.HealthUpdate{}, false
	}
	defer release()

	s := l.settings.Monitor()
	timeout := s.ShortTimeout.Std()
	if failures > 0 {
		timeout = s.FailureTimeout.Std()
	}

	checkTime := l.now().UTC()
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	outcome, err := invoke(checkCtx, ep)
	elapsed := time.Since(start)
	deadlineHit := errors.Is(checkCtx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		return types.HealthUpdate{}, false
	}
	outcome = classify(outcome, err, deadlineHit, timeout, elapsed)

	update := types.HealthUpdate{
		EndpointID:   ep.ID(),
		CheckTimeUTC: checkTime,
		Outcome:      outcome,
	}
	l.sink.Enqueue(update)
	ep.RecordUpdate(update)
	l.metrics.ObserveCheck(ep.Identity.MonitorType, string(outcome.Status), outcome.ResponseTime)
	return update, true
}

func (l *Loop) strategy() backoff.Strategy {
	s := l.settings.Monitor()
	return backoff.Strategy{
		Base:   s.HealthCheckInterval.Std(),
		Max:    s.MaxBackOffInterval.Std(),
		Factor: l.factor,
	}
}

func invoke(ctx context.Context, ep *registry.MonitorableEndpoint) (outcome types.HealthOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("protocol panic: %v", r)
		}
	}()
	return ep.Protocol.CheckHealth(ctx, ep.Identity.Address)
}

func classify(outcome types.HealthOutcome, err error, deadlineHit bool, timeout, elapsed time.Duration) types.HealthOutcome {
	switch {
	// An outcome delivered right at the deadline still counts; only a failed
	// check is blamed on the timeout.
	case err != nil && (deadlineHit || errors.Is(err, context.DeadlineExceeded)):
		return types.HealthOutcome{
			Status:       types.StatusTimedOut,
			ResponseTime: elapsed,
			Details:      map[string]string{"message": fmt.Sprintf("check exceeded %s", timeout)},
		}
	case err != nil:
		return types.HealthOutcome{
			Status:       types.StatusFaulty,
			ResponseTime: elapsed,
			Details:      map[string]string{"message": err.Error()},
		}
	case !outcome.Status.Valid():
		return types.HealthOutcome{
			Status:       types.StatusFaulty,
			ResponseTime: elapsed,
			Details:      map[string]string{"message": fmt.Sprintf("protocol returned unknown status %q", outcome.Status)},
		}
	}
	if outcome.ResponseTime <= 0 {
		outcome.ResponseTime = elapsed
	}
	return outcome
}

// failed reports whether status should grow the backoff.
func failed(status types.HealthStatus) bool {
	return status == types.StatusTimedOut || status == types.StatusFaulty
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
