// Package scheduler runs one long-lived loop per key. Loops are registered at
// any time, started lazily by a single coordinator goroutine and reported to
// observers when they end.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
)

// LoopFactory is the body of a keyed loop. It runs until ctx is cancelled or
// it decides to stop on its own.
type LoopFactory[K comparable] func(ctx context.Context, key K) error

type state int

const (
	stateUnstarted state = iota
	stateStarting
	stateRunning
)

type entry[K comparable] struct {
	factory LoopFactory[K]
	state   state
}

const maxRestartDelay = 5 * time.Second

var errCoordinatorPanic = errors.New("coordinator panic")

// Engine guarantees at most one live loop per key.
type Engine[K comparable] struct {
	logger  zerolog.Logger
	metrics metrics.EngineRecorder
	limiter *rate.Limiter

	mu        sync.Mutex
	entries   map[K]*entry[K]
	observers []func(K)
	running   int
	closed    bool

	wake chan struct{}
	wg   sync.WaitGroup
}

type Option[K comparable] func(*Engine[K])

func WithLogger[K comparable](logger zerolog.Logger) Option[K] {
	return func(e *Engine[K]) {
		e.logger = logging.Component(logger, "engine")
	}
}

func WithMetrics[K comparable](rec metrics.EngineRecorder) Option[K] {
	return func(e *Engine[K]) {
		if rec != nil {
			e.metrics = rec
		}
	}
}

// WithStartRate paces lazy starts. A zero or infinite limit disables pacing.
func WithStartRate[K comparable](limit rate.Limit, burst int) Option[K] {
	return func(e *Engine[K]) {
		if limit <= 0 || limit == rate.Inf {
			e.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(limit, burst)
	}
}

func New[K comparable](opts ...Option[K]) *Engine[K] {
	e := &Engine[K]{
		logger:  zerolog.Nop(),
		metrics: metrics.NoopEngineRecorder{},
		entries: make(map[K]*entry[K]),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnFinished adds an observer called once per loop termination, after the key
// has been released.
func (e *Engine[K]) OnFinished(fn func(K)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, fn)
	e.mu.Unlock()
}

// TryRegister claims key for factory. It returns false when the key already
// has a loop or the engine has shut down. The loop starts later, on the
// coordinator goroutine.
func (e *Engine[K]) TryRegister(key K, factory LoopFactory[K]) bool {
	if factory == nil {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, exists := e.entries[key]; exists {
		e.mu.Unlock()
		return false
	}
	e.entries[key] = &entry[K]{factory: factory, state: stateUnstarted}
	e.mu.Unlock()
	e.signal()
	return true
}

// Registered reports whether key currently holds a loop in any state.
func (e *Engine[K]) Registered(key K) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[key]
	return ok
}

// Len counts registered keys, started or not.
func (e *Engine[K]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// Running counts loops whose goroutine is live.
func (e *Engine[K]) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Run drives the coordinator until ctx is cancelled. On return every started
// loop has exited and keys that never started have been released.
func (e *Engine[K]) Run(ctx context.Context) error {
	failures := 0
	for {
		err := e.coordinate(ctx)
		if err == nil || ctx.Err() != nil {
			break
		}
		failures++
		delay := restartDelay(failures)
		e.logger.Error().Err(err).Int("failures", failures).Dur("restart_in", delay).Msg("coordinator crashed")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	e.shutdown()
	return nil
}

func restartDelay(failures int) time.Duration {
	d := time.Duration(failures) * 100 * time.Millisecond
	if d > maxRestartDelay || d <= 0 {
		return maxRestartDelay
	}
	return d
}

func (e *Engine[K]) coordinate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errCoordinatorPanic, r)
		}
	}()
	for {
		e.startPending(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-e.wake:
		}
	}
}

func (e *Engine[K]) startPending(ctx context.Context) {
	e.mu.Lock()
	pending := make([]K, 0)
	for key, ent := range e.entries {
		if ent.state == stateUnstarted {
			ent.state = stateStarting
			pending = append(pending, key)
		}
	}
	e.mu.Unlock()

	// Whatever is still starting when the scan ends, by cancellation or by a
	// panic, goes back to unstarted for the next scan.
	defer e.requeue(pending)

	for _, key := range pending {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		e.start(ctx, key)
	}
}

// requeue puts keys that were picked up but not started back to unstarted.
// Keys already running are left alone.
func (e *Engine[K]) requeue(keys []K) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, key := range keys {
		if ent, ok := e.entries[key]; ok && ent.state == stateStarting {
			ent.state = stateUnstarted
		}
	}
}

func (e *Engine[K]) start(ctx context.Context, key K) {
	e.mu.Lock()
	ent, ok := e.entries[key]
	if !ok || ent.state != stateStarting {
		e.mu.Unlock()
		return
	}
	ent.state = stateRunning
	e.running++
	running := e.running
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runLoop(ctx, key, ent.factory)
	e.metrics.ObserveRunningLoops(running)
}

func (e *Engine[K]) runLoop(ctx context.Context, key K, factory LoopFactory[K]) {
	defer e.wg.Done()
	defer e.finish(key)
	defer func() {
		if r := recover(); r != nil {
			e.metrics.IncLoopPanics()
			e.logger.Error().Interface("key", key).Interface("panic", r).Msg("loop panicked")
		}
	}()

	if err := factory(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn().Err(err).Interface("key", key).Msg("loop returned error")
	}
}

func (e *Engine[K]) finish(key K) {
	e.mu.Lock()
	delete(e.entries, key)
	e.running--
	running := e.running
	observers := append([]func(K){}, e.observers...)
	e.mu.Unlock()

	e.metrics.IncLoopsFinished()
	e.metrics.ObserveRunningLoops(running)
	for _, fn := range observers {
		e.notify(fn, key)
	}
	e.signal()
}

func (e *Engine[K]) notify(fn func(K), key K) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("key", key).Interface("panic", r).Msg("finish observer panicked")
		}
	}()
	fn(key)
}

func (e *Engine[K]) shutdown() {
	e.mu.Lock()
	e.closed = true
	dropped := 0
	for key, ent := range e.entries {
		if ent.state != stateRunning {
			delete(e.entries, key)
			dropped++
		}
	}
	e.mu.Unlock()
	if dropped > 0 {
		e.logger.Debug().Int("dropped", dropped).Msg("released unstarted loops")
	}
	e.wg.Wait()
}

func (e *Engine[K]) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
