package transmit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pingsantohq/healthagent/internal/events"
	"github.com/pingsantohq/healthagent/internal/logging"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/pkg/types"
)

const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 256
	DefaultMaxWait   = time.Second
)

// Sink defines the downstream consumer for health updates (e.g. the collector client).
type Sink interface {
	SendHealthUpdates(ctx context.Context, updates []types.HealthUpdate) error
}

// Source is the buffer the transmitter drains.
type Source interface {
	Dequeue(ctx context.Context, maxCount int, maxWait time.Duration) []types.HealthUpdate
}

// Option configures a Transmitter instance.
type Option func(*Transmitter)

// WithInterval sets the pause between upload rounds.
func WithInterval(d time.Duration) Option {
	return func(t *Transmitter) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithBatchSize overrides the number of updates sent per request.
func WithBatchSize(size int) Option {
	return func(t *Transmitter) {
		if size > 0 {
			t.batchSize = size
		}
	}
}

// WithMaxWait bounds how long a round waits for a batch to fill.
func WithMaxWait(d time.Duration) Option {
	return func(t *Transmitter) {
		if d >= 0 {
			t.maxWait = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transmitter) {
		t.logger = logging.Component(logger, "transmit")
	}
}

func WithMetrics(rec metrics.ExchangeRecorder) Option {
	return func(t *Transmitter) {
		if rec != nil {
			t.metrics = rec
		}
	}
}

func WithEventRecorder(rec events.Recorder) Option {
	return func(t *Transmitter) {
		if rec != nil {
			t.events = rec
		}
	}
}

// Transmitter periodically drains the outgoing buffer and hands batches to
// the sink. A batch that fails to send is dropped, not re-queued.
type Transmitter struct {
	source    Source
	sink      Sink
	interval  time.Duration
	batchSize int
	maxWait   time.Duration
	logger    zerolog.Logger
	metrics   metrics.ExchangeRecorder
	events    events.Recorder
	now       func() time.Time
}

// New constructs a Transmitter. The source and sink are required.
func New(source Source, sink Sink, opts ...Option) *Transmitter {
	t := &Transmitter{
		source:    source,
		sink:      sink,
		interval:  DefaultInterval,
		batchSize: DefaultBatchSize,
		maxWait:   DefaultMaxWait,
		logger:    zerolog.Nop(),
		metrics:   metrics.NoopExchangeRecorder{},
		events:    events.Discard,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run flushes once per interval until the context is cancelled.
func (t *Transmitter) Run(ctx context.Context) error {
	if t.source == nil {
		return errors.New("transmitter source is nil")
	}
	if t.sink == nil {
		return errors.New("transmitter sink is nil")
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush sends batches until the buffer yields a short batch.
func (t *Transmitter) Flush(ctx context.Context) (sent, dropped int) {
	for ctx.Err() == nil {
		batch := t.source.Dequeue(ctx, t.batchSize, t.maxWait)
		if len(batch) == 0 {
			return sent, dropped
		}

		err := t.sink.SendHealthUpdates(ctx, batch)
		t.metrics.ObserveUpload(len(batch), err)
		if err != nil {
			dropped += len(batch)
			t.logger.Warn().Err(err).Int("updates", len(batch)).Msg("upload failed, batch dropped")
			t.events.Record(types.Event{
				Type:      types.EventUploadDropped,
				Timestamp: t.now().UTC(),
				Details:   map[string]any{"updates": len(batch), "error": err.Error()},
			})
		} else {
			sent += len(batch)
		}

		if len(batch) < t.batchSize {
			break
		}
	}
	if sent > 0 {
		t.logger.Debug().Int("sent", sent).Int("dropped", dropped).Msg("upload round complete")
	}
	return sent, dropped
}
