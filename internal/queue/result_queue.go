package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pingsantohq/healthagent/internal/events"
	"github.com/pingsantohq/healthagent/internal/metrics"
	"github.com/pingsantohq/healthagent/pkg/types"
)

// Buffer is a bounded FIFO shared by many producers and one periodic consumer.
// When full it evicts the oldest entries; Enqueue never blocks and never
// rejects the newest item.
type Buffer[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	ready    chan struct{}
	enqueued uint64
	dropped  uint64
	events   events.Recorder
	keyOf    func(T) string
	metrics  metrics.QueueRecorder
}

// NewBuffer constructs a Buffer holding at most capacity items.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		capacity: capacity,
		items:    make([]T, 0, capacity),
		ready:    make(chan struct{}),
	}
}

// NewHealthBuffer is the buffer flavour used between sampling loops and the uploader.
func NewHealthBuffer(capacity int) *Buffer[types.HealthUpdate] {
	b := NewBuffer[types.HealthUpdate](capacity)
	b.keyOf = func(u types.HealthUpdate) string { return u.EndpointID }
	return b
}

// SetEventRecorder attaches a recorder notified for each eviction. keyOf names
// the endpoint an evicted item belongs to and may be nil.
func (q *Buffer[T]) SetEventRecorder(rec events.Recorder, keyOf func(T) string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
	if keyOf != nil {
		q.keyOf = keyOf
	}
}

func (q *Buffer[T]) SetMetricsRecorder(rec metrics.QueueRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

func (q *Buffer[T]) Capacity() int {
	return q.capacity
}

// Enqueue appends item and returns how many old items were evicted to make room.
func (q *Buffer[T]) Enqueue(item T) (dropped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.enqueued++
	for len(q.items) > q.capacity {
		var zero T
		removed := q.items[0]
		q.items[0] = zero
		q.items = q.items[1:]
		dropped++
		q.dropped++
		q.recordDrop(removed)
	}
	q.observeDepthLocked()

	close(q.ready)
	q.ready = make(chan struct{})
	return dropped
}

// Dequeue removes up to maxCount items. While fewer than maxCount are
// available it waits, cumulatively up to maxWait, for more to arrive. It
// returns whatever was collected when the wait elapses or ctx is done and
// never reports an error. maxCount <= 0 means the buffer capacity.
func (q *Buffer[T]) Dequeue(ctx context.Context, maxCount int, maxWait time.Duration) []T {
	if maxCount <= 0 {
		maxCount = q.capacity
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var timeout <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		timeout = timer.C
	}

	out := make([]T, 0, min(maxCount, q.Len()))
	for {
		q.mu.Lock()
		out = q.takeLocked(out, maxCount-len(out))
		ready := q.ready
		q.mu.Unlock()

		if len(out) >= maxCount || maxWait <= 0 {
			return out
		}

		select {
		case <-ctx.Done():
			return out
		case <-timeout:
			return out
		case <-ready:
		}
	}
}

// Drain removes up to max items without waiting.
func (q *Buffer[T]) Drain(max int) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = len(q.items)
	}
	return q.takeLocked(make([]T, 0, min(max, len(q.items))), max)
}

func (q *Buffer[T]) takeLocked(out []T, n int) []T {
	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return out
	}
	out = append(out, q.items[:n]...)
	var zero T
	for i := 0; i < n; i++ {
		q.items[i] = zero
	}
	q.items = q.items[n:]
	q.observeDepthLocked()
	return out
}

// Len is the current number of buffered items.
func (q *Buffer[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Buffer[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      len(q.items),
		Capacity: q.capacity,
		Enqueued: q.enqueued,
		Dropped:  q.dropped,
	}
}

type Stats struct {
	Len      int
	Capacity int
	Enqueued uint64
	Dropped  uint64
}

func (q *Buffer[T]) recordDrop(removed T) {
	if q.metrics != nil {
		q.metrics.IncQueueDrops()
	}
	if q.events == nil {
		return
	}
	var endpointID string
	if q.keyOf != nil {
		endpointID = q.keyOf(removed)
	}
	q.events.Record(types.Event{
		Type:       types.EventQueueDrop,
		Timestamp:  time.Now().UTC(),
		EndpointID: endpointID,
	})
}

func (q *Buffer[T]) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}
