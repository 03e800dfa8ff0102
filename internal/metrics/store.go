// Package metrics keeps the agent's counters and gauges in memory and renders
// them in the Prometheus text exposition format.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Store holds every agent metric. Hot-path counters are atomics; readiness
// and the labelled series sit behind mu.
type Store struct {
	queueDepth      atomic.Int64
	queueDrops      atomic.Uint64
	runningLoops    atomic.Int64
	loopsFinished   atomic.Uint64
	loopPanics      atomic.Uint64
	endpoints       atomic.Int64
	uploadsOK       atomic.Uint64
	uploadsDropped  atomic.Uint64
	updatesUploaded atomic.Uint64
	updatesLost     atomic.Uint64
	refreshOK       atomic.Uint64
	refreshFailed   atomic.Uint64

	mu        sync.Mutex
	readiness readinessState
	checks    map[checkKey]*checkCounter
}

type checkKey struct {
	MonitorType string
	Status      string
}

type checkCounter struct {
	count   uint64
	totalMs uint64
}

func NewStore() *Store {
	return &Store{
		readiness: readinessState{degradations: make(map[ReadinessCategory]uint64)},
		checks:    make(map[checkKey]*checkCounter),
	}
}

// Snapshot is a point-in-time copy of the store.
type Snapshot struct {
	QueueDepth           int64
	QueueDroppedTotal    uint64
	RunningLoops         int64
	LoopsFinishedTotal   uint64
	LoopPanicsTotal      uint64
	Endpoints            int64
	UploadsTotal         uint64
	UploadsDroppedTotal  uint64
	UpdatesUploadedTotal uint64
	UpdatesLostTotal     uint64
	RefreshTotal         uint64
	RefreshFailedTotal   uint64

	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyAlerts         uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount

	// Checks is sorted by monitor type, then status.
	Checks []CheckCount
}

// CheckCount aggregates checks per monitor type and resulting status.
type CheckCount struct {
	MonitorType         string
	Status              string
	Count               uint64
	ResponseTimeTotalMs uint64
}

func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		QueueDepth:           s.queueDepth.Load(),
		QueueDroppedTotal:    s.queueDrops.Load(),
		RunningLoops:         s.runningLoops.Load(),
		LoopsFinishedTotal:   s.loopsFinished.Load(),
		LoopPanicsTotal:      s.loopPanics.Load(),
		Endpoints:            s.endpoints.Load(),
		UploadsTotal:         s.uploadsOK.Load(),
		UploadsDroppedTotal:  s.uploadsDropped.Load(),
		UpdatesUploadedTotal: s.updatesUploaded.Load(),
		UpdatesLostTotal:     s.updatesLost.Load(),
		RefreshTotal:         s.refreshOK.Load(),
		RefreshFailedTotal:   s.refreshFailed.Load(),
	}

	s.mu.Lock()
	s.readiness.fill(&snap)
	snap.Checks = make([]CheckCount, 0, len(s.checks))
	for key, c := range s.checks {
		snap.Checks = append(snap.Checks, CheckCount{
			MonitorType:         key.MonitorType,
			Status:              key.Status,
			Count:               c.count,
			ResponseTimeTotalMs: c.totalMs,
		})
	}
	s.mu.Unlock()

	sort.Slice(snap.Checks, func(i, j int) bool {
		a, b := snap.Checks[i], snap.Checks[j]
		if a.MonitorType != b.MonitorType {
			return a.MonitorType < b.MonitorType
		}
		return a.Status < b.Status
	})
	return snap
}

func (s *Store) QueueRecorder() QueueRecorder {
	return queueRecorder{store: s}
}

func (s *Store) EngineRecorder() EngineRecorder {
	return engineRecorder{store: s}
}

func (s *Store) CheckRecorder() CheckRecorder {
	return checkRecorder{store: s}
}

func (s *Store) ExchangeRecorder() ExchangeRecorder {
	return exchangeRecorder{store: s}
}

// ObserveEndpoints records the number of registered endpoints.
func (s *Store) ObserveEndpoints(n int) {
	s.endpoints.Store(int64(n))
}

type queueRecorder struct {
	store *Store
}

func (r queueRecorder) ObserveQueueDepth(depth int) {
	r.store.queueDepth.Store(int64(depth))
}

func (r queueRecorder) IncQueueDrops() {
	r.store.queueDrops.Add(1)
}

type engineRecorder struct {
	store *Store
}

func (r engineRecorder) ObserveRunningLoops(n int) {
	if n < 0 {
		n = 0
	}
	r.store.runningLoops.Store(int64(n))
}

func (r engineRecorder) IncLoopsFinished() {
	r.store.loopsFinished.Add(1)
}

func (r engineRecorder) IncLoopPanics() {
	r.store.loopPanics.Add(1)
}

type checkRecorder struct {
	store *Store
}

func (r checkRecorder) ObserveCheck(monitorType, status string, responseTime time.Duration) {
	key := checkKey{MonitorType: normalizeLabel(monitorType), Status: normalizeLabel(status)}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.checks[key]
	if !ok {
		c = &checkCounter{}
		r.store.checks[key] = c
	}
	c.count++
	if responseTime > 0 {
		c.totalMs += uint64(responseTime / time.Millisecond)
	}
}

type exchangeRecorder struct {
	store *Store
}

func (r exchangeRecorder) ObserveUpload(updates int, err error) {
	if err != nil {
		r.store.uploadsDropped.Add(1)
		r.store.updatesLost.Add(uint64(updates))
		return
	}
	r.store.uploadsOK.Add(1)
	r.store.updatesUploaded.Add(uint64(updates))
}

func (r exchangeRecorder) ObserveRefresh(endpoints int, err error) {
	if err != nil {
		r.store.refreshFailed.Add(1)
		return
	}
	r.store.refreshOK.Add(1)
}
