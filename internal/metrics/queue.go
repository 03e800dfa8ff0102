package metrics

import "time"

type QueueRecorder interface {
	ObserveQueueDepth(depth int)
	IncQueueDrops()
}

type NoopQueueRecorder struct{}

func (NoopQueueRecorder) ObserveQueueDepth(depth int) {}
func (NoopQueueRecorder) IncQueueDrops()              {}

// EngineRecorder tracks the keyed loop engine.
type EngineRecorder interface {
	ObserveRunningLoops(n int)
	IncLoopsFinished()
	IncLoopPanics()
}

type NoopEngineRecorder struct{}

func (NoopEngineRecorder) ObserveRunningLoops(n int) {}
func (NoopEngineRecorder) IncLoopsFinished()         {}
func (NoopEngineRecorder) IncLoopPanics()            {}

// CheckRecorder tracks individual health checks.
type CheckRecorder interface {
	ObserveCheck(monitorType, status string, responseTime time.Duration)
}

type NoopCheckRecorder struct{}

func (NoopCheckRecorder) ObserveCheck(monitorType, status string, responseTime time.Duration) {}

// ExchangeRecorder tracks traffic with the collector.
type ExchangeRecorder interface {
	ObserveUpload(updates int, err error)
	ObserveRefresh(endpoints int, err error)
}

type NoopExchangeRecorder struct{}

func (NoopExchangeRecorder) ObserveUpload(updates int, err error)    {}
func (NoopExchangeRecorder) ObserveRefresh(endpoints int, err error) {}

// RegistryRecorder tracks the number of live endpoints.
type RegistryRecorder interface {
	ObserveEndpoints(n int)
}

type NoopRegistryRecorder struct{}

func (NoopRegistryRecorder) ObserveEndpoints(n int) {}
