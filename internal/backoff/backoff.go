// Package backoff computes the wait between consecutive checks of one endpoint.
package backoff

import (
	"context"
	"time"
)

const (
	DefaultFactor = 2.0
	DefaultMax    = 5 * time.Minute
)

// Plan is the outcome of a backoff computation. A nil NextInterval means the
// caller observed cancellation and must stop.
type Plan struct {
	NextInterval *time.Duration
	ShouldLog    bool
}

// Stop reports whether the plan asks the caller to stop.
func (p Plan) Stop() bool {
	return p.NextInterval == nil
}

// Interval returns the planned wait, or zero for a stop plan.
func (p Plan) Interval() time.Duration {
	if p.NextInterval == nil {
		return 0
	}
	return *p.NextInterval
}

// Strategy grows Base geometrically by Factor per consecutive failure, capped
// at Max. Zero failures always yield Base.
type Strategy struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

func (s Strategy) normalized() Strategy {
	if s.Base <= 0 {
		s.Base = time.Second
	}
	if s.Factor <= 1 {
		s.Factor = DefaultFactor
	}
	if s.Max <= 0 {
		s.Max = DefaultMax
	}
	if s.Max < s.Base {
		s.Max = s.Base
	}
	return s
}

// Next plans the wait after the given number of consecutive failures.
func (s Strategy) Next(ctx context.Context, failures int) Plan {
	if ctx != nil && ctx.Err() != nil {
		return Plan{}
	}
	interval := s.Interval(failures)
	return Plan{
		NextInterval: &interval,
		ShouldLog:    failures > 0 && failures&(failures-1) == 0,
	}
}

// Interval is the pure interval computation behind Next.
func (s Strategy) Interval(failures int) time.Duration {
	s = s.normalized()
	if failures <= 0 {
		return s.Base
	}
	next := float64(s.Base)
	for i := 0; i < failures; i++ {
		next *= s.Factor
		if next >= float64(s.Max) {
			return s.Max
		}
	}
	return time.Duration(next)
}
