package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type HealthStatus string

const (
	StatusNotExists HealthStatus = "NotExists"
	StatusOffline   HealthStatus = "Offline"
	StatusHealthy   HealthStatus = "Healthy"
	StatusFaulty    HealthStatus = "Faulty"
	StatusUnhealthy HealthStatus = "Unhealthy"
	StatusTimedOut  HealthStatus = "TimedOut"
)

// Valid reports whether s is one of the known statuses.
func (s HealthStatus) Valid() bool {
	switch s {
	case StatusNotExists, StatusOffline, StatusHealthy, StatusFaulty, StatusUnhealthy, StatusTimedOut:
		return true
	default:
		return false
	}
}

// HealthOutcome is the result of one protocol check.
type HealthOutcome struct {
	Status       HealthStatus
	ResponseTime time.Duration
	Details      map[string]string
}

// HealthUpdate is the unit buffered by the agent and uploaded in batches.
type HealthUpdate struct {
	EndpointID   string
	CheckTimeUTC time.Time
	Outcome      HealthOutcome
}

type healthUpdateWire struct {
	EndpointID   string            `json:"endpointId"`
	Status       HealthStatus      `json:"status"`
	CheckTimeUTC time.Time         `json:"checkTimeUtc"`
	ResponseTime string            `json:"responseTime"`
	Details      map[string]string `json:"details,omitempty"`
}

// MarshalJSON flattens the update into the collector wire shape.
func (u HealthUpdate) MarshalJSON() ([]byte, error) {
	return json.Marshal(healthUpdateWire{
		EndpointID:   u.EndpointID,
		Status:       u.Outcome.Status,
		CheckTimeUTC: u.CheckTimeUTC.UTC(),
		ResponseTime: u.Outcome.ResponseTime.String(),
		Details:      u.Outcome.Details,
	})
}

func (u *HealthUpdate) UnmarshalJSON(data []byte) error {
	var wire healthUpdateWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	var rt time.Duration
	if wire.ResponseTime != "" {
		parsed, err := time.ParseDuration(wire.ResponseTime)
		if err != nil {
			return fmt.Errorf("parse responseTime %q: %w", wire.ResponseTime, err)
		}
		rt = parsed
	}
	*u = HealthUpdate{
		EndpointID:   wire.EndpointID,
		CheckTimeUTC: wire.CheckTimeUTC,
		Outcome: HealthOutcome{
			Status:       wire.Status,
			ResponseTime: rt,
			Details:      wire.Details,
		},
	}
	return nil
}
