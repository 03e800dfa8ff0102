package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so it travels as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		// bare numbers are milliseconds
		*d = Duration(time.Duration(v) * time.Millisecond)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("unsupported duration value %v", raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MonitorSettings carries the sampling parameters distributed by the collector.
type MonitorSettings struct {
	HealthCheckInterval Duration `json:"healthCheckInterval"`
	ShortTimeout        Duration `json:"shortTimeOut"`
	FailureTimeout      Duration `json:"failureTimeOut"`
	MaxBackOffInterval  Duration `json:"maxBackOffInterval,omitempty"`
}

// ThrottlingSettings maps a monitor type to its maximum concurrent checks.
type ThrottlingSettings map[string]int

// CollectorConfig is the payload of GET /config.
type CollectorConfig struct {
	Monitor    MonitorSettings    `json:"monitor"`
	Throttling ThrottlingSettings `json:"throttling"`
}
