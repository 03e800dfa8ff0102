package types

import "time"

type EventType string

const (
	EventQueueDrop       EventType = "QueueDrop"
	EventEndpointAdded   EventType = "EndpointAdded"
	EventEndpointRemoved EventType = "EndpointRemoved"
	EventLoopFinished    EventType = "LoopFinished"
	EventUploadDropped   EventType = "UploadDropped"
	EventUnknownMonitor  EventType = "UnknownMonitorType"
)

type Event struct {
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"ts"`
	EndpointID string            `json:"endpoint_id,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
}
