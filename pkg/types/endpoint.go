package types

// EndpointIdentity names a single endpoint issued by the collector. Two
// identities refer to the same endpoint when their IDs match.
type EndpointIdentity struct {
	ID          string `json:"id" yaml:"id"`
	Address     string `json:"address" yaml:"address"`
	MonitorType string `json:"monitorType" yaml:"monitor_type"`
}

// SameEndpoint reports whether both identities share an ID.
func (e EndpointIdentity) SameEndpoint(other EndpointIdentity) bool {
	return e.ID == other.ID
}
