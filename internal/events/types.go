package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Stream lifecycle events
	StreamConnected EventType = "stream_connected"
	StreamLost      EventType = "stream_lost"
	StreamGaveUp    EventType = "stream_gave_up"

	// Backend health events
	BackendDown EventType = "backend_down"
	BackendUp   EventType = "backend_up"

	// Machine events reconciled from the upstream streams
	MachineUpdated EventType = "machine_updated"
	MachineStopped EventType = "machine_stopped"
	MachineRisky   EventType = "machine_risky"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus. Stream names which
// upstream connection produced the event ("active", "inactive",
// "backend"); Machine carries the affected host IP when there is one.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	Stream    string            `json:"stream,omitempty"`
	Machine   string            `json:"machine,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
