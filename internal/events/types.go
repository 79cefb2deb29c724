// Package events defines event types for the blockgate event system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection lifecycle events
	EventConnectionOpened   EventType = "connection_opened"
	EventConnectionPromoted EventType = "connection_promoted"
	EventConnectionClosed   EventType = "connection_closed"
	EventProtocolError      EventType = "protocol_error"
	EventEncryptionEnabled  EventType = "encryption_enabled"

	// Tick loop events
	EventTickLag   EventType = "tick_lag"
	EventTickStats EventType = "tick_stats"

	// Extension events
	EventListenerRegistered EventType = "listener_registered"

	// Notification events
	EventHeartbeat   EventType = "heartbeat"
	EventNotifyMQTT  EventType = "notify_mqtt"
	EventHealthAlert EventType = "health_alert"

	// System events
	EventBroadcast     EventType = "broadcast"
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Phase is the membership state of a connection.
type Phase int

const (
	PhasePending Phase = iota
	PhaseEstablished
	PhaseClosed
)

var phaseStrings = map[Phase]string{
	PhasePending:     "pending",
	PhaseEstablished: "established",
	PhaseClosed:      "closed",
}

// String returns the string representation of Phase.
func (p Phase) String() string {
	if str, ok := phaseStrings[p]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes Phase as a JSON string (e.g. "pending").
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectionPayload describes a connection lifecycle transition.
type ConnectionPayload struct {
	ConnID   uint64    `json:"conn_id"`
	Remote   string    `json:"remote"`
	Username string    `json:"username,omitempty"`
	Phase    Phase     `json:"phase"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ProtocolErrorPayload is emitted when a connection is dropped for bad framing.
type ProtocolErrorPayload struct {
	ConnID uint64 `json:"conn_id"`
	Remote string `json:"remote"`
	Error  string `json:"error"`
}

// TickLagPayload is emitted when a tick overruns its budget.
type TickLagPayload struct {
	Tick     uint64        `json:"tick"`
	Duration time.Duration `json:"duration_ns"`
	Budget   time.Duration `json:"budget_ns"`
	Level    string        `json:"level"` // "warning", "critical"
}

// TickStatsPayload summarises recent tick timings.
type TickStatsPayload struct {
	Ticks       uint64  `json:"ticks"`
	AvgMs       float64 `json:"avg_ms"`
	MaxMs       float64 `json:"max_ms"`
	Pending     int     `json:"pending"`
	Established int     `json:"established"`
}

// ListenerPayload is emitted when an extension registers a packet listener.
type ListenerPayload struct {
	Listener string `json:"listener"`
	Owner    string `json:"owner"`
}

// BroadcastPayload carries an operator message for all players.
type BroadcastPayload struct {
	Message string `json:"message"`
}

// HealthAlertPayload is emitted by failing health checks.
type HealthAlertPayload struct {
	Check   string `json:"check"`
	Message string `json:"message"`
	Level   string `json:"level"` // "info", "warning", "error"
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
