package bridge

import (
	"encoding/json"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// SensorStatePayload is published retained on <ns>/sensor/<serial>/state.
type SensorStatePayload struct {
	Temperature float64  `json:"temperature"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// StatusMessage is the bridge's view of one panel.
// Topic: <ns>/<panel_id>/status
// QoS: 1, Retained: Yes, published on change only.
type StatusMessage struct {
	// SessionState is the current authentication state.
	SessionState alarm.SessionState `json:"session_state"`

	// Stale is true when the last poll failed or was skipped; the retained
	// state topics then hold the last known values.
	Stale bool `json:"stale"`

	// SnapshotAt is when the last successful poll finished.
	SnapshotAt *time.Time `json:"snapshot_at,omitempty"`

	// ChallengeDeadline is set while waiting for a 2FA code.
	ChallengeDeadline *time.Time `json:"challenge_deadline,omitempty"`

	// LastError describes why the snapshot is stale.
	LastError string `json:"last_error,omitempty"`
}

// CommandResultMessage reports what happened to one command.
// Topic: <ns>/<panel_id>/command_result
// QoS: 1, Retained: No
type CommandResultMessage struct {
	// CommandID correlates log lines and results; generated on receipt.
	CommandID string `json:"command_id"`

	// Action is the requested action, empty when the payload was invalid.
	Action alarm.Action `json:"action,omitempty"`

	// Status is ACK, REJECTED or TRANSIENT_ERROR.
	Status alarm.CommandResult `json:"status"`

	// Error explains a rejection or failure.
	Error string `json:"error,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthHealthy: broker connected, session authenticated, last poll fresh.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded: running, but polling is failing or the broker is away.
	HealthDegraded HealthStatus = "degraded"

	// HealthAuthRequired: polling paused until the operator completes login.
	HealthAuthRequired HealthStatus = "auth_required"

	// HealthStarting indicates the bridge is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the bridge is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the periodic health report.
// Topic: <ns>/bridge/health
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Timestamp     time.Time          `json:"timestamp"`
	Status        HealthStatus       `json:"status"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	SessionState  alarm.SessionState `json:"session_state"`
	Statistics    Counters           `json:"statistics"`
	Reason        string             `json:"reason,omitempty"`
}

// Counters are cumulative engine statistics.
type Counters struct {
	PollsOK          uint64 `json:"polls_ok"`
	PollsFailed      uint64 `json:"polls_failed"`
	PollsSkipped     uint64 `json:"polls_skipped"`
	MessagesSent     uint64 `json:"messages_sent"`
	CommandsAcked    uint64 `json:"commands_acked"`
	CommandsRejected uint64 `json:"commands_rejected"`
	CommandsFailed   uint64 `json:"commands_failed"`
}

// sensorPayload encodes one sensor reading.
func sensorPayload(r alarm.SensorReading) ([]byte, error) {
	return json.Marshal(SensorStatePayload{Temperature: r.Temperature, Humidity: r.Humidity})
}
