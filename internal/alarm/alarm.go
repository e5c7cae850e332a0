package alarm

import (
	"context"
	"sort"
	"strings"
	"time"
)

// SessionState is the authentication state of the single vendor session.
type SessionState string

// Session states.
const (
	StateUnauthenticated SessionState = "UNAUTHENTICATED"
	StateLoginPending    SessionState = "LOGIN_PENDING"
	StateWaiting2FA      SessionState = "WAITING_2FA"
	StateAuthenticated   SessionState = "AUTHENTICATED"
	StateLoginFailed     SessionState = "LOGIN_FAILED"
)

// Credentials identify the vendor account.
type Credentials struct {
	Username string
	Password string
}

// IsZero reports whether no account is configured.
func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

// ArmedState is the panel state in Home Assistant vocabulary.
type ArmedState string

// Armed states, exactly the payloads of <ns>/<panel_id>/state.
const (
	ArmedAway ArmedState = "armed_away"
	ArmedHome ArmedState = "armed_home"
	Disarmed  ArmedState = "disarmed"
)

// Valid reports whether s is one of the three published values.
func (s ArmedState) Valid() bool {
	switch s {
	case ArmedAway, ArmedHome, Disarmed:
		return true
	}
	return false
}

// Action is a command accepted on <ns>/<panel_id>/set.
type Action string

// Actions.
const (
	ActionArmAway Action = "ARM_AWAY"
	ActionArmHome Action = "ARM_HOME"
	ActionDisarm  Action = "DISARM"
)

// ParseAction validates a command payload. Surrounding whitespace and
// letter case are ignored; anything else returns ErrInvalidCommand.
func ParseAction(payload string) (Action, error) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(payload))); a {
	case ActionArmAway, ActionArmHome, ActionDisarm:
		return a, nil
	}
	return "", ErrInvalidCommand
}

// SensorReading is one housecheck sensor.
type SensorReading struct {
	Serial      string   `json:"serial"`
	Label       string   `json:"label,omitempty"`
	Temperature float64  `json:"temperature"`
	Humidity    *float64 `json:"humidity,omitempty"`
}

// equal compares values, treating two nil humidities as equal.
func (r SensorReading) equal(o SensorReading) bool {
	if r.Serial != o.Serial || r.Label != o.Label || r.Temperature != o.Temperature {
		return false
	}
	switch {
	case r.Humidity == nil && o.Humidity == nil:
		return true
	case r.Humidity == nil || o.Humidity == nil:
		return false
	}
	return *r.Humidity == *o.Humidity
}

// PanelSnapshot is the result of one successful poll.
// It is never modified after it is built; the next poll replaces it.
type PanelSnapshot struct {
	PanelID    string                   `json:"panel_id"`
	ArmedState ArmedState               `json:"armed_state"`
	Sensors    map[string]SensorReading `json:"sensors"`
	FetchedAt  time.Time                `json:"fetched_at"`
}

// Serials returns the sensor serials in sorted order.
func (s *PanelSnapshot) Serials() []string {
	if s == nil {
		return nil
	}
	serials := make([]string, 0, len(s.Sensors))
	for serial := range s.Sensors {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return serials
}

// Equal compares two snapshots ignoring FetchedAt.
func (s *PanelSnapshot) Equal(o *PanelSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.PanelID != o.PanelID || s.ArmedState != o.ArmedState || len(s.Sensors) != len(o.Sensors) {
		return false
	}
	for serial, r := range s.Sensors {
		other, ok := o.Sensors[serial]
		if !ok || !r.equal(other) {
			return false
		}
	}
	return true
}

// Command is an accepted arm/disarm request.
type Command struct {
	ID         string    `json:"id"`
	PanelID    string    `json:"panel_id"`
	Action     Action    `json:"action"`
	ReceivedAt time.Time `json:"received_at"`
}

// LoginOutcome is the vendor's answer to a login attempt.
type LoginOutcome int

// Login outcomes.
const (
	LoginAuthenticated LoginOutcome = iota
	LoginNeeds2FA
	LoginRejected
)

// LoginResult carries a token (Authenticated) or a challenge id (Needs2FA).
// Expiry is zero when the token carries none.
type LoginResult struct {
	Outcome     LoginOutcome
	Token       string
	Expiry      time.Time
	ChallengeID string
}

// CommandResult is the vendor's answer to an arm/disarm call.
type CommandResult string

// Command results.
const (
	CommandAck       CommandResult = "ACK"
	CommandRejected  CommandResult = "REJECTED"
	CommandTransient CommandResult = "TRANSIENT_ERROR"
)

// RemoteAlarmClient is the vendor API contract. Every call blocks until
// the context is done or the vendor answers.
//
// GetStatus and SendCommand return an error wrapping ErrUnauthorized when the
// token is refused, ErrTransient for retryable failures and ErrProtocol for
// undecodable responses.
type RemoteAlarmClient interface {
	Login(ctx context.Context, creds Credentials) (LoginResult, error)
	SubmitTwoFactor(ctx context.Context, challengeID, code string) (LoginResult, error)
	GetStatus(ctx context.Context, token, panelID string) (*PanelSnapshot, error)
	SendCommand(ctx context.Context, token, panelID string, action Action) (CommandResult, error)
}
