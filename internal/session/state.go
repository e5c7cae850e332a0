package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// attemptKind marks which authentication call is outstanding, if any.
type attemptKind int

const (
	attemptNone attemptKind = iota
	attemptLogin
	attemptCode
)

// Snapshot is an immutable copy of the session for observers. It never
// carries the token.
type Snapshot struct {
	State             alarm.SessionState `json:"state"`
	TokenExpiry       *time.Time         `json:"token_expiry,omitempty"`
	ChallengeDeadline *time.Time         `json:"challenge_deadline,omitempty"`
	AuthInProgress    bool               `json:"auth_in_progress"`
	LastError         string             `json:"last_error,omitempty"`
	ChangedAt         time.Time          `json:"changed_at"`
	InFlight          []string           `json:"in_flight,omitempty"`
}

// State is the single session plus the per-panel in-flight command flags.
// One mutex guards all of it; callers never perform I/O while holding it.
type State struct {
	mu  sync.Mutex
	now func() time.Time

	state             alarm.SessionState
	creds             alarm.Credentials
	token             string
	tokenExpiry       time.Time
	challengeID       string
	challengeDeadline time.Time
	attempt           attemptKind
	failure           error
	rejectedToken     string
	changedAt         time.Time

	inFlight map[string]alarm.Command

	// changes is closed and replaced on every observable change.
	changes chan struct{}
}

// NewState returns an UNAUTHENTICATED session with no commands in flight.
func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		now:       now,
		state:     alarm.StateUnauthenticated,
		changedAt: now().UTC(),
		inFlight:  make(map[string]alarm.Command),
		changes:   make(chan struct{}),
	}
}

// Snapshot returns a consistent copy of the session. It never blocks on I/O.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	snap := Snapshot{
		State:          s.state,
		AuthInProgress: s.attempt != attemptNone,
		ChangedAt:      s.changedAt,
	}
	if s.failure != nil {
		snap.LastError = s.failure.Error()
	}
	if s.state == alarm.StateAuthenticated && !s.tokenExpiry.IsZero() {
		t := s.tokenExpiry
		snap.TokenExpiry = &t
	}
	if s.state == alarm.StateWaiting2FA {
		t := s.challengeDeadline
		snap.ChallengeDeadline = &t
	}
	for panelID := range s.inFlight {
		snap.InFlight = append(snap.InFlight, panelID)
	}
	sort.Strings(snap.InFlight)
	return snap
}

// Changes returns a channel that is closed at the next change. Callers
// must call Changes again after it fires.
func (s *State) Changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changes
}

// BeginCommand marks a command in flight for its panel and returns the token
// to send it with. It fails with ErrNeedsReauth unless AUTHENTICATED and
// with ErrCommandInFlight when the panel already has one outstanding.
func (s *State) BeginCommand(cmd alarm.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	if s.state != alarm.StateAuthenticated {
		return "", fmt.Errorf("%w (state %s)", alarm.ErrNeedsReauth, s.state)
	}
	if prev, busy := s.inFlight[cmd.PanelID]; busy {
		return "", fmt.Errorf("panel %s: %s pending: %w", cmd.PanelID, prev.Action, alarm.ErrCommandInFlight)
	}
	s.inFlight[cmd.PanelID] = cmd
	s.notifyLocked()
	return s.token, nil
}

// EndCommand clears the in-flight flag for a panel.
func (s *State) EndCommand(panelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[panelID]; !ok {
		return
	}
	delete(s.inFlight, panelID)
	s.notifyLocked()
}

// transitionLocked moves to next and wakes observers. Fields that are only
// meaningful in a particular state are cleared on the way out of it.
func (s *State) transitionLocked(next alarm.SessionState, failure error) {
	s.state = next
	s.failure = failure
	if next != alarm.StateAuthenticated {
		s.token = ""
		s.tokenExpiry = time.Time{}
	}
	if next != alarm.StateWaiting2FA {
		s.challengeID = ""
		s.challengeDeadline = time.Time{}
	}
	s.changedAt = s.now().UTC()
	s.notifyLocked()
}

func (s *State) authenticateLocked(token string, expiry time.Time) {
	s.transitionLocked(alarm.StateAuthenticated, nil)
	s.token = token
	s.tokenExpiry = expiry
	s.rejectedToken = ""
}

func (s *State) notifyLocked() {
	close(s.changes)
	s.changes = make(chan struct{})
}

// expireLocked applies the time-based transitions: an elapsed challenge
// window fails the login, an expired token drops to UNAUTHENTICATED.
// A code exchange in progress is allowed to finish first.
func (s *State) expireLocked() {
	now := s.now()
	switch s.state {
	case alarm.StateWaiting2FA:
		if s.attempt == attemptNone && !now.Before(s.challengeDeadline) {
			s.transitionLocked(alarm.StateLoginFailed, alarm.ErrTwoFactorTimeout)
		}
	case alarm.StateAuthenticated:
		if !s.tokenExpiry.IsZero() && !now.Before(s.tokenExpiry) {
			s.transitionLocked(alarm.StateUnauthenticated, errTokenExpired)
		}
	}
}

// timedOutLocked reports whether the last failure was an elapsed challenge window.
func (s *State) timedOutLocked() bool {
	return s.state == alarm.StateLoginFailed && errors.Is(s.failure, alarm.ErrTwoFactorTimeout)
}
