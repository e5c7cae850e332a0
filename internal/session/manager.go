package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// DefaultChallengeWindow bounds how long a 2FA challenge stays open.
const DefaultChallengeWindow = 5 * time.Minute

const (
	// persistTimeout bounds token store calls made after a login.
	persistTimeout = 5 * time.Second

	// fallbackTokenTTL is stored when the remote returned no expiry.
	fallbackTokenTTL = 12 * time.Hour
)

var (
	errTokenExpired  = errors.New("session: token expired")
	errTokenRejected = errors.New("session: token rejected by remote")
)

// Logger is the logging interface used by the manager.
type Logger interface {
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Options configures a Manager.
type Options struct {
	// Remote is the vendor client. Required.
	Remote alarm.RemoteAlarmClient

	// Store persists the token. Optional; without it every start logs in.
	Store TokenStore

	// Credentials are used by Restore and ManualRetrigger.
	Credentials alarm.Credentials

	// ChallengeWindow defaults to DefaultChallengeWindow.
	ChallengeWindow time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time

	Logger Logger
}

// Manager owns the authentication state machine. It is the only caller of
// the vendor's login and 2FA operations.
//
// Thread Safety: All methods are safe for concurrent use. Network calls are
// made with the state lock released, so Snapshot never waits on I/O.
type Manager struct {
	remote alarm.RemoteAlarmClient
	store  TokenStore
	window time.Duration
	logger Logger
	st     *State

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewManager creates a manager in UNAUTHENTICATED.
func NewManager(opts Options) (*Manager, error) {
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	window := opts.ChallengeWindow
	if window <= 0 {
		window = DefaultChallengeWindow
	}
	st := NewState(opts.Now)
	st.creds = opts.Credentials
	return &Manager{
		remote: opts.Remote,
		store:  opts.Store,
		window: window,
		logger: opts.Logger,
		st:     st,
	}, nil
}

// State returns the shared session object.
func (m *Manager) State() *State { return m.st }

// Snapshot returns an immutable copy of the session.
func (m *Manager) Snapshot() Snapshot { return m.st.Snapshot() }

// Changes returns a channel closed at the next session change.
func (m *Manager) Changes() <-chan struct{} { return m.st.Changes() }

// BeginCommand marks a command in flight; see State.BeginCommand.
func (m *Manager) BeginCommand(cmd alarm.Command) (string, error) { return m.st.BeginCommand(cmd) }

// EndCommand clears a panel's in-flight flag.
func (m *Manager) EndCommand(panelID string) { m.st.EndCommand(panelID) }

// EnsureValid returns the token when AUTHENTICATED and unexpired, otherwise
// ErrNeedsReauth. It never starts a login.
func (m *Manager) EnsureValid() (string, error) {
	s := m.st
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	if s.state != alarm.StateAuthenticated {
		return "", fmt.Errorf("%w (state %s)", alarm.ErrNeedsReauth, s.state)
	}
	return s.token, nil
}

// TriggerLogin starts a login with creds. It is a no-op while a login is
// pending or the session is authenticated, and refuses to run from
// LOGIN_FAILED, which only ManualRetrigger leaves.
//
// Transient and protocol failures return the session to UNAUTHENTICATED.
func (m *Manager) TriggerLogin(ctx context.Context, creds alarm.Credentials) error {
	s := m.st
	s.mu.Lock()
	s.expireLocked()
	switch {
	case s.state == alarm.StateLoginPending, s.state == alarm.StateAuthenticated:
		s.mu.Unlock()
		return nil
	case s.state == alarm.StateLoginFailed:
		failure := s.failure
		s.mu.Unlock()
		return fmt.Errorf("%w: login failed (%v); manual retrigger required", alarm.ErrInvalidState, failure)
	case s.attempt != attemptNone:
		s.mu.Unlock()
		return alarm.ErrAuthInProgress
	}
	m.beginLoginLocked(creds)
	creds = s.creds
	s.mu.Unlock()

	return m.runLogin(ctx, creds)
}

// ManualRetrigger discards the current session, including any persisted
// token, and logs in again. It works from every state except while an
// authentication call is outstanding.
func (m *Manager) ManualRetrigger(ctx context.Context) error {
	s := m.st
	s.mu.Lock()
	if s.state == alarm.StateLoginPending || s.attempt != attemptNone {
		s.mu.Unlock()
		return alarm.ErrAuthInProgress
	}
	creds := s.creds
	if s.token != "" {
		s.rejectedToken = s.token
	}
	m.beginLoginLocked(creds)
	s.mu.Unlock()

	m.stopTimer()
	if m.store != nil {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		if err := m.store.Delete(pctx, creds.Username); err != nil {
			m.logWarn("failed to delete persisted token", "error", err)
		}
		cancel()
	}
	m.logInfo("manual login retrigger")

	return m.runLogin(ctx, creds)
}

// beginLoginLocked moves to LOGIN_PENDING and claims the attempt slot.
func (m *Manager) beginLoginLocked(creds alarm.Credentials) {
	s := m.st
	if !creds.IsZero() {
		s.creds = creds
	}
	s.attempt = attemptLogin
	s.transitionLocked(alarm.StateLoginPending, nil)
}

// runLogin calls the vendor with the lock released and applies the outcome.
func (m *Manager) runLogin(ctx context.Context, creds alarm.Credentials) error {
	res, err := m.remote.Login(ctx, creds)

	s := m.st
	s.mu.Lock()
	s.attempt = attemptNone
	if err != nil {
		s.transitionLocked(alarm.StateUnauthenticated, err)
		s.mu.Unlock()
		m.logWarn("login failed", "error", err)
		return fmt.Errorf("login: %w", err)
	}

	switch res.Outcome {
	case alarm.LoginAuthenticated:
		s.authenticateLocked(res.Token, res.Expiry)
		s.mu.Unlock()
		m.logInfo("login succeeded", "expires_at", res.Expiry)
		m.persist(ctx, creds.Username, res.Token, res.Expiry)
		return nil

	case alarm.LoginNeeds2FA:
		s.transitionLocked(alarm.StateWaiting2FA, nil)
		s.challengeID = res.ChallengeID
		s.challengeDeadline = s.now().Add(m.window)
		s.mu.Unlock()
		m.armTimer(res.ChallengeID)
		m.logInfo("waiting for two-factor code", "window", m.window)
		return nil

	case alarm.LoginRejected:
		s.transitionLocked(alarm.StateLoginFailed, alarm.ErrAuthRejected)
		s.mu.Unlock()
		m.logWarn("login rejected by remote")
		return alarm.ErrAuthRejected
	}

	err = fmt.Errorf("unexpected login outcome %d: %w", res.Outcome, alarm.ErrProtocol)
	s.transitionLocked(alarm.StateUnauthenticated, err)
	s.mu.Unlock()
	return err
}

// SubmitCode exchanges a 2FA code for a token. It is valid only in
// WAITING_2FA with no other attempt outstanding.
//
// A rejected code fails the login. A transient failure leaves the
// challenge open so the code can be resubmitted within the window.
func (m *Manager) SubmitCode(ctx context.Context, code string) error {
	s := m.st
	s.mu.Lock()
	if s.attempt != attemptNone {
		s.mu.Unlock()
		return alarm.ErrAuthInProgress
	}
	s.expireLocked()
	if s.timedOutLocked() {
		s.mu.Unlock()
		return alarm.ErrTwoFactorTimeout
	}
	if s.state != alarm.StateWaiting2FA {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: no two-factor challenge (state %s)", alarm.ErrInvalidState, state)
	}
	s.attempt = attemptCode
	challengeID := s.challengeID
	creds := s.creds
	s.notifyLocked()
	s.mu.Unlock()

	res, err := m.remote.SubmitTwoFactor(ctx, challengeID, code)

	s.mu.Lock()
	s.attempt = attemptNone
	if err != nil {
		if errors.Is(err, alarm.ErrTransient) {
			s.notifyLocked()
			s.expireLocked()
			s.mu.Unlock()
			return fmt.Errorf("submit code: %w", err)
		}
		s.transitionLocked(alarm.StateLoginFailed, err)
		s.mu.Unlock()
		m.stopTimer()
		return fmt.Errorf("submit code: %w", err)
	}

	switch res.Outcome {
	case alarm.LoginAuthenticated:
		s.authenticateLocked(res.Token, res.Expiry)
		s.mu.Unlock()
		m.stopTimer()
		m.logInfo("two-factor code accepted", "expires_at", res.Expiry)
		m.persist(ctx, creds.Username, res.Token, res.Expiry)
		return nil
	case alarm.LoginRejected:
		s.transitionLocked(alarm.StateLoginFailed, alarm.ErrAuthRejected)
		s.mu.Unlock()
		m.stopTimer()
		m.logWarn("two-factor code rejected")
		return alarm.ErrAuthRejected
	}

	err = fmt.Errorf("unexpected two-factor outcome %d: %w", res.Outcome, alarm.ErrProtocol)
	s.transitionLocked(alarm.StateLoginFailed, err)
	s.mu.Unlock()
	m.stopTimer()
	return err
}

// Invalidate drops the session after a downstream call reported the token
// as refused. Tokens other than the current one are ignored, so a late
// failure cannot log out a newer session.
func (m *Manager) Invalidate(token string) {
	s := m.st
	s.mu.Lock()
	if s.state != alarm.StateAuthenticated || token == "" || token != s.token {
		s.mu.Unlock()
		return
	}
	s.rejectedToken = token
	s.transitionLocked(alarm.StateUnauthenticated, errTokenRejected)
	s.mu.Unlock()
	m.logWarn("session token rejected; re-authentication required")
}

// Restore adopts a persisted, unexpired token. It reports whether one was
// adopted; callers fall back to TriggerLogin otherwise.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	s := m.st
	s.mu.Lock()
	account := s.creds.Username
	s.mu.Unlock()

	tok, err := m.store.Load(ctx, account)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return false, nil
		}
		return false, fmt.Errorf("restore session: %w", err)
	}
	if !m.usable(tok, "") {
		return false, nil
	}
	if !m.adopt(tok) {
		return false, nil
	}
	m.logInfo("restored persisted session", "expires_at", tok.ExpiresAt)
	return true, nil
}

// Recover re-establishes a session from UNAUTHENTICATED. A persisted token
// is reused silently if it is unexpired and not the one just rejected;
// otherwise a fresh login starts, which may raise a 2FA challenge.
func (m *Manager) Recover(ctx context.Context, creds alarm.Credentials) error {
	s := m.st
	s.mu.Lock()
	if s.state != alarm.StateUnauthenticated || s.attempt != attemptNone {
		s.mu.Unlock()
		return nil
	}
	rejected := s.rejectedToken
	if creds.IsZero() {
		creds = s.creds
	}
	s.mu.Unlock()

	if m.store != nil {
		tok, err := m.store.Load(ctx, creds.Username)
		switch {
		case err == nil && m.usable(tok, rejected):
			if m.adopt(tok) {
				m.logInfo("reused persisted session token")
				return nil
			}
		case err != nil && !errors.Is(err, ErrNoToken):
			m.logWarn("failed to load persisted token", "error", err)
		}
	}

	return m.TriggerLogin(ctx, creds)
}

// Close stops the challenge timer.
func (m *Manager) Close() {
	m.stopTimer()
}

func (m *Manager) usable(tok *StoredToken, rejected string) bool {
	if tok == nil || tok.Token == "" || tok.Token == rejected {
		return false
	}
	return m.st.now().Before(tok.ExpiresAt)
}

// adopt installs a persisted token if nothing else happened meanwhile.
func (m *Manager) adopt(tok *StoredToken) bool {
	s := m.st
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != alarm.StateUnauthenticated || s.attempt != attemptNone {
		return false
	}
	s.authenticateLocked(tok.Token, tok.ExpiresAt)
	return true
}

// persist saves the token. Failure is logged; the session stays valid.
func (m *Manager) persist(ctx context.Context, account, token string, expiry time.Time) {
	if m.store == nil {
		return
	}
	if expiry.IsZero() {
		expiry = m.st.now().Add(fallbackTokenTTL)
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.Save(pctx, StoredToken{Account: account, Token: token, ExpiresAt: expiry}); err != nil {
		m.logWarn("failed to persist session token", "error", err)
	}
}

// armTimer fails the challenge when the window elapses even if nobody reads
// the state, so observers blocked on Changes see LOGIN_FAILED promptly.
func (m *Manager) armTimer(challengeID string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.window, func() {
		s := m.st
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state == alarm.StateWaiting2FA && s.challengeID == challengeID && s.attempt == attemptNone {
			s.transitionLocked(alarm.StateLoginFailed, alarm.ErrTwoFactorTimeout)
		}
	})
}

func (m *Manager) stopTimer() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) logInfo(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Info(msg, kv...)
	}
}

func (m *Manager) logWarn(msg string, kv ...any) {
	if m.logger != nil {
		m.logger.Warn(msg, kv...)
	}
}
