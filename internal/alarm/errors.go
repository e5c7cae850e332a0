package alarm

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the session, the vendor client and the bridge.
// Use errors.Is() to branch; wrappers keep the sentinel in the chain.
var (
	// ErrAuthRejected means the vendor rejected the credentials or the 2FA code.
	ErrAuthRejected = errors.New("alarm: authentication rejected")

	// ErrTwoFactorRequired means login succeeded only as far as a 2FA challenge.
	ErrTwoFactorRequired = errors.New("alarm: two-factor code required")

	// ErrTwoFactorTimeout means the 2FA challenge window elapsed.
	ErrTwoFactorTimeout = errors.New("alarm: two-factor challenge expired")

	// ErrTransient covers timeouts, transport failures and 5xx/429 responses.
	ErrTransient = errors.New("alarm: transient network error")

	// ErrProtocol means the vendor answered with something we cannot decode.
	ErrProtocol = errors.New("alarm: remote protocol error")

	// ErrUnauthorized means a call made with a token was refused; the token is dead.
	ErrUnauthorized = errors.New("alarm: token rejected by remote")

	// ErrCommandRejected means a command was refused, locally or by the vendor.
	ErrCommandRejected = errors.New("alarm: command rejected")

	// ErrCommandInFlight means another command for the same panel has not finished.
	// It wraps ErrCommandRejected.
	ErrCommandInFlight = fmt.Errorf("alarm: command already in flight: %w", ErrCommandRejected)

	// ErrInvalidCommand means the payload is not ARM_AWAY, ARM_HOME or DISARM.
	// It wraps ErrCommandRejected.
	ErrInvalidCommand = fmt.Errorf("alarm: invalid command: %w", ErrCommandRejected)

	// ErrNeedsReauth means no usable token is held; polling and commands must wait.
	ErrNeedsReauth = errors.New("alarm: session needs re-authentication")

	// ErrInvalidState means the operation is not allowed in the current session state.
	ErrInvalidState = errors.New("alarm: invalid session state")

	// ErrAuthInProgress means another login or code exchange is outstanding.
	ErrAuthInProgress = errors.New("alarm: authentication attempt in progress")
)
