package sector

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// ErrUnknownChallenge means a 2FA code was submitted for a challenge this
// client did not issue, or one that was already consumed.
var ErrUnknownChallenge = errors.New("sector: unknown two-factor challenge")

// classifyStatus maps a non-success HTTP status to the alarm error taxonomy.
// It returns nil for 2xx.
func classifyStatus(op string, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: status %d: %w", op, status, alarm.ErrUnauthorized)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: status %d: %w", op, status, alarm.ErrTransient)
	default:
		return fmt.Errorf("%s: unexpected status %d: %w", op, status, alarm.ErrProtocol)
	}
}
