package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/sector-bridge/internal/audit"
)

// authCallTimeout bounds a login or code exchange started from the API.
// The call is detached from the request so a closed browser tab cannot
// abandon the session mid-exchange.
const authCallTimeout = time.Minute

// maxCodeLength rejects pasted garbage before it reaches the vendor.
const maxCodeLength = 16

// SubmitCodeRequest is the body of POST /auth/code.
type SubmitCodeRequest struct {
	Code string `json:"code"`
}

// handleLogin starts a login with the configured credentials. It answers
// with the session snapshot, which is WAITING_2FA when a code was sent.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := authContext(r)
	defer cancel()

	err := s.session.TriggerLogin(ctx, s.creds)
	s.auditLog(audit.ActionLogin, err)
	if err != nil {
		s.logger.Warn("operator login failed", "error", err)
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleSubmitCode forwards the operator's 2FA code.
func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req SubmitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeBadRequest(w, "request body too large")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		writeBadRequest(w, "code is required")
		return
	}
	if len(code) > maxCodeLength {
		writeBadRequest(w, "code is too long")
		return
	}

	ctx, cancel := authContext(r)
	defer cancel()

	err := s.session.SubmitCode(ctx, code)
	s.auditLog(audit.ActionSubmitCode, err)
	if err != nil {
		s.logger.Warn("two-factor code submission failed", "error", err)
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

// handleRetrigger discards the session and logs in again. It is the only
// way out of LOGIN_FAILED.
func (s *Server) handleRetrigger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := authContext(r)
	defer cancel()

	err := s.session.ManualRetrigger(ctx)
	s.auditLog(audit.ActionRetrigger, err)
	if err != nil {
		s.logger.Warn("manual login retrigger failed", "error", err)
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func authContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), authCallTimeout)
}
