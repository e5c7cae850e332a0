package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/sector-bridge/internal/alarm"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorised"
	ErrCodeConflict     = "conflict"
	ErrCodeExpired      = "challenge_expired"
	ErrCodeUpstream     = "upstream_error"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeAuthError maps a session error to a response.
//
//	ErrInvalidState, ErrAuthInProgress  409
//	ErrAuthRejected                     401
//	ErrTwoFactorTimeout                 410
//	ErrTransient, ErrProtocol           502
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarm.ErrInvalidState), errors.Is(err, alarm.ErrAuthInProgress):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, alarm.ErrAuthRejected):
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, err.Error())
	case errors.Is(err, alarm.ErrTwoFactorTimeout):
		writeError(w, http.StatusGone, ErrCodeExpired, err.Error())
	case errors.Is(err, alarm.ErrTransient), errors.Is(err, alarm.ErrProtocol):
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	default:
		writeInternalError(w, err.Error())
	}
}
