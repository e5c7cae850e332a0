package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/sector-bridge/internal/audit"
)

// auditChanSize is the buffer of the async audit channel. Entries beyond
// it are dropped so a slow disk never holds up an operator request.
const auditChanSize = 64

// Audit results for operator actions.
const (
	auditResultOK     = "ok"
	auditResultFailed = "failed"
)

// auditLog enqueues an operator action for the background writer. The
// 2FA code itself is never recorded.
func (s *Server) auditLog(action string, err error) {
	if s.auditRepo == nil || s.auditCh == nil {
		return
	}

	entry := &audit.Entry{
		Action:  action,
		PanelID: s.bridge.PanelID(),
		Source:  audit.SourceAPI,
		Result:  auditResultOK,
		Details: map[string]any{"state": string(s.session.Snapshot().State)},
	}
	if err != nil {
		entry.Result = auditResultFailed
		entry.Details["error"] = err.Error()
	}

	select {
	case s.auditCh <- entry:
	default:
		s.logger.Warn("audit channel full, dropping entry", "action", action)
	}
}

// drainAuditLog writes queued entries one at a time until ctx is done,
// then flushes what is left.
func (s *Server) drainAuditLog(ctx context.Context) {
	for {
		select {
		case entry := <-s.auditCh:
			s.writeAudit(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.auditCh:
					s.writeAudit(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeAudit(entry *audit.Entry) {
	if err := s.auditRepo.Create(context.Background(), entry); err != nil {
		s.logger.Error("audit log write failed", "action", entry.Action, "error", err)
	}
}

// handleListAudit returns audit entries, newest first.
//
// Query parameters:
//   - action: command, login, submit_code or retrigger
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditRepo == nil {
		writeInternalError(w, "audit logging not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:  q.Get("action"),
		PanelID: q.Get("panel_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit entries", "error", err)
		writeInternalError(w, "failed to list audit entries")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
