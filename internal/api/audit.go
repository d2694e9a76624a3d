package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nerrad567/fusor-core/internal/audit"
)

// parseFilter reads the archive query parameters.
//
// Query parameters:
//   - kind: event kind (events only)
//   - status, source: command status and source (commands only)
//   - since: RFC 3339 lower bound on the timestamp
//   - limit: max results (default 50, max 500)
//   - offset: pagination offset
func parseFilter(r *http.Request) (audit.Filter, string) {
	q := r.URL.Query()
	f := audit.Filter{
		Kind:   q.Get("kind"),
		Status: q.Get("status"),
		Source: q.Get("source"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, "since must be an RFC 3339 timestamp"
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	return f, ""
}

// handleListEvents returns archived sequence events, newest first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "event archive not configured")
		return
	}
	f, msg := parseFilter(r)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}

	page, err := s.audit.ListEvents(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list events", "error", err)
		writeInternalError(w, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListCommands returns archived commands, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "command archive not configured")
		return
	}
	f, msg := parseFilter(r)
	if msg != "" {
		writeBadRequest(w, msg)
		return
	}

	page, err := s.audit.ListCommands(r.Context(), f)
	if err != nil {
		s.logger.Error("failed to list commands", "error", err)
		writeInternalError(w, "failed to list commands")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
