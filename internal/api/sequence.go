package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nerrad567/fusor-core/internal/command"
)

// commandRequest is the body of POST /commands.
type commandRequest struct {
	Line string `json:"line"`
}

// estopRequest is the optional body of POST /sequence/estop.
type estopRequest struct {
	Reason string `json:"reason"`
}

// handleStatus returns the supervisor's combined view.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Status())
}

// handleTelemetry returns the latest reading per channel.
func (s *Server) handleTelemetry(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"samples": s.control.Status().Telemetry,
	})
}

// handleHistory returns the sequencer's recent transition attempts.
func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	history := s.control.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"history": history,
		"count":   len(history),
	})
}

func (s *Server) handleSequenceStart(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, command.OpStartSequence.String())
}

func (s *Server) handleSequenceStop(w http.ResponseWriter, r *http.Request) {
	s.runCommand(w, r, command.OpStopSequence.String())
}

// handleEmergencyStop requests EMERGENCY_SHUTOFF. The reason, if given,
// is only logged; the trip itself is reported through the safety channel.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req estopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	p, _ := principalFrom(r.Context())
	s.logger.Warn("emergency stop requested", "user", p.Username, "reason", req.Reason)
	s.runCommand(w, r, command.OpEmergencyShutoff.String())
}

// handleSendCommand dispatches one raw command line.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	line := strings.TrimSpace(req.Line)
	if line == "" {
		writeBadRequest(w, "line is required")
		return
	}
	s.runCommand(w, r, line)
}

// runCommand routes line as a user command through the host router.
func (s *Server) runCommand(w http.ResponseWriter, r *http.Request, line string) {
	p, _ := principalFrom(r.Context())
	resp := s.control.Handle(r.Context(), line, command.SourceUser)
	if !resp.OK() {
		s.logger.Warn("user command failed", "user", p.Username, "command", line, "class", resp.Class, "error", resp.Error)
	} else {
		s.logger.Info("user command", "user", p.Username, "command", line)
	}
	writeJSON(w, commandStatus(resp), resp)
}
