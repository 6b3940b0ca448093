package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/aixcc-sc/capi/capi/audit"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": s.config.RunID})
}

// parseOfficial is forgiving about what counts as true; the game-day
// orchestration scripts have sent several spellings.
func parseOfficial(raw string) bool {
	switch strings.ToLower(raw) {
	case "t", "true", "1", "yes", "y":
		return true
	}
	return false
}

func (s *Server) handleAuditEdge(w http.ResponseWriter, r *http.Request, event func(timestamp string) audit.Event) {
	logger := s.logger.Session("audit-edge")

	var req AuditRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	auditor := s.auditorFor(logger, audit.Context{TeamID: teamID(r)})
	if err := auditor.Emit(r.Context(), event(req.Timestamp)); err != nil {
		logger.Error("failed-to-emit", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
}

func (s *Server) handleAuditStart(w http.ResponseWriter, r *http.Request) {
	official := parseOfficial(r.URL.Query().Get("official"))
	s.handleAuditEdge(w, r, func(timestamp string) audit.Event {
		return audit.CompetitionStart{Timestamp: timestamp, Official: official}
	})
}

func (s *Server) handleAuditStop(w http.ResponseWriter, r *http.Request) {
	s.handleAuditEdge(w, r, func(timestamp string) audit.Event {
		return audit.CompetitionStop{Timestamp: timestamp}
	})
}
