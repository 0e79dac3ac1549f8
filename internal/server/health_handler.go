package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/catalogcast/catalog-server/internal/bus"
	"github.com/catalogcast/catalog-server/internal/pkg/errors"
)

// defaultJournalLimit caps /debug/journal responses.
const defaultJournalLimit = 100

// handleHealth reports liveness. It stays 200 while the bus is degraded so
// the process is not restarted for a broker outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}

// handleReady reports 503 unless the broadcast bridge is healthy.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	state := bus.StateHealthy
	if s.deps.Bus != nil {
		state = s.deps.Bus.State()
	}

	status, code := "ready", http.StatusOK
	if state != bus.StateHealthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"bus":    state.String(),
	})
}

// handleJournal handles GET /debug/journal?since=RFC3339&limit=N
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errors.WriteError(w, errors.ValidationError("since must be an RFC3339 timestamp"))
			return
		}
		since = t
	}

	limit := defaultJournalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errors.WriteError(w, errors.ValidationError("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := s.deps.Journal.Entries(since, limit)
	if err != nil {
		errors.WriteError(w, errors.InternalError("failed to read journal", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
