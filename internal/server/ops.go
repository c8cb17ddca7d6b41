package server

import (
	"net/http"
	"strconv"
	"time"

	"ticketmint/internal/history"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.State())
}

func (s *Server) handleSyncReset(w http.ResponseWriter, _ *http.Request) {
	s.monitor.Reset()
	s.log.Warn().Msg("sync monitor reset by operator")
	writeJSON(w, http.StatusOK, s.monitor.State())
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.monitor.Alerts()})
}

func (s *Server) handleClearAlerts(w http.ResponseWriter, _ *http.Request) {
	s.monitor.ClearAlerts()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentHistory(w http.ResponseWriter, r *http.Request) {
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.history.GetRecentJobs(f)})
}

func (s *Server) handleFailedHistory(w http.ResponseWriter, r *http.Request) {
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.history.GetFailedJobs(f)})
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.history.Stats())
}

func (s *Server) handleTicketHistory(w http.ResponseWriter, r *http.Request) {
	ticketID := chi.URLParam(r, "ticketID")
	writeJSON(w, http.StatusOK, map[string]any{
		"ticketId": ticketID,
		"entries":  s.history.GetHistory(ticketID),
	})
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	e, ok := s.history.GetByJobID(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "no history for job")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleTenantSuccessRate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.history.GetTenantSuccessRate(chi.URLParam(r, "tenantID")))
}

// historyFilter reads tenant, type, outcome, since (RFC 3339 or a duration
// back from now) and limit from the query string.
func historyFilter(w http.ResponseWriter, r *http.Request) (history.Filter, bool) {
	q := r.URL.Query()
	f := history.Filter{
		TenantID: q.Get("tenant"),
		JobType:  q.Get("type"),
		Outcome:  history.Outcome(q.Get("outcome")),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		} else if d, err := time.ParseDuration(v); err == nil {
			f.Since = time.Now().Add(-d)
		} else {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration")
			return f, false
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return f, false
		}
		f.Limit = n
	}
	return f, true
}
