package api

import (
	"net/http"

	"github.com/nugget/funnair/internal/buildinfo"
)

// handleHealth reports liveness. The status is "degraded" while a
// watched dependency is down; the endpoint still answers 200.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":   "healthy",
		"sessions": s.cfg.Sessions.Len(),
		"pending":  len(s.cfg.Broker.Pending("")),
	}
	if s.cfg.Health != nil {
		body["services"] = s.cfg.Health.Statuses()
		if !s.cfg.Health.Healthy() {
			body["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, body, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// handleTools lists the tools advertised to the model.
// GET /v1/tools
func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Registry.List(), s.logger)
}

// handleBookings lists every booking, as the support console shows it.
// GET /v1/bookings
func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Bookings.List(r.Context())
	if err != nil {
		s.logger.Error("list bookings failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list bookings failed")
		return
	}
	writeJSON(w, http.StatusOK, list, s.logger)
}
