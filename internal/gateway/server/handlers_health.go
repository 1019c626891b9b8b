package server

import (
	"net/http"

	"github.com/toolgate/toolgate/internal/gateway/health"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agg := s.deps.Health.Aggregate()
	status := http.StatusOK
	if agg == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"status": string(agg)})
}

func (s *Server) handleHealthEnhanced(w http.ResponseWriter, r *http.Request) {
	agg := s.deps.Health.Aggregate()
	status := http.StatusOK
	if agg == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":      string(agg),
		"components":  s.deps.Health.Snapshot(),
		"breakers":    s.deps.Breakers.States(),
		"degradation": s.deps.Degrade.State(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() || s.deps.Health.Aggregate() == health.StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}
