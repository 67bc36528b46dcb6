package api

import (
	"net/http"

	"github.com/davmount/davmount/internal/pool"
)

type providersHealthResponse struct {
	Providers []pool.HealthStat `json:"providers"`
}

// handleProvidersHealth reports per-server connection health and circuit
// breaker state.
func (s *Server) handleProvidersHealth(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		http.Error(w, "API Key Incorrect", http.StatusUnauthorized)
		return
	}

	stats := []pool.HealthStat{}
	if s.client != nil {
		stats = s.client.ServerHealthStats()
	}
	s.writeJSON(w, http.StatusOK, providersHealthResponse{Providers: stats})
}
