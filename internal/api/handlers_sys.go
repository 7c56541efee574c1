package api

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.Store.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("health: database ping failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"database": "unreachable",
		})
		return
	}
	st, err := s.Machine.Current(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"database": "ok",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"database":       "ok",
		"state":          st.State,
		"effective_mode": st.EffectiveMode(),
	})
}
