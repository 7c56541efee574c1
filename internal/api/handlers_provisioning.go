package api

import (
	"net/http"

	"github.com/org/accessgate/pkg/models"
)

// StateHandler handles GET /v1/provisioning/state
func (s *Server) StateHandler(w http.ResponseWriter, r *http.Request) {
	view, err := s.Service.State(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stateView(view))
}

// RestoreHandler handles POST /v1/provisioning/restore
func (s *Server) RestoreHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.Machine.Restore(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provisioningStateView(st))
}

// SetModeHandler handles PUT /v1/provisioning/mode
func (s *Server) SetModeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := models.ParseMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, "mode must be AUTO, MANUAL or DISABLED")
		return
	}
	st, err := s.Machine.SetMode(r.Context(), mode)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, provisioningStateView(st))
}

// HealthCheckHandler handles POST /v1/provisioning/health-check
func (s *Server) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	report, err := s.Health.RunOnce(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	if report.Skipped {
		code = http.StatusConflict
	}
	writeJSON(w, code, healthReportView(report))
}
