package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/accessgate/internal/provisioning"
)

// AccessCreateHandler handles POST /v1/access
// It creates the access row if needed and enqueues a grant.
func (s *Server) AccessCreateHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		StrategyID string `json:"strategy_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.StrategyID == "" {
		writeError(w, http.StatusBadRequest, "user_id and strategy_id are required")
		return
	}
	res, err := s.Service.GrantAccess(r.Context(), req.UserID, req.StrategyID)
	s.writeEnqueue(w, r, res, err)
}

// AccessGetHandler handles GET /v1/access/{id}
func (s *Server) AccessGetHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.Service.GetAccess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accessView(a))
}

// AccessGrantHandler handles POST /v1/access/{id}/grant
// user_id and strategy_id are optional; when given they must match the record.
func (s *Server) AccessGrantHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID     string `json:"user_id"`
		StrategyID string `json:"strategy_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if req.UserID == "" || req.StrategyID == "" {
		a, err := s.Service.GetAccess(ctx, id)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		if req.UserID == "" {
			req.UserID = a.UserID
		}
		if req.StrategyID == "" {
			req.StrategyID = a.StrategyID
		}
	}
	res, err := s.Service.EnqueueGrant(ctx, id, req.UserID, req.StrategyID)
	s.writeEnqueue(w, r, res, err)
}

// AccessRevokeHandler handles POST /v1/access/{id}/revoke
func (s *Server) AccessRevokeHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.EnqueueRevoke(r.Context(), chi.URLParam(r, "id"))
	s.writeEnqueue(w, r, res, err)
}

// AccessRetryHandler handles POST /v1/access/{id}/retry
func (s *Server) AccessRetryHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.Service.RetryProvisioning(r.Context(), chi.URLParam(r, "id"))
	s.writeEnqueue(w, r, res, err)
}

func (s *Server) writeEnqueue(w http.ResponseWriter, r *http.Request, res *provisioning.EnqueueResult, err error) {
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	code := http.StatusAccepted
	if res.Job == nil {
		code = http.StatusOK
	}
	writeJSON(w, code, enqueueView(res))
}

// BulkAutoGrantHandler handles POST /v1/strategies/{id}/auto-grant
func (s *Server) BulkAutoGrantHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.Service.EnqueueBulkAutoGrant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": jobView(job)})
}
