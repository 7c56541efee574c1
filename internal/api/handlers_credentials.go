package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/credential"
	"github.com/org/accessgate/pkg/models"
)

// CredentialStoreHandler handles POST /v1/credentials
// The submitted credential must pass an upstream validation call before it
// replaces the active one.
func (s *Server) CredentialStoreHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIURL    string `json:"api_url"`
		SessionID string `json:"session_id"`
		Signature string `json:"signature"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()
	in := credential.SaveInput{
		APIURL:    req.APIURL,
		SessionID: req.SessionID,
		Signature: req.Signature,
		CreatedBy: audit.Actor(ctx),
	}
	if err := in.Validate(); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	res := s.Validate(ctx, &models.Credential{
		APIURL:    strings.TrimRight(in.APIURL, "/"),
		SessionID: in.SessionID,
		Signature: in.Signature,
	})
	if !res.Success {
		s.Audit.Record(ctx, "credential.rejected", audit.EntityCredential, "", map[string]any{
			"api_url": in.APIURL,
			"kind":    string(res.Kind),
			"message": res.Message,
		})
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": []string{"credential validation failed: " + res.Message},
			"kind":   res.Kind,
		})
		return
	}

	cred, err := s.Credentials.Save(ctx, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.Credentials.MarkValidated(ctx, cred.ID); err != nil {
		s.logger.Warn().Err(err).Str("credential_id", cred.ID).Msg("recording credential validation")
	}
	s.Audit.Record(ctx, "credential.activated", audit.EntityCredential, cred.ID, map[string]any{
		"api_url": cred.APIURL,
	})

	resp := map[string]any{"credential": credentialView(cred, time.Now())}
	if st, err := s.Machine.Current(ctx); err == nil && st.State == models.StateDegraded {
		resp["notice"] = "provisioning is still DEGRADED; restore it once the new credential is confirmed"
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CredentialListHandler handles GET /v1/credentials
func (s *Server) CredentialListHandler(w http.ResponseWriter, r *http.Request) {
	history, err := s.Credentials.History(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	now := time.Now()
	data := make([]map[string]any, 0, len(history))
	var active map[string]any
	for _, c := range history {
		v := credentialView(c, now)
		if c.IsActive {
			active = v
		}
		data = append(data, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "history": data})
}
