package api

import "net/http"

// KeyLookupSelfHandler handles GET /v1/auth/key/lookup-self
func (s *Server) KeyLookupSelfHandler(w http.ResponseWriter, r *http.Request) {
	key := apiKeyFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"name":     key.Name,
		"policies": key.Policies,
	})
}
