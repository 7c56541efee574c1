package api

import (
	"net/http"
	"strings"
)

// PolicyListHandler handles GET /v1/sys/policies
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"policies": s.Policy.Names()})
}

// CapabilitiesHandler handles GET /v1/sys/capabilities?path=
// It reports what the caller may do on path.
func (s *Server) CapabilitiesHandler(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Query().Get("path"), "/v1/")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	key := apiKeyFromCtx(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"path":         path,
		"capabilities": s.Policy.Capabilities(key.Policies, path),
	})
}
