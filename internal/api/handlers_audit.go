package api

import (
	"net/http"
	"time"

	"github.com/org/accessgate/internal/storage"
)

// AuditLogHandler handles GET /v1/audit-log
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Action:     q.Get("action"),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = &t
	}

	entries, err := s.Audit.Query(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		data = append(data, auditView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}
