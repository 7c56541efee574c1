package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/accessgate/pkg/models"
)

// TaskListHandler handles GET /v1/manual-tasks?status=pending
func (s *Server) TaskListHandler(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.TaskPending, models.TaskCompleted, models.TaskFailed:
	default:
		writeError(w, http.StatusBadRequest, "status must be pending, completed or failed")
		return
	}
	tasks, err := s.Service.ListManualTasks(r.Context(), status, queryInt(r, "limit", 100))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	data := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		data = append(data, taskView(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

type taskResolution struct {
	Notes string `json:"notes"`
}

// TaskCompleteHandler handles POST /v1/manual-tasks/{id}/complete
func (s *Server) TaskCompleteHandler(w http.ResponseWriter, r *http.Request) {
	var req taskResolution
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.Service.CompleteManualTask(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}

// TaskFailHandler handles POST /v1/manual-tasks/{id}/fail
func (s *Server) TaskFailHandler(w http.ResponseWriter, r *http.Request) {
	var req taskResolution
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.Service.FailManualTask(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(task))
}
