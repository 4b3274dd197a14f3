package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/project"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// createTaskRequest is the request body for POST /projects/{id}/tasks.
type createTaskRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	AssigneeID  string `json:"assignee_id"`
}

// updateTaskRequest is the request body for PATCH /tasks/{id}.
// Nil fields are left unchanged.
type updateTaskRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
	Priority    *string `json:"priority"`
	AssigneeID  *string `json:"assignee_id"`
}

// handleListTasks returns a project's tasks; members only.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	p, ok := s.memberProject(w, r)
	if !ok {
		return
	}

	tasks, err := s.projects.ListTasks(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("listing tasks failed", "error", err)
		writeInternalError(w, "listing tasks failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// handleCreateTask adds a task to a project; members only.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	p, ok := s.memberProject(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Title == "" {
		writeValidationError(w, "title is required")
		return
	}
	if req.Priority != "" && !project.IsValidPriority(project.Priority(req.Priority)) {
		writeValidationError(w, "invalid priority")
		return
	}

	t := &project.Task{
		ProjectID:   p.ID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    project.Priority(req.Priority),
		AssigneeID:  req.AssigneeID,
	}
	if err := s.projects.CreateTask(r.Context(), t); err != nil {
		s.logger.Error("creating task failed", "error", err)
		writeInternalError(w, "creating task failed")
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleGetTask returns one task; members of its project only.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.memberTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleUpdateTask modifies a task and records the change on the security
// trail for the activity dashboard.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.memberTask(w, r)
	if !ok {
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	changed := map[string]any{}
	if req.Title != nil {
		if *req.Title == "" {
			writeValidationError(w, "title cannot be empty")
			return
		}
		t.Title = *req.Title
		changed["title"] = *req.Title
	}
	if req.Description != nil {
		t.Description = *req.Description
		changed["description"] = *req.Description
	}
	if req.Status != nil {
		status := project.TaskStatus(*req.Status)
		if !project.IsValidTaskStatus(status) {
			writeValidationError(w, "invalid task status")
			return
		}
		t.Status = status
		changed["status"] = *req.Status
	}
	if req.Priority != nil {
		priority := project.Priority(*req.Priority)
		if !project.IsValidPriority(priority) {
			writeValidationError(w, "invalid priority")
			return
		}
		t.Priority = priority
		changed["priority"] = *req.Priority
	}
	if req.AssigneeID != nil {
		t.AssigneeID = *req.AssigneeID
		changed["assignee_id"] = *req.AssigneeID
	}

	if err := s.projects.UpdateTask(r.Context(), t); err != nil {
		s.logger.Error("updating task failed", "error", err)
		writeInternalError(w, "updating task failed")
		return
	}

	if s.recorder != nil && len(changed) > 0 {
		claims := claimsFrom(r.Context())
		s.recorder.Record(r.Context(), security.Event{
			Type:      security.EventTaskUpdate,
			Severity:  security.SeverityLow,
			SubjectID: claims.Subject,
			ProjectID: t.ProjectID,
			Metadata:  map[string]any{"task_id": t.ID, "updates": changed},
		})
	}

	writeJSON(w, http.StatusOK, t)
}

// handleDeleteTask removes a task; members of its project only.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.memberTask(w, r)
	if !ok {
		return
	}

	if err := s.projects.DeleteTask(r.Context(), t.ID); err != nil {
		s.logger.Error("deleting task failed", "error", err)
		writeInternalError(w, "deleting task failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "task deleted"})
}

// memberTask loads the task from the URL and verifies the caller is a member
// of its project. Writes the error response on failure.
func (s *Server) memberTask(w http.ResponseWriter, r *http.Request) (*project.Task, bool) {
	t, err := s.projects.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, project.ErrTaskNotFound) {
			writeNotFound(w, "task not found")
			return nil, false
		}
		s.logger.Error("task lookup failed", "error", err)
		writeInternalError(w, "task lookup failed")
		return nil, false
	}

	claims := claimsFrom(r.Context())
	if claims.Role != auth.RoleAdmin {
		isMember, err := s.projects.IsMember(r.Context(), t.ProjectID, claims.Subject)
		if err != nil {
			s.logger.Error("membership check failed", "error", err)
			writeInternalError(w, "task lookup failed")
			return nil, false
		}
		if !isMember {
			writeForbidden(w, "not a member of this task's project")
			return nil, false
		}
	}

	return t, true
}
