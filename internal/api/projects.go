package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/project"
)

// createProjectRequest is the request body for POST /projects.
type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// updateProjectRequest is the request body for PATCH /projects/{id}.
// Nil fields are left unchanged.
type updateProjectRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Status      *string `json:"status"`
}

// memberRequest is the request body for POST /projects/{id}/members.
type memberRequest struct {
	UserID string `json:"user_id"`
}

// handleListProjects returns the caller's projects.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	projects, err := s.projects.ListForUser(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("listing projects failed", "error", err)
		writeInternalError(w, "listing projects failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// handleCreateProject creates a project owned by the caller.
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}

	p := &project.Project{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     claims.Subject,
	}
	if err := s.projects.Create(r.Context(), p); err != nil {
		s.logger.Error("creating project failed", "error", err)
		writeInternalError(w, "creating project failed")
		return
	}

	writeJSON(w, http.StatusCreated, p)
}

// handleGetProject returns one project; members only.
func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleUpdateProject modifies a project; owner or manager and up.
func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manageableProject(w, r)
	if !ok {
		return
	}

	var req updateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			writeValidationError(w, "name cannot be empty")
			return
		}
		p.Name = *req.Name
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Status != nil {
		status := project.Status(*req.Status)
		if !project.IsValidStatus(status) {
			writeValidationError(w, "invalid project status")
			return
		}
		p.Status = status
	}

	if err := s.projects.Update(r.Context(), p); err != nil {
		s.logger.Error("updating project failed", "error", err)
		writeInternalError(w, "updating project failed")
		return
	}

	writeJSON(w, http.StatusOK, p)
}

// handleDeleteProject removes a project; owner or manager and up.
func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manageableProject(w, r)
	if !ok {
		return
	}

	if err := s.projects.Delete(r.Context(), p.ID); err != nil {
		s.logger.Error("deleting project failed", "error", err)
		writeInternalError(w, "deleting project failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "project deleted"})
}

// handleAddMember enrols a user; owner or manager and up.
func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manageableProject(w, r)
	if !ok {
		return
	}

	var req memberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeValidationError(w, "user_id is required")
		return
	}

	if _, err := s.users.GetByID(r.Context(), req.UserID); err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeNotFound(w, "user not found")
			return
		}
		s.logger.Error("member lookup failed", "error", err)
		writeInternalError(w, "adding member failed")
		return
	}

	if err := s.projects.AddMember(r.Context(), p.ID, req.UserID); err != nil {
		if errors.Is(err, project.ErrAlreadyMember) {
			writeConflict(w, ErrCodeConflict, "user is already a member")
			return
		}
		s.logger.Error("adding member failed", "error", err)
		writeInternalError(w, "adding member failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"message": "member added"})
}

// handleRemoveMember withdraws a user; owner or manager and up.
func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p, ok := s.manageableProject(w, r)
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userID")
	if userID == p.OwnerID {
		writeValidationError(w, "the owner cannot be removed from their project")
		return
	}

	if err := s.projects.RemoveMember(r.Context(), p.ID, userID); err != nil {
		if errors.Is(err, project.ErrNotMember) {
			writeNotFound(w, "user is not a member")
			return
		}
		s.logger.Error("removing member failed", "error", err)
		writeInternalError(w, "removing member failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "member removed"})
}

// memberProject loads the project from the URL and verifies the caller is a
// member (admins always pass). Writes the error response on failure.
func (s *Server) memberProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	claims := claimsFrom(r.Context())

	p, err := s.projects.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, project.ErrProjectNotFound) {
			writeNotFound(w, "project not found")
			return nil, false
		}
		s.logger.Error("project lookup failed", "error", err)
		writeInternalError(w, "project lookup failed")
		return nil, false
	}

	if claims.Role == auth.RoleAdmin {
		return p, true
	}

	isMember, err := s.projects.IsMember(r.Context(), p.ID, claims.Subject)
	if err != nil {
		s.logger.Error("membership check failed", "error", err)
		writeInternalError(w, "project lookup failed")
		return nil, false
	}
	if !isMember {
		writeForbidden(w, "not a member of this project")
		return nil, false
	}

	return p, true
}

// manageableProject is memberProject plus a management check: the owner,
// managers, and admins may modify the project.
func (s *Server) manageableProject(w http.ResponseWriter, r *http.Request) (*project.Project, bool) {
	p, ok := s.memberProject(w, r)
	if !ok {
		return nil, false
	}

	claims := claimsFrom(r.Context())
	if p.OwnerID != claims.Subject && roleRank(claims.Role) < roleRank(auth.RoleManager) {
		writeForbidden(w, "only the owner or a manager can modify this project")
		return nil, false
	}
	return p, true
}
