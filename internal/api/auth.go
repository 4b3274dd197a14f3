package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/crewdeck/crewdeck-core/internal/auth"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// registerRequest is the request body for POST /auth/register.
type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// changePasswordRequest is the request body for POST /auth/change-password.
type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// tokenResponse carries a token and the public identity fields.
type tokenResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

// handleRegister creates an account and returns a fresh token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, token, err := s.auth.Register(r.Context(), req.Name, req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateIdentity):
			writeError(w, http.StatusBadRequest, ErrCodeDuplicateIdentity, "email already registered")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, ErrCodeWeakPassword, "password must be at least 8 characters")
		case errors.Is(err, auth.ErrValidation):
			writeValidationError(w, err.Error())
		default:
			s.logger.Error("registration failed", "error", err)
			writeInternalError(w, "registration failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, tokenResponse{Token: token, User: user})
}

// handleLogin authenticates an email/password pair and returns a token.
// A locked account answers 423 regardless of whether the password matched.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	user, token, err := s.auth.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAccountLocked):
			writeLocked(w, "account is temporarily locked, try again later")
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrUserInactive):
			// Inactive accounts are indistinguishable from bad credentials.
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "invalid email or password")
		default:
			s.logger.Error("login failed", "error", err)
			writeInternalError(w, "login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, User: user})
}

// handleLogout records the end of a session. Tokens are stateless, so the
// client discards its copy; the server's part is the trail entry.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	if s.recorder != nil {
		s.recorder.Record(r.Context(), security.Event{
			Type:      security.EventLogout,
			Severity:  security.SeverityLow,
			SubjectID: claims.Subject,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleMe returns the authenticated caller's profile.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeUnauthorized(w, "account no longer exists")
			return
		}
		s.logger.Error("profile lookup failed", "error", err)
		writeInternalError(w, "profile lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// updateMeRequest is the request body for PATCH /auth/me.
type updateMeRequest struct {
	Name *string `json:"name"`
}

// handleUpdateMe lets the caller change their own display name. Role and
// active flag stay admin-only.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	user, err := s.users.GetByID(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			writeUnauthorized(w, "account no longer exists")
			return
		}
		s.logger.Error("profile lookup failed", "error", err)
		writeInternalError(w, "profile lookup failed")
		return
	}

	var req updateMeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			writeValidationError(w, "name cannot be empty")
			return
		}
		user.Name = *req.Name
	}

	if err := s.users.Update(r.Context(), user); err != nil {
		s.logger.Error("updating profile failed", "error", err)
		writeInternalError(w, "updating profile failed")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleChangePassword re-verifies the current password before replacing it.
func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	err := s.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, ErrCodeInvalidCredentials, "current password is incorrect")
		case errors.Is(err, auth.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, ErrCodeWeakPassword, "new password must be at least 8 characters")
		default:
			s.logger.Error("password change failed", "error", err)
			writeInternalError(w, "password change failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "password changed"})
}

// handlePresence reports which identities are online per the hub's registry.
func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online": s.hub.Online(),
	})
}
