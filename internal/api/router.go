package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crewdeck/crewdeck-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// Auth endpoints (no auth required)
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		// Real-time channel. The connection authenticates in-band with an
		// authenticate frame, so the upgrade itself is open.
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/logout", s.handleLogout)
			r.Get("/auth/me", s.handleMe)
			r.Patch("/auth/me", s.handleUpdateMe)
			r.Post("/auth/change-password", s.handleChangePassword)

			// Presence from the hub's connection registry
			r.Get("/presence", s.handlePresence)

			// Project endpoints
			r.Route("/projects", func(r chi.Router) {
				r.Get("/", s.handleListProjects)
				r.Post("/", s.handleCreateProject)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetProject)
					r.Patch("/", s.handleUpdateProject)
					r.Delete("/", s.handleDeleteProject)

					r.Post("/members", s.handleAddMember)
					r.Delete("/members/{userID}", s.handleRemoveMember)

					r.Route("/tasks", func(r chi.Router) {
						r.Get("/", s.handleListTasks)
						r.Post("/", s.handleCreateTask)
					})
				})
			})

			// Task endpoints (project resolved from the task)
			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
			})

			// Security trail: dashboard, advice, incident reporting
			r.Route("/security", func(r chi.Router) {
				r.Get("/dashboard", s.handleSecurityDashboard)
				r.Get("/recommendations", s.handleSecurityRecommendations)
				r.Post("/incidents", s.handleReportIncident)

				// Full event listing is admin-only
				r.With(s.requireRole(auth.RoleAdmin)).Get("/events", s.handleListEvents)
			})

			// Operator notices pushed through the hub
			r.With(s.requireRole(auth.RoleAdmin)).Post("/system/notifications", s.handleSystemNotification)

			// User administration
			r.Route("/users", func(r chi.Router) {
				r.Use(s.requireRole(auth.RoleAdmin))
				r.Get("/", s.handleListUsers)
				r.Get("/{id}", s.handleGetUser)
				r.Patch("/{id}", s.handleUpdateUser)
				r.Delete("/{id}", s.handleDeleteUser)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context()); err != nil {
			s.logger.Error("database health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status":  "degraded",
				"version": s.version,
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
	})
}
