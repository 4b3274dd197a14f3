package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/crewdeck/crewdeck-core/internal/security"
)

// reportIncidentRequest is the request body for POST /security/incidents.
type reportIncidentRequest struct {
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	ProjectID string `json:"project_id"`
	Severity  string `json:"severity"`
}

// handleListEvents returns the security trail, filtered and paginated.
// Admin only: the trail spans all identities.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := security.Filter{
		SubjectID: q.Get("subject_id"),
		Type:      q.Get("type"),
		Severity:  security.Severity(q.Get("severity")),
	}
	if filter.Severity != "" && !security.IsValidSeverity(filter.Severity) {
		writeValidationError(w, "invalid severity")
		return
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing security events failed", "error", err)
		writeInternalError(w, "listing security events failed")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleSecurityDashboard aggregates the caller's own security events.
func (s *Server) handleSecurityDashboard(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	summary, err := s.events.Summarise(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("summarising security events failed", "error", err)
		writeInternalError(w, "building security dashboard failed")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Recommendation is one advisory item derived from the caller's trail.
type Recommendation struct {
	Type        string `json:"type"`
	Priority    string `json:"priority"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Action      string `json:"action"`
}

// Advisory thresholds.
const (
	failedLoginAdviceThreshold = 5
	recentActivityThreshold    = 10
)

// handleSecurityRecommendations derives advisory items from the caller's
// own trail: repeated failed logins, a password that was never changed, and
// unusually high recent activity.
func (s *Server) handleSecurityRecommendations(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	summary, err := s.events.Summarise(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("summarising security events failed", "error", err)
		writeInternalError(w, "building security recommendations failed")
		return
	}

	recommendations := buildRecommendations(summary)
	writeJSON(w, http.StatusOK, map[string]any{
		"recommendations": recommendations,
		"count":           len(recommendations),
	})
}

func buildRecommendations(summary *security.Summary) []Recommendation {
	recommendations := []Recommendation{}

	if summary.ByType[security.EventFailedLogin] > failedLoginAdviceThreshold {
		recommendations = append(recommendations, Recommendation{
			Type:        "security",
			Priority:    "high",
			Title:       "Multiple Failed Login Attempts",
			Description: "Repeated failed logins were recorded against this account",
			Action:      "Review recent activity and consider enabling two-factor authentication",
		})
	}

	if summary.ByType[security.EventPasswordChange] == 0 {
		recommendations = append(recommendations, Recommendation{
			Type:        "security",
			Priority:    "medium",
			Title:       "Password Security",
			Description: "This account's password has never been changed",
			Action:      "Update your password in account settings",
		})
	}

	if summary.Recent > recentActivityThreshold {
		recommendations = append(recommendations, Recommendation{
			Type:        "monitoring",
			Priority:    "medium",
			Title:       "High Activity Detected",
			Description: "An unusual number of events were recorded in the last 24 hours",
			Action:      "Review your recent activity and report anything unexpected",
		})
	}

	return recommendations
}

// handleReportIncident records a caller-reported security concern.
// Severity defaults to medium, matching in-room alerts.
func (s *Server) handleReportIncident(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())

	var req reportIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.AlertType == "" {
		writeValidationError(w, "alert_type is required")
		return
	}

	severity := security.SeverityMedium
	if req.Severity != "" {
		severity = security.Severity(req.Severity)
		if !security.IsValidSeverity(severity) {
			writeValidationError(w, "invalid severity")
			return
		}
	}

	event := security.Event{
		Type:      security.EventSecurityAlert,
		Severity:  severity,
		SubjectID: claims.Subject,
		ProjectID: req.ProjectID,
		Metadata:  map[string]any{"alert_type": req.AlertType, "message": req.Message},
	}
	if err := s.events.Create(r.Context(), &event); err != nil {
		s.logger.Error("recording incident failed", "error", err)
		writeInternalError(w, "recording incident failed")
		return
	}

	writeJSON(w, http.StatusCreated, event)
}
