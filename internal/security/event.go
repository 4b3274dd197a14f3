package security

import (
	"time"

	"github.com/google/uuid"
)

// Severity classifies how serious a security event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValidSeverity returns true for a recognised severity level.
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Well-known event types. Callers may also record custom types (e.g. alert
// types reported by clients through the incident endpoint).
const (
	EventUserRegistered = "user_registered"
	EventLogin          = "login"
	EventLogout         = "logout"
	EventFailedLogin    = "failed_login"
	EventLoginBlocked   = "login_blocked"
	EventAccountLocked  = "account_locked"
	EventPasswordChange = "password_change"
	EventTokenRejected  = "token_rejected"
	EventSecurityAlert  = "security_alert"
	EventTaskUpdate     = "task_update"
)

// Event is a single write-once entry in the security trail.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	SubjectID string         `json:"subject_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// newEventID generates a short prefixed event ID.
func newEventID() string {
	return "sec-" + uuid.NewString()[:8]
}
