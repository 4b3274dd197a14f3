package auth

import (
	"errors"
	"regexp"
	"time"
)

// emailPattern is a pragmatic email format check; full RFC 5322 validation
// is not attempted.
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// maxEmailLength is the maximum allowed email length.
const maxEmailLength = 254

// minPasswordLength is the minimum allowed password length.
const minPasswordLength = 8

// IsValidEmail checks if an email address meets format requirements.
func IsValidEmail(email string) bool {
	return len(email) <= maxEmailLength && emailPattern.MatchString(email)
}

// Role represents an authorisation tier in the system.
type Role string

const (
	// RoleMember is a regular collaborator: member of the projects they are
	// added to, no administrative access.
	RoleMember Role = "member"

	// RoleManager can manage projects and tasks across teams.
	RoleManager Role = "manager"

	// RoleAdmin has full system control: users, projects, security events.
	RoleAdmin Role = "admin"
)

// ValidRoles is the set of valid user roles.
var ValidRoles = []Role{RoleMember, RoleManager, RoleAdmin}

// IsValidRole returns true if the role is a valid role for a user account.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// User represents a registered account with credentials and role.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"` // never serialised
	Role         Role       `json:"role"`
	IsActive     bool       `json:"is_active"`
	// FailedAttempts counts consecutive failed logins. Reset to zero only on
	// a successful authentication.
	FailedAttempts int `json:"-"`
	// LockedUntil is the absolute unlock time, or nil when not locked.
	// An expired value is treated as unlocked without an explicit clear.
	LockedUntil *time.Time `json:"-"`
	LastLogin   *time.Time `json:"last_login,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Sentinel errors for auth operations.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account is temporarily locked")
	ErrDuplicateIdentity  = errors.New("email already registered")
	ErrWeakPassword       = errors.New("password does not meet minimum requirements")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrTokenExpired       = errors.New("token has expired")
	ErrTokenInvalid       = errors.New("invalid token")
	ErrValidation         = errors.New("validation failed")
)
