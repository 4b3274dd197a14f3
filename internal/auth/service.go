package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crewdeck/crewdeck-core/internal/infrastructure/logging"
	"github.com/crewdeck/crewdeck-core/internal/security"
)

// EventRecorder appends events to the security trail without ever failing
// the caller.
type EventRecorder interface {
	Record(ctx context.Context, event security.Event)
}

// ServiceConfig contains the tunables for the authenticator.
type ServiceConfig struct {
	// Secret signs JWT access tokens.
	Secret string
	// TokenTTL is the access token lifetime. Default 7 days.
	TokenTTL time.Duration
	// LockoutThreshold is the number of consecutive failed logins that locks
	// an account. Default 5.
	LockoutThreshold int
	// LockoutDuration is how long a locked account stays locked. Default 30m.
	LockoutDuration time.Duration
	// BcryptCost is the password hashing cost factor. Default 12.
	BcryptCost int
	// MaxConcurrentHashes bounds concurrent bcrypt operations. Default 4.
	MaxConcurrentHashes int
}

// Default service tunables.
const (
	defaultLockoutThreshold    = 5
	defaultLockoutDuration     = 30 * time.Minute
	defaultMaxConcurrentHashes = 4
)

// Service is the credential authenticator.
//
// It verifies passwords, issues and validates bearer tokens, and owns the
// per-identity lockout state machine (Active ⇄ Locked). Password hashing is
// CPU-bound and runs through a bounded semaphore so a burst of logins cannot
// starve unrelated work.
//
// Thread Safety: all methods are safe for concurrent use.
type Service struct {
	users    UserRepository
	recorder EventRecorder
	logger   *logging.Logger
	cfg      ServiceConfig

	hashSem *semaphore.Weighted

	// locks serialises lockout-state transitions per identity so two
	// concurrent failing attempts cannot both step past the threshold
	// without one observing the lock.
	locks sync.Map // map[string]*sync.Mutex, keyed by user ID

	// now is the clock; replaced in tests to simulate lock expiry.
	now func() time.Time
}

// NewService creates the authenticator. The recorder may be nil, in which
// case no security events are emitted.
func NewService(users UserRepository, recorder EventRecorder, logger *logging.Logger, cfg ServiceConfig) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = defaultLockoutThreshold
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = defaultLockoutDuration
	}
	if cfg.BcryptCost <= 0 {
		cfg.BcryptCost = DefaultBcryptCost
	}
	if cfg.MaxConcurrentHashes <= 0 {
		cfg.MaxConcurrentHashes = defaultMaxConcurrentHashes
	}

	return &Service{
		users:    users,
		recorder: recorder,
		logger:   logger.With("component", "auth"),
		cfg:      cfg,
		hashSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentHashes)),
		now:      time.Now,
	}
}

// Register creates a new identity with the default member role and returns
// it together with a fresh access token.
//
// Fails with ErrValidation for malformed input, ErrWeakPassword for a
// password shorter than 8 characters, and ErrDuplicateIdentity when the
// email is already registered. The plaintext password is never stored.
func (s *Service) Register(ctx context.Context, name, email, password string) (*User, string, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))

	if len(name) < 2 {
		return nil, "", fmt.Errorf("%w: name must be at least 2 characters", ErrValidation)
	}
	if !IsValidEmail(email) {
		return nil, "", fmt.Errorf("%w: invalid email address", ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, "", ErrWeakPassword
	}

	hash, err := s.hashPassword(ctx, password)
	if err != nil {
		return nil, "", err
	}

	user := &User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         RoleMember,
		IsActive:     true,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, "", err
	}

	token, err := GenerateToken(user, s.cfg.Secret, s.cfg.TokenTTL)
	if err != nil {
		return nil, "", err
	}

	s.record(ctx, security.Event{
		Type:      security.EventUserRegistered,
		Severity:  security.SeverityLow,
		SubjectID: user.ID,
		Metadata:  map[string]any{"email": email},
	})

	s.logger.Info("user registered", "user_id", user.ID, "email", email)
	return user, token, nil
}

// Authenticate verifies an email/password pair and issues an access token.
//
// Failure modes:
//   - ErrInvalidCredentials: unknown email or wrong password
//   - ErrAccountLocked: the account is locked, or this attempt tripped the
//     lockout threshold
//   - ErrUserInactive: the account has been deactivated
//
// On a wrong password the failed-attempt counter is incremented; reaching
// the threshold locks the account for the configured duration and reports
// AccountLocked rather than a mismatch. A successful login resets the
// counter and clears any expired lock.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if err == ErrUserNotFound {
			s.record(ctx, security.Event{
				Type:     security.EventFailedLogin,
				Severity: security.SeverityMedium,
				Metadata: map[string]any{"email": email, "reason": "unknown_email"},
			})
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	// Serialise lockout transitions for this identity. The state is
	// re-read under the lock so concurrent attempts observe each other.
	lock := s.identityLock(user.ID)
	lock.Lock()
	defer lock.Unlock()

	user, err = s.users.GetByID(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}

	now := s.now()

	if isLocked(user, now) {
		s.record(ctx, security.Event{
			Type:      security.EventLoginBlocked,
			Severity:  security.SeverityMedium,
			SubjectID: user.ID,
			Metadata:  map[string]any{"locked_until": user.LockedUntil.Format(time.RFC3339)},
		})
		return nil, "", ErrAccountLocked
	}

	if !user.IsActive {
		return nil, "", ErrUserInactive
	}

	if err := s.verifyPassword(ctx, password, user.PasswordHash); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return nil, "", s.registerFailure(ctx, user, now)
		}
		// Cancellation or shutdown, not a wrong password: the attempt
		// counter must not move.
		return nil, "", err
	}

	// Success: reset the counter and clear any expired lock.
	if err := s.users.RecordLogin(ctx, user.ID, now); err != nil {
		return nil, "", err
	}
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.LastLogin = &now

	// The per-identity mutex only matters while failures are being counted;
	// drop it so the map does not grow with every identity that ever logged
	// in. An attempt that already fetched the old mutex still serialises
	// against its peers, and the counter it guards was just reset.
	s.locks.Delete(user.ID)

	token, err := GenerateToken(user, s.cfg.Secret, s.cfg.TokenTTL)
	if err != nil {
		return nil, "", err
	}

	s.record(ctx, security.Event{
		Type:      security.EventLogin,
		Severity:  security.SeverityLow,
		SubjectID: user.ID,
	})

	s.logger.Info("user authenticated", "user_id", user.ID)
	return user, token, nil
}

// registerFailure increments the failed-attempt counter and locks the
// account when the threshold is reached. Called with the identity lock held.
func (s *Service) registerFailure(ctx context.Context, user *User, now time.Time) error {
	attempts := user.FailedAttempts + 1

	if attempts >= s.cfg.LockoutThreshold {
		lockedUntil := now.Add(s.cfg.LockoutDuration)
		if err := s.users.UpdateLoginState(ctx, user.ID, attempts, &lockedUntil); err != nil {
			return err
		}

		s.record(ctx, security.Event{
			Type:      security.EventAccountLocked,
			Severity:  security.SeverityHigh,
			SubjectID: user.ID,
			Metadata: map[string]any{
				"failed_attempts": attempts,
				"locked_until":    lockedUntil.Format(time.RFC3339),
			},
		})

		s.logger.Warn("account locked after repeated failures",
			"user_id", user.ID, "failed_attempts", attempts)
		return ErrAccountLocked
	}

	if err := s.users.UpdateLoginState(ctx, user.ID, attempts, nil); err != nil {
		return err
	}

	s.record(ctx, security.Event{
		Type:      security.EventFailedLogin,
		Severity:  security.SeverityMedium,
		SubjectID: user.ID,
		Metadata:  map[string]any{"failed_attempts": attempts},
	})

	return ErrInvalidCredentials
}

// Verify validates a bearer token and returns its claims. Stateless: only
// the signature and expiry are checked, never the database.
func (s *Service) Verify(token string) (*Claims, error) {
	return ParseToken(token, s.cfg.Secret)
}

// ChangePassword re-verifies the current password before replacing the hash.
//
// Fails with ErrInvalidCredentials when the current password is wrong and
// ErrWeakPassword when the new password is shorter than 8 characters.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.verifyPassword(ctx, currentPassword, user.PasswordHash); err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			return err
		}
		s.record(ctx, security.Event{
			Type:      security.EventFailedLogin,
			Severity:  security.SeverityMedium,
			SubjectID: user.ID,
			Metadata:  map[string]any{"operation": "change_password"},
		})
		return ErrInvalidCredentials
	}

	if len(newPassword) < minPasswordLength {
		return ErrWeakPassword
	}

	hash, err := s.hashPassword(ctx, newPassword)
	if err != nil {
		return err
	}

	if err := s.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return err
	}

	s.record(ctx, security.Event{
		Type:      security.EventPasswordChange,
		Severity:  security.SeverityLow,
		SubjectID: user.ID,
	})

	s.logger.Info("password changed", "user_id", user.ID)
	return nil
}

// isLocked reports whether the identity is locked at the given instant.
// The lock state is derived, never stored as a boolean: an expired
// locked_until means unlocked.
func isLocked(u *User, now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// identityLock returns the mutex serialising state transitions for one
// identity.
func (s *Service) identityLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex) //nolint:errcheck // only *sync.Mutex is ever stored
}

// hashPassword runs bcrypt through the bounded semaphore.
func (s *Service) hashPassword(ctx context.Context, password string) (string, error) {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("acquiring hash slot: %w", err)
	}
	defer s.hashSem.Release(1)
	return HashPassword(password, s.cfg.BcryptCost)
}

// verifyPassword runs bcrypt comparison through the bounded semaphore.
// A mismatch is ErrInvalidCredentials; a cancelled context surfaces as its
// own error so it is never mistaken for a wrong password.
func (s *Service) verifyPassword(ctx context.Context, password, hash string) error {
	if err := s.hashSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquiring hash slot: %w", err)
	}
	defer s.hashSem.Release(1)
	if !VerifyPassword(password, hash) {
		return ErrInvalidCredentials
	}
	return nil
}

// record emits a security event when a recorder is configured.
func (s *Service) record(ctx context.Context, event security.Event) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(ctx, event)
}
