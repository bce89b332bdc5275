package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
)

const (
	defaultSessionTTL = 30 * time.Minute
	limiterIdleTTL    = 10 * time.Minute
)

// Manager verifies credentials and owns the session lifecycle.
type Manager struct {
	users      *Directory
	sessions   *SessionStore
	lockout    LockoutPolicy
	sessionTTL time.Duration
	limiter    *attemptLimiter
	now        func() time.Time
	audit      *audit.Emitter
	log        zerolog.Logger
}

// Option configures Manager behavior.
type Option func(*Manager) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) error {
		if fn != nil {
			m.now = fn
		}
		return nil
	}
}

// WithSessionTTL configures the sliding session lifetime.
func WithSessionTTL(ttl time.Duration) Option {
	return func(m *Manager) error {
		if ttl <= 0 {
			return fmt.Errorf("%w: session ttl must be positive", ErrInvalidInput)
		}
		m.sessionTTL = ttl
		return nil
	}
}

// WithLockoutPolicy overrides the failure threshold and lock duration.
func WithLockoutPolicy(p LockoutPolicy) Option {
	return func(m *Manager) error {
		if p.MaxAttempts < 1 || p.Duration <= 0 {
			return fmt.Errorf("%w: lockout policy needs positive attempts and duration", ErrInvalidInput)
		}
		m.lockout = p
		return nil
	}
}

// WithAttemptLimit throttles authentication attempts per client address.
func WithAttemptLimit(perSecond float64, burst int) Option {
	return func(m *Manager) error {
		if perSecond <= 0 {
			m.limiter = nil
			return nil
		}
		m.limiter = newAttemptLimiter(perSecond, burst)
		return nil
	}
}

// WithAudit forwards every outcome to the audit log.
func WithAudit(e *audit.Emitter) Option {
	return func(m *Manager) error {
		m.audit = e
		return nil
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) error {
		m.log = log
		return nil
	}
}

// NewManager constructs Manager over the given stores.
func NewManager(users *Directory, sessions *SessionStore, opts ...Option) (*Manager, error) {
	if users == nil || sessions == nil {
		return nil, errors.New("auth: directory and session store are required")
	}
	m := &Manager{
		users:      users,
		sessions:   sessions,
		lockout:    DefaultLockoutPolicy(),
		sessionTTL: defaultSessionTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Directory exposes the user store.
func (m *Manager) Directory() *Directory { return m.users }

// SessionTTL reports the configured sliding lifetime.
func (m *Manager) SessionTTL() time.Duration { return m.sessionTTL }

// Authenticate verifies credentials and opens a session. Failures are one of
// ErrRateLimited, ErrUserNotFound, ErrAccountInactive, ErrAccountLocked
// (as *LockedError) or ErrInvalidCredentials.
func (m *Manager) Authenticate(username, password, ip, userAgent string) (Session, error) {
	now := m.now().UTC()
	username = normalizeUsername(username)
	base := audit.Entry{
		ActorID:   username,
		IPAddress: ip,
		UserAgent: userAgent,
		Action:    "login",
	}

	if m.limiter != nil && !m.limiter.allow(ip, now) {
		m.emitFailure(base, "rate_limited", nil)
		return Session{}, fmt.Errorf("%w: %s", ErrRateLimited, ip)
	}

	var locked bool
	user, err := m.users.Update(username, func(u *User) error {
		if !u.Active {
			return fmt.Errorf("%w: %q", ErrAccountInactive, u.Username)
		}
		m.lockout.expire(u, now)
		if u.Locked(now) {
			return &LockedError{Username: u.Username, Until: u.LockedUntil}
		}
		if err := VerifyPassword(u.PasswordHash, password); err != nil {
			locked = m.lockout.fail(u, now)
			return fmt.Errorf("%w: %q", ErrInvalidCredentials, u.Username)
		}
		m.lockout.succeed(u, now)
		return nil
	})
	if user.ID != "" {
		base.ActorID = user.ID
	}
	if err != nil {
		details := map[string]any{"username": username}
		switch {
		case errors.Is(err, ErrUserNotFound):
			m.emitFailure(base, "user_not_found", details)
		case errors.Is(err, ErrAccountInactive):
			m.emitFailure(base, "account_inactive", details)
		case errors.Is(err, ErrAccountLocked):
			details["locked_until"] = user.LockedUntil.Format(time.RFC3339)
			m.emitFailure(base, "account_locked", details)
		default:
			details["failed_attempts"] = user.FailedAttempts
			m.emitFailure(base, "invalid_credentials", details)
			if locked {
				lockedEntry := base
				lockedEntry.Kind = audit.KindAccountLocked
				lockedEntry.Result = "locked"
				lockedEntry.Details = map[string]any{
					"username":     username,
					"locked_until": user.LockedUntil.Format(time.RFC3339),
				}
				m.audit.Emit(lockedEntry)
				m.log.Warn().Str("user_id", user.ID).Time("locked_until", user.LockedUntil).Msg("account locked")
			}
		}
		return Session{}, err
	}

	sess := Session{
		ID:           uuid.NewString(),
		UserID:       user.ID,
		Username:     user.Username,
		Role:         user.Role,
		Permissions:  user.Permissions,
		EntityAccess: user.EntityAccess,
		IPAddress:    ip,
		UserAgent:    userAgent,
		IssuedAt:     now,
		LastSeen:     now,
		ExpiresAt:    now.Add(m.sessionTTL),
		Active:       true,
	}
	m.sessions.Put(sess)

	ok := base
	ok.Kind = audit.KindLoginSuccess
	ok.SessionID = sess.ID
	ok.Result = "success"
	ok.Details = map[string]any{"username": username, "role": user.Role}
	m.audit.Emit(ok)
	return sess.clone(), nil
}

func (m *Manager) emitFailure(base audit.Entry, reason string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["reason"] = reason
	base.Kind = audit.KindLoginFailure
	base.Result = "failure"
	base.Details = details
	m.audit.Emit(base)
}

// ValidateSession returns the live session and slides its expiry. Missing
// sessions fail with ErrSessionNotFound; lapsed ones are purged and fail
// with ErrSessionExpired.
func (m *Manager) ValidateSession(id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, fmt.Errorf("%w: empty id", ErrSessionNotFound)
	}
	sess, err := m.sessions.Touch(id, m.now().UTC(), m.sessionTTL)
	if errors.Is(err, ErrSessionExpired) {
		m.audit.Emit(audit.Entry{
			Kind:      audit.KindSessionExpired,
			ActorID:   sess.UserID,
			SessionID: sess.ID,
			Action:    "validate_session",
			Result:    "expired",
		})
	}
	return sess, err
}

// Logout ends one session.
func (m *Manager) Logout(id string) error {
	sess, ok := m.sessions.Remove(strings.TrimSpace(id))
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	m.audit.Emit(audit.Entry{
		Kind:      audit.KindLogout,
		ActorID:   sess.UserID,
		SessionID: sess.ID,
		IPAddress: sess.IPAddress,
		Action:    "logout",
		Result:    "success",
	})
	return nil
}

// LogoutAll ends every session of username and returns how many were removed.
func (m *Manager) LogoutAll(username string) (int, error) {
	user, err := m.users.Get(username)
	if err != nil {
		return 0, err
	}
	removed := m.sessions.RemoveUser(user.ID)
	m.audit.Emit(audit.Entry{
		Kind:    audit.KindLogout,
		ActorID: user.ID,
		Action:  "logout_all",
		Result:  "success",
		Details: map[string]any{"sessions": len(removed)},
	})
	return len(removed), nil
}

// ChangePassword verifies the current password, stores the new hash and
// ends every session of the user. It returns the number of sessions ended.
func (m *Manager) ChangePassword(username, current, next string) (int, error) {
	if err := validateNewPassword(next); err != nil {
		return 0, err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return 0, err
	}
	user, err := m.users.Update(username, func(u *User) error {
		if err := VerifyPassword(u.PasswordHash, current); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidCredentials, u.Username)
		}
		u.PasswordHash = hash
		return nil
	})
	if err != nil {
		if user.ID != "" {
			m.audit.Emit(audit.Entry{
				Kind:    audit.KindPasswordChange,
				ActorID: user.ID,
				Action:  "change_password",
				Result:  "failure",
			})
		}
		return 0, err
	}
	removed := m.sessions.RemoveUser(user.ID)
	m.audit.Emit(audit.Entry{
		Kind:    audit.KindPasswordChange,
		ActorID: user.ID,
		Action:  "change_password",
		Result:  "success",
		Details: map[string]any{"sessions_revoked": len(removed)},
	})
	return len(removed), nil
}

// CleanupExpiredSessions purges lapsed sessions and idle throttle buckets.
func (m *Manager) CleanupExpiredSessions() int {
	now := m.now().UTC()
	removed := m.sessions.Sweep(now)
	if m.limiter != nil {
		m.limiter.prune(now, limiterIdleTTL)
	}
	if len(removed) > 0 {
		m.log.Debug().Int("sessions", len(removed)).Msg("expired sessions purged")
	}
	return len(removed)
}

// SessionCount reports how many sessions the table holds, expired or not.
func (m *Manager) SessionCount() int { return m.sessions.Len() }

// ActiveSessions lists the sessions currently held for username.
func (m *Manager) ActiveSessions(username string) ([]Session, error) {
	user, err := m.users.Get(username)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	var out []Session
	for _, s := range m.sessions.ForUser(user.ID) {
		if s.Active && !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// LoginAttempts reports the failure counter and any lock of username.
func (m *Manager) LoginAttempts(username string) (int, time.Time, error) {
	user, err := m.users.Get(username)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !user.Locked(m.now().UTC()) {
		return user.FailedAttempts, time.Time{}, nil
	}
	return user.FailedAttempts, user.LockedUntil, nil
}

// CreateUser adds a user to the directory.
func (m *Manager) CreateUser(nu NewUser) (User, error) {
	u, err := m.users.Create(nu)
	if err != nil {
		return User{}, err
	}
	m.audit.Emit(audit.Entry{
		Kind:         audit.KindUserCreated,
		ActorID:      u.ID,
		ResourceType: "user",
		ResourceID:   u.ID,
		Action:       "create",
		Result:       "success",
		Details:      map[string]any{"username": u.Username, "role": u.Role},
	})
	return u, nil
}

// SetRole changes the role of username. Existing sessions keep their login
// snapshot until they end.
func (m *Manager) SetRole(username, role string) (User, error) {
	before, err := m.users.Get(username)
	if err != nil {
		return User{}, err
	}
	after, err := m.users.SetRole(username, role)
	if err != nil {
		return User{}, err
	}
	m.audit.Emit(audit.Entry{
		Kind:         audit.KindRoleChange,
		ActorID:      after.ID,
		ResourceType: "user",
		ResourceID:   after.ID,
		Action:       "update",
		Result:       "success",
		Details: map[string]any{
			"from":                          before.Role,
			"to":                            after.Role,
			audit.DetailPrivilegeEscalation: gainsPermissions(before.Permissions, after.Permissions),
		},
	})
	return after, nil
}

// SetActive activates or deactivates username. Deactivation ends all sessions.
func (m *Manager) SetActive(username string, active bool) (User, error) {
	u, err := m.users.SetActive(username, active)
	if err != nil {
		return User{}, err
	}
	if !active {
		removed := m.sessions.RemoveUser(u.ID)
		m.audit.Emit(audit.Entry{
			Kind:         audit.KindUserSuspended,
			ActorID:      u.ID,
			ResourceType: "user",
			ResourceID:   u.ID,
			Action:       "deactivate",
			Result:       "success",
			Details:      map[string]any{"sessions_revoked": len(removed)},
		})
	}
	return u, nil
}

func gainsPermissions(before, after []string) bool {
	had := make(map[string]struct{}, len(before))
	for _, p := range before {
		had[p] = struct{}{}
	}
	for _, p := range after {
		if _, ok := had[p]; !ok {
			return true
		}
	}
	return false
}
