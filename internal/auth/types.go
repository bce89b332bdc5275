package auth

import (
	"strings"
	"time"
)

// EntityAll is the entity-scope sentinel granting access to every entity.
const EntityAll = "ALL"

// User is a directory entry. Permissions are always derived from Role.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Permissions    []string  `json:"permissions"`
	EntityAccess   []string  `json:"entity_access"`
	Active         bool      `json:"active"`
	PasswordHash   string    `json:"-"`
	FailedAttempts int       `json:"failed_attempts"`
	LockedUntil    time.Time `json:"locked_until,omitempty"`
	LastLogin      time.Time `json:"last_login,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Locked reports whether a lockout is in effect at now.
func (u User) Locked(now time.Time) bool {
	return !u.LockedUntil.IsZero() && now.Before(u.LockedUntil)
}

// CanAccessEntity reports whether entityID is within the user's scope.
func (u User) CanAccessEntity(entityID string) bool {
	return entityInScope(u.EntityAccess, entityID)
}

func (u User) clone() User {
	u.Permissions = append([]string(nil), u.Permissions...)
	u.EntityAccess = append([]string(nil), u.EntityAccess...)
	return u
}

// NewUser carries the fields accepted when creating a user. Either Password
// or PasswordHash must be set.
type NewUser struct {
	Username     string
	Email        string
	Role         string
	EntityAccess []string
	Password     string
	PasswordHash string
	Inactive     bool
}

// Session is a server-side login session. Role, permissions and entity
// scope are a snapshot taken at login.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	Permissions  []string  `json:"permissions"`
	EntityAccess []string  `json:"entity_access"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	IssuedAt     time.Time `json:"issued_at"`
	LastSeen     time.Time `json:"last_seen"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
}

// Expired reports whether the session has lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Principal returns the authenticated identity carried by the session.
func (s Session) Principal() Principal {
	return NewPrincipal(s.UserID, s.Username, s.Role, s.ID, s.Permissions, s.EntityAccess)
}

func (s Session) clone() Session {
	s.Permissions = append([]string(nil), s.Permissions...)
	s.EntityAccess = append([]string(nil), s.EntityAccess...)
	return s
}

func entityInScope(scope []string, entityID string) bool {
	entityID = strings.TrimSpace(entityID)
	for _, e := range scope {
		if e == EntityAll || (entityID != "" && e == entityID) {
			return true
		}
	}
	return false
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
