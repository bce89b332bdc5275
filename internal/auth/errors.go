package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUserNotFound is returned when no user matches the username.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrAccountInactive is returned for deactivated users.
	ErrAccountInactive = errors.New("auth: account inactive")
	// ErrAccountLocked is returned while a lockout is in effect.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrInvalidCredentials is returned on password mismatch.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrSessionNotFound    = errors.New("auth: session not found")
	ErrSessionExpired     = errors.New("auth: session expired")
	ErrRateLimited        = errors.New("auth: too many attempts")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrConflict           = errors.New("auth: already exists")
)

// LockedError reports an active lockout and when it ends.
type LockedError struct {
	Username string
	Until    time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("%s: %s until %s", ErrAccountLocked, e.Username, e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
