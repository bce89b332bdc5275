package auth

import "time"

// LockoutPolicy locks an account after MaxAttempts consecutive failures.
type LockoutPolicy struct {
	MaxAttempts int
	Duration    time.Duration
}

// DefaultLockoutPolicy locks for 15 minutes after 5 failures.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{MaxAttempts: 5, Duration: 15 * time.Minute}
}

// expire clears a lock that has run out. Evaluated lazily on the next attempt;
// the counter starts over so the user gets a fresh set of attempts.
func (p LockoutPolicy) expire(u *User, now time.Time) {
	if !u.LockedUntil.IsZero() && !now.Before(u.LockedUntil) {
		u.LockedUntil = time.Time{}
		u.FailedAttempts = 0
	}
}

// fail records a failed attempt and reports whether it locked the account.
func (p LockoutPolicy) fail(u *User, now time.Time) bool {
	u.FailedAttempts++
	if u.FailedAttempts >= p.MaxAttempts {
		u.LockedUntil = now.Add(p.Duration)
		return true
	}
	return false
}

// succeed resets the counter and any lock.
func (p LockoutPolicy) succeed(u *User, now time.Time) {
	u.FailedAttempts = 0
	u.LockedUntil = time.Time{}
	u.LastLogin = now
}
