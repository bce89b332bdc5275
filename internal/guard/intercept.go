package guard

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/auth"
	"github.com/treasuryops/guard/internal/obs"
	"github.com/treasuryops/guard/internal/rbac"
)

// Authenticator verifies credentials and opens a session.
type Authenticator interface {
	Authenticate(username, password, ip, userAgent string) (auth.Session, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(username, password, ip, userAgent string) (auth.Session, error)

func (f AuthenticatorFunc) Authenticate(username, password, ip, userAgent string) (auth.Session, error) {
	return f(username, password, ip, userAgent)
}

// Authorizer decides whether a principal may act on a resource.
type Authorizer interface {
	CheckAccess(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) rbac.Decision
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) rbac.Decision

func (f AuthorizerFunc) CheckAccess(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) rbac.Decision {
	return f(p, resourceType, action, resourceID, ctx)
}

// AttemptResult maps an authentication error to the auth_attempts_total label.
func AttemptResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, auth.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, auth.ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, auth.ErrAccountInactive):
		return "account_inactive"
	case errors.Is(err, auth.ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}

// InstrumentAuthenticator counts outcomes, observes latency and logs each
// attempt around next.
func InstrumentAuthenticator(next Authenticator, metrics *obs.Metrics, log zerolog.Logger) Authenticator {
	return AuthenticatorFunc(func(username, password, ip, userAgent string) (auth.Session, error) {
		start := time.Now()
		sess, err := next.Authenticate(username, password, ip, userAgent)
		result := AttemptResult(err)
		metrics.Attempt(result)
		metrics.ObserveDuration("authenticate", start)

		ev := log.Info()
		if err != nil {
			ev = log.Warn()
		}
		ev.Str("username", username).
			Str("ip", ip).
			Str("result", result).
			Dur("duration", time.Since(start)).
			Msg("authentication attempt")
		return sess, err
	})
}

// InstrumentAuthorizer observes latency and logs denials around next.
func InstrumentAuthorizer(next Authorizer, metrics *obs.Metrics, log zerolog.Logger) Authorizer {
	return AuthorizerFunc(func(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) rbac.Decision {
		start := time.Now()
		d := next.CheckAccess(p, resourceType, action, resourceID, ctx)
		metrics.ObserveDuration("check_access", start)
		if !d.Granted {
			log.Info().
				Str("user_id", p.UserID).
				Str("role", p.Role).
				Str("resource_type", resourceType).
				Str("action", action).
				Str("reason", d.Reason).
				Msg("access denied")
		}
		return d
	})
}
