package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/treasuryops/guard/internal/rbac"
	"github.com/treasuryops/guard/internal/token"
)

const bearer = "Bearer "

var (
	errMissingToken = errors.New("missing bearer token")
	errBadScheme    = errors.New("invalid authorization scheme")
)

// TokenVerifier resolves an access token into a request context carrying
// the principal. *guard.Core implements it.
type TokenVerifier interface {
	PrincipalContext(ctx context.Context, raw string) (context.Context, error)
}

// AccessChecker checks the principal in ctx. *guard.Core implements it.
type AccessChecker interface {
	Require(ctx context.Context, resourceType, action, resourceID string, attrs map[string]any) error
}

// RequireToken rejects requests without a valid access token and otherwise
// passes the principal down in the request context.
func RequireToken(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := extractBearerToken(r.Header.Get("Authorization"))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="treasury-guard"`)
				respondError(w, http.StatusUnauthorized, err.Error())
				return
			}
			ctx, err := v.PrincipalContext(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="treasury-guard", error="invalid_token"`)
				switch {
				case errors.Is(err, token.ErrTokenExpired):
					respondError(w, http.StatusUnauthorized, "token expired")
				default:
					respondError(w, http.StatusUnauthorized, "invalid token")
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAccess authorizes action on resourceType for the request principal.
// resourceID extracts the target id from the request and may be nil.
func RequireAccess(c AccessChecker, resourceType, action string, resourceID func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if resourceID != nil {
				id = resourceID(r)
			}
			err := c.Require(r.Context(), resourceType, action, id, nil)
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, rbac.ErrPermissionDenied), errors.Is(err, rbac.ErrBusinessRuleViolation):
				respondError(w, http.StatusForbidden, err.Error())
			default:
				w.Header().Set("WWW-Authenticate", `Bearer realm="treasury-guard"`)
				respondError(w, http.StatusUnauthorized, "unauthorized")
			}
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errMissingToken
	}
	return raw, nil
}
