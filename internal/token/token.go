package token

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/auth"
	"github.com/treasuryops/guard/internal/obs"
)

const (
	// TypeAccess marks short-lived tokens bound to a session.
	TypeAccess = "access"
	// TypeRefresh marks long-lived tokens that can only mint access tokens.
	TypeRefresh = "refresh"

	defaultIssuer     = "treasury-guard"
	defaultAccessTTL  = time.Hour
	defaultRefreshTTL = 30 * 24 * time.Hour
	minSecretLength   = 32
)

var (
	// ErrTokenInvalid covers bad signatures, malformed tokens, revoked
	// tokens and tokens whose session is gone.
	ErrTokenInvalid = errors.New("token: invalid")
	// ErrTokenExpired is returned once exp has passed.
	ErrTokenExpired = errors.New("token: expired")
	// ErrTokenWrongType is returned when a refresh token is presented as an
	// access token or the other way round.
	ErrTokenWrongType = errors.New("token: wrong type")
)

// Claims is the JWT payload shared by both token types. Refresh tokens only
// carry the registered claims and Type.
type Claims struct {
	Type         string   `json:"typ"`
	Username     string   `json:"username,omitempty"`
	Role         string   `json:"role,omitempty"`
	Permissions  []string `json:"permissions,omitempty"`
	EntityAccess []string `json:"entity_access,omitempty"`
	SessionID    string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// Principal converts access-token claims to an authorization principal.
func (c *Claims) Principal() auth.Principal {
	return auth.NewPrincipal(c.Subject, c.Username, c.Role, c.SessionID, c.Permissions, c.EntityAccess)
}

// SessionValidator confirms that the session behind an access token is live.
// *auth.Manager satisfies it.
type SessionValidator interface {
	ValidateSession(id string) (auth.Session, error)
}

// Service issues and verifies HS256 tokens.
type Service struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	sessions   SessionValidator
	audit      *audit.Emitter
	metrics    *obs.Metrics
	log        zerolog.Logger

	mu      sync.Mutex
	revoked map[string]time.Time
}

// Option configures Service.
type Option func(*Service) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) Option {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer == "" {
			return errors.New("token: issuer must not be empty")
		}
		s.issuer = issuer
		return nil
	}
}

// WithTTLs overrides the access and refresh lifetimes.
func WithTTLs(access, refresh time.Duration) Option {
	return func(s *Service) error {
		if access <= 0 || refresh <= 0 {
			return errors.New("token: ttl must be greater than zero")
		}
		if refresh < access {
			return errors.New("token: refresh ttl must not be shorter than access ttl")
		}
		s.accessTTL, s.refreshTTL = access, refresh
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessions enables session re-validation of access tokens.
func WithSessions(v SessionValidator) Option {
	return func(s *Service) error {
		s.sessions = v
		return nil
	}
}

// WithAudit records refresh and revocation events.
func WithAudit(e *audit.Emitter) Option {
	return func(s *Service) error {
		s.audit = e
		return nil
	}
}

// WithMetrics records verification latency.
func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) error {
		s.log = log
		return nil
	}
}

// New builds a Service signing with secret, which must be at least 32 bytes.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("token: secret must be at least %d bytes", minSecretLength)
	}
	s := &Service{
		secret:     append([]byte(nil), secret...),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
		revoked:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AccessTTL reports the access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// IssueAccessToken signs an access token carrying the session snapshot.
func (s *Service) IssueAccessToken(sess auth.Session) (string, error) {
	if strings.TrimSpace(sess.UserID) == "" || strings.TrimSpace(sess.ID) == "" {
		return "", fmt.Errorf("%w: session has no user or id", ErrTokenInvalid)
	}
	now := s.now().UTC()
	claims := Claims{
		Type:         TypeAccess,
		Username:     sess.Username,
		Role:         sess.Role,
		Permissions:  append([]string(nil), sess.Permissions...),
		EntityAccess: append([]string(nil), sess.EntityAccess...),
		SessionID:    sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	return s.sign(claims)
}

// IssueRefreshToken signs a refresh token for the session owner.
func (s *Service) IssueRefreshToken(sess auth.Session) (string, error) {
	if strings.TrimSpace(sess.UserID) == "" {
		return "", fmt.Errorf("%w: session has no user", ErrTokenInvalid)
	}
	now := s.now().UTC()
	claims := Claims{
		Type: TypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.refreshTTL)),
			ID:        uuid.NewString(),
		},
	}
	return s.sign(claims)
}

func (s *Service) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry. Access tokens must also point
// at a live session owned by the subject; refresh tokens must not be revoked.
func (s *Service) Verify(raw string) (*Claims, error) {
	defer s.metrics.ObserveDuration("token_verify", time.Now())

	claims, err := s.parse(raw)
	if err != nil {
		return nil, err
	}
	switch claims.Type {
	case TypeAccess:
		if s.sessions == nil {
			return claims, nil
		}
		sess, err := s.sessions.ValidateSession(claims.SessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
		}
		if sess.UserID != claims.Subject {
			return nil, fmt.Errorf("%w: session owner mismatch", ErrTokenInvalid)
		}
	case TypeRefresh:
		if s.isRevoked(claims.ID) {
			return nil, fmt.Errorf("%w: refresh token revoked", ErrTokenInvalid)
		}
	}
	return claims, nil
}

// VerifyAccess is Verify restricted to access tokens.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	claims, err := s.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != TypeAccess {
		return nil, fmt.Errorf("%w: got %s token", ErrTokenWrongType, claims.Type)
	}
	return claims, nil
}

func (s *Service) parse(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	claims := &Claims{}
	_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		s.log.Debug().Err(err).Msg("token rejected")
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrTokenInvalid)
	}
	if claims.Type != TypeAccess && claims.Type != TypeRefresh {
		return nil, fmt.Errorf("%w: unknown token type %q", ErrTokenInvalid, claims.Type)
	}
	return claims, nil
}

// Refresh mints a new access token for sess from a refresh token owned by
// the same user.
func (s *Service) Refresh(refreshToken string, sess auth.Session) (string, error) {
	claims, err := s.Verify(refreshToken)
	if err != nil {
		return "", err
	}
	if claims.Type != TypeRefresh {
		return "", fmt.Errorf("%w: got %s token", ErrTokenWrongType, claims.Type)
	}
	if claims.Subject != sess.UserID {
		s.audit.Emit(audit.Entry{
			Kind:      audit.KindTokenRefresh,
			ActorID:   sess.UserID,
			SessionID: sess.ID,
			Action:    "refresh",
			Result:    "failure",
			Details:   map[string]any{"reason": "subject_mismatch"},
		})
		return "", fmt.Errorf("%w: token does not belong to user", ErrTokenInvalid)
	}
	access, err := s.IssueAccessToken(sess)
	if err != nil {
		return "", err
	}
	s.audit.Emit(audit.Entry{
		Kind:      audit.KindTokenRefresh,
		ActorID:   sess.UserID,
		SessionID: sess.ID,
		Action:    "refresh",
		Result:    "success",
	})
	return access, nil
}

// Revoke denies a refresh token until its natural expiry.
func (s *Service) Revoke(refreshToken string) error {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return err
	}
	if claims.Type != TypeRefresh {
		return fmt.Errorf("%w: only refresh tokens can be revoked", ErrTokenWrongType)
	}
	s.mu.Lock()
	s.revoked[claims.ID] = claims.ExpiresAt.Time
	s.mu.Unlock()

	s.audit.Emit(audit.Entry{
		Kind:    audit.KindTokenRevoked,
		ActorID: claims.Subject,
		Action:  "revoke",
		Result:  "success",
		Details: map[string]any{"jti": claims.ID},
	})
	return nil
}

// PruneRevoked forgets revoked ids whose tokens have expired anyway.
func (s *Service) PruneRevoked() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, exp := range s.revoked {
		if !now.Before(exp) {
			delete(s.revoked, id)
			n++
		}
	}
	return n
}

func (s *Service) isRevoked(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revoked[id]
	return ok
}
