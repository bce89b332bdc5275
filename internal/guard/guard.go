// Package guard wires the credential, token, authorization, audit and key
// services into one explicitly constructed core.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/auth"
	"github.com/treasuryops/guard/internal/config"
	"github.com/treasuryops/guard/internal/keys"
	"github.com/treasuryops/guard/internal/obs"
	"github.com/treasuryops/guard/internal/rbac"
	"github.com/treasuryops/guard/internal/token"
)

// ErrNoPrincipal is returned by the context helpers when the caller is not
// authenticated.
var ErrNoPrincipal = errors.New("guard: no principal in context")

// Core is the security core handed to the calling layer.
type Core struct {
	audit  *audit.Logger
	users  *auth.Manager
	tokens *token.Service
	roles  *rbac.RoleGraph
	engine *rbac.Engine
	keys   *keys.Service

	authn Authenticator
	authz Authorizer

	metrics *obs.Metrics
	log     zerolog.Logger
}

type options struct {
	log     zerolog.Logger
	metrics *obs.Metrics
	now     func() time.Time
	sinks   []audit.Sink
	head    string
}

// Option configures New.
type Option func(*options)

// WithLogger sets the root logger; each component gets a child logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *obs.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides the time source of every component.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.now = fn
		}
	}
}

// WithAuditSink forwards every audit event to s.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithAuditChainHead continues the audit hash chain from hash, the newest
// event already held by a persistent sink.
func WithAuditChainHead(hash string) Option {
	return func(o *options) { o.head = hash }
}

// New validates cfg and builds the core. Seed users from cfg are created
// before New returns.
func New(cfg config.Config, opts ...Option) (*Core, error) {
	o := options{log: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	roles, err := rbac.NewRoleGraph(cfg.RoleDefs())
	if err != nil {
		return nil, fmt.Errorf("guard: role catalog: %w", err)
	}

	scorer := audit.DefaultScorer()
	if cfg.Audit.LargeAmount > 0 {
		scorer.LargeAmount = cfg.Audit.LargeAmount
	}
	auditOpts := []audit.Option{
		audit.WithClock(o.now),
		audit.WithLogger(obs.Component(o.log, "audit")),
		audit.WithMetrics(o.metrics),
		audit.WithScorer(scorer),
		audit.WithThresholds(audit.Thresholds{
			LoginFailures: cfg.Audit.LoginFailureThreshold,
			HighSeverity:  cfg.Audit.HighSeverityThreshold,
		}),
	}
	if o.head != "" {
		auditOpts = append(auditOpts, audit.WithChainHead(o.head))
	}
	for _, s := range o.sinks {
		auditOpts = append(auditOpts, audit.WithSink(s))
	}
	auditLog := audit.NewLogger(auditOpts...)
	emitter := audit.NewEmitter(auditLog, obs.Component(o.log, "audit-emitter"), o.metrics)

	c := &Core{audit: auditLog, roles: roles, metrics: o.metrics, log: obs.Component(o.log, "guard")}
	if err := c.build(cfg, o, emitter); err != nil {
		auditLog.Close()
		return nil, err
	}
	return c, nil
}

func (c *Core) build(cfg config.Config, o options, emitter *audit.Emitter) error {
	var err error
	c.users, err = auth.NewManager(auth.NewDirectory(c.roles, o.now), auth.NewSessionStore(),
		auth.WithClock(o.now),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithLockoutPolicy(auth.LockoutPolicy{MaxAttempts: cfg.Auth.MaxFailedAttempts, Duration: cfg.Auth.LockoutDuration}),
		auth.WithAttemptLimit(cfg.Auth.AttemptsPerSecond, cfg.Auth.AttemptBurst),
		auth.WithAudit(emitter),
		auth.WithLogger(obs.Component(o.log, "auth")),
	)
	if err != nil {
		return fmt.Errorf("guard: auth: %w", err)
	}

	c.tokens, err = token.New([]byte(cfg.Token.Secret),
		token.WithIssuer(cfg.Token.Issuer),
		token.WithTTLs(cfg.Token.AccessTTL, cfg.Token.RefreshTTL),
		token.WithClock(o.now),
		token.WithSessions(c.users),
		token.WithAudit(emitter),
		token.WithMetrics(o.metrics),
		token.WithLogger(obs.Component(o.log, "token")),
	)
	if err != nil {
		return fmt.Errorf("guard: token: %w", err)
	}

	c.engine, err = rbac.NewEngine(
		rbac.WithRules(cfg.Rules()),
		rbac.WithClock(o.now),
		rbac.WithAudit(emitter),
		rbac.WithMetrics(o.metrics),
		rbac.WithLogger(obs.Component(o.log, "rbac")),
	)
	if err != nil {
		return fmt.Errorf("guard: rbac: %w", err)
	}

	km, err := keys.NewManager(
		keys.WithRotation(cfg.Keys.RotationInterval, cfg.Keys.RotationLead),
		keys.WithRSABits(cfg.Keys.RSABits),
		keys.WithClock(o.now),
		keys.WithAudit(emitter),
		keys.WithMetrics(o.metrics),
		keys.WithLogger(obs.Component(o.log, "keys")),
	)
	if err != nil {
		return fmt.Errorf("guard: keys: %w", err)
	}
	c.keys = keys.NewService(km)

	c.authn = InstrumentAuthenticator(c.users, o.metrics, obs.Component(o.log, "authn"))
	c.authz = InstrumentAuthorizer(c.engine, o.metrics, obs.Component(o.log, "authz"))

	for _, u := range cfg.Directory.Users {
		if _, err := c.users.CreateUser(auth.NewUser{
			Username:     u.Username,
			Email:        u.Email,
			Role:         u.Role,
			EntityAccess: u.EntityAccess,
			PasswordHash: u.PasswordHash,
			Inactive:     !u.Active,
		}); err != nil {
			return fmt.Errorf("guard: seed user %q: %w", u.Username, err)
		}
	}
	return nil
}

// Close drains the audit sinks.
func (c *Core) Close() {
	c.audit.Close()
}

// Component accessors for administration and scheduled jobs.
func (c *Core) Auth() *auth.Manager { return c.users }
func (c *Core) Tokens() *token.Service { return c.tokens }
func (c *Core) Roles() *rbac.RoleGraph { return c.roles }
func (c *Core) Engine() *rbac.Engine { return c.engine }
func (c *Core) Keys() *keys.Service { return c.keys }
func (c *Core) AuditLog() *audit.Logger { return c.audit }
func (c *Core) Metrics() *obs.Metrics { return c.metrics }
func (c *Core) Logger() zerolog.Logger { return c.log }

// --- credentials and sessions ---

// Authenticate verifies credentials through the instrumented authenticator.
func (c *Core) Authenticate(username, password, ip, userAgent string) (auth.Session, error) {
	return c.authn.Authenticate(username, password, ip, userAgent)
}

// LoginResult is the bundle returned on a successful sign-in.
type LoginResult struct {
	Session      auth.Session `json:"session"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
}

// Login authenticates and issues an access/refresh token pair bound to the
// new session.
func (c *Core) Login(username, password, ip, userAgent string) (LoginResult, error) {
	sess, err := c.Authenticate(username, password, ip, userAgent)
	if err != nil {
		return LoginResult{}, err
	}
	access, err := c.tokens.IssueAccessToken(sess)
	if err != nil {
		return LoginResult{}, err
	}
	refresh, err := c.tokens.IssueRefreshToken(sess)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Session:      sess,
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(c.tokens.AccessTTL().Seconds()),
	}, nil
}

func (c *Core) ValidateSession(id string) (auth.Session, error) { return c.users.ValidateSession(id) }

func (c *Core) Logout(id string) error { return c.users.Logout(id) }

func (c *Core) LogoutAll(username string) (int, error) { return c.users.LogoutAll(username) }

// --- tokens ---

func (c *Core) IssueAccessToken(sess auth.Session) (string, error) {
	return c.tokens.IssueAccessToken(sess)
}

func (c *Core) IssueRefreshToken(sess auth.Session) (string, error) {
	return c.tokens.IssueRefreshToken(sess)
}

// VerifyToken checks signature, expiry and, for access tokens, that the
// session is still live.
func (c *Core) VerifyToken(raw string) (*token.Claims, error) {
	return c.tokens.Verify(raw)
}

// Refresh mints a new access token for sessionID from a refresh token owned
// by the session's user.
func (c *Core) Refresh(refreshToken, sessionID string) (string, error) {
	sess, err := c.users.ValidateSession(sessionID)
	if err != nil {
		return "", err
	}
	return c.tokens.Refresh(refreshToken, sess)
}

// RevokeRefreshToken denies a refresh token until it expires.
func (c *Core) RevokeRefreshToken(raw string) error { return c.tokens.Revoke(raw) }

// --- authorization ---

// CheckAccess runs the instrumented authorization engine.
func (c *Core) CheckAccess(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) rbac.Decision {
	return c.authz.CheckAccess(p, resourceType, action, resourceID, ctx)
}

// Authorize reports only whether access is granted.
func (c *Core) Authorize(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) bool {
	return c.CheckAccess(p, resourceType, action, resourceID, ctx).Granted
}

// AuthorizeToken verifies an access token and checks access for its principal.
func (c *Core) AuthorizeToken(raw, resourceType, action, resourceID string, ctx map[string]any) (rbac.Decision, error) {
	claims, err := c.tokens.VerifyAccess(raw)
	if err != nil {
		return rbac.Decision{}, err
	}
	return c.CheckAccess(claims.Principal(), resourceType, action, resourceID, ctx), nil
}

// PrincipalContext verifies an access token and returns ctx carrying the
// principal and session id.
func (c *Core) PrincipalContext(ctx context.Context, raw string) (context.Context, error) {
	claims, err := c.tokens.VerifyAccess(raw)
	if err != nil {
		return ctx, err
	}
	ctx = auth.ContextWithPrincipal(ctx, claims.Principal())
	return auth.ContextWithSessionID(ctx, claims.SessionID), nil
}

// Require checks access for the principal carried by ctx and returns the
// decision's error.
func (c *Core) Require(ctx context.Context, resourceType, action, resourceID string, attrs map[string]any) error {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return ErrNoPrincipal
	}
	return c.CheckAccess(p, resourceType, action, resourceID, attrs).Err()
}

// ResourceAccess summarizes what p may do on resourceType.
func (c *Core) ResourceAccess(p auth.Principal, resourceType string) rbac.ResourceAccess {
	return c.engine.ResourceAccess(p, resourceType)
}

// --- audit ---

// LogEvent records an event on behalf of a caller.
func (c *Core) LogEvent(entry audit.Entry) (audit.Event, error) { return c.audit.Record(entry) }

func (c *Core) SearchEvents(f audit.Filter) []audit.Event { return c.audit.Search(f) }

func (c *Core) SecuritySummary(windowHours int) audit.Summary { return c.audit.Summary(windowHours) }

func (c *Core) AuditTrail(entityType, entityID string) []audit.Event {
	return c.audit.Trail(entityType, entityID)
}

func (c *Core) VerifyAuditChain() error { return c.audit.VerifyChain() }

// --- keys ---

func (c *Core) EncryptField(name, value string) (string, error) { return c.keys.EncryptField(name, value) }

func (c *Core) DecryptField(encoded string) (string, error) { return c.keys.DecryptField(encoded) }

func (c *Core) GenerateKey(alg keys.Algorithm) (keys.Info, error) { return c.keys.Manager().Generate(alg) }

func (c *Core) RotateKey(keyID string) (keys.Info, error) { return c.keys.Manager().Rotate(keyID) }

func (c *Core) ListKeys() []keys.Info { return c.keys.Manager().List() }
