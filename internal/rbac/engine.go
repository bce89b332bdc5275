package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/auth"
	"github.com/treasuryops/guard/internal/obs"
)

// Decision is the outcome of CheckAccess. Level is the principal's highest
// satisfied bundle and is set whether or not access was granted.
type Decision struct {
	Granted      bool        `json:"granted"`
	Reason       string      `json:"reason"`
	Required     []string    `json:"required_permissions"`
	Missing      []string    `json:"missing_permissions,omitempty"`
	Level        AccessLevel `json:"access_level"`
	Rule         string      `json:"rule,omitempty"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Action       string      `json:"action"`
	Role         string      `json:"role"`

	err error
}

// Err returns nil for granted decisions and a typed error otherwise:
// ErrUnknownResourcePolicy, *PermissionDeniedError or *RuleViolationError.
func (d Decision) Err() error {
	if d.Granted {
		return nil
	}
	if d.err != nil {
		return d.err
	}
	return ErrPermissionDenied
}

// ResourceAccess summarizes what a principal may do with a resource type.
type ResourceAccess struct {
	ResourceType string      `json:"resource_type"`
	Level        AccessLevel `json:"access_level"`
	Permissions  []string    `json:"permissions"`
	CanRead      bool        `json:"can_read"`
	CanWrite     bool        `json:"can_write"`
	CanAdmin     bool        `json:"can_admin"`
	CanOwn       bool        `json:"can_own"`
}

// Engine renders access decisions. It holds no mutable state.
type Engine struct {
	policies map[string]Policy
	rules    Rules
	now      func() time.Time
	audit    *audit.Emitter
	metrics  *obs.Metrics
	log      zerolog.Logger
}

// Option configures Engine.
type Option func(*Engine) error

// WithPolicies replaces the resource policy table.
func WithPolicies(p map[string]Policy) Option {
	return func(e *Engine) error {
		if len(p) == 0 {
			return errors.New("rbac: policy table is empty")
		}
		e.policies = make(map[string]Policy, len(p))
		for k, v := range p {
			e.policies[k] = v
		}
		return nil
	}
}

// WithRules replaces the business rule configuration.
func WithRules(r Rules) Option {
	return func(e *Engine) error {
		if err := r.Validate(); err != nil {
			return err
		}
		e.rules = r
		return nil
	}
}

// WithClock overrides the time source used by the business-hours rule.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// WithAudit records every decision.
func WithAudit(em *audit.Emitter) Option {
	return func(e *Engine) error {
		e.audit = em
		return nil
	}
}

// WithMetrics counts decisions.
func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) error {
		e.metrics = m
		return nil
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) error {
		e.log = log
		return nil
	}
}

// NewEngine builds an engine over the default policies and rules.
func NewEngine(opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: DefaultPolicies(),
		rules:    DefaultRules(),
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ResourceTypes lists the policy table keys in sorted order.
func (e *Engine) ResourceTypes() []string {
	out := make([]string, 0, len(e.policies))
	for k := range e.policies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CheckAccess decides whether p may perform action on resourceType and
// records the decision. ctx may carry amount, country_code and entity_id.
func (e *Engine) CheckAccess(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) Decision {
	d := e.decide(p, resourceType, action, resourceID, ctx)
	e.metrics.Decision(resourceType, d.Granted)
	e.record(p, d, ctx)
	return d
}

// Authorize is CheckAccess reduced to its outcome.
func (e *Engine) Authorize(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) bool {
	return e.CheckAccess(p, resourceType, action, resourceID, ctx).Granted
}

func (e *Engine) decide(p auth.Principal, resourceType, action, resourceID string, ctx map[string]any) Decision {
	d := Decision{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Action:       action,
		Role:         p.Role,
	}
	pol, ok := e.policies[resourceType]
	if !ok {
		d.Reason = fmt.Sprintf("Access denied - no policy for resource type %q", resourceType)
		d.err = fmt.Errorf("%w: %q", ErrUnknownResourcePolicy, resourceType)
		return d
	}

	level := ClassifyAction(action)
	d.Required = append([]string(nil), pol.Bundle(level)...)
	d.Level = pol.Level(p.Permissions)

	if miss := missing(d.Required, p.Permissions); len(miss) > 0 {
		d.Missing = miss
		d.Reason = "Access denied - missing permissions: " + strings.Join(miss, ", ")
		d.err = &PermissionDeniedError{ResourceType: resourceType, Action: action, Missing: miss}
		return d
	}

	if v := e.rules.apply(request{
		principal:    p,
		resourceType: resourceType,
		action:       action,
		level:        level,
		ctx:          ctx,
		now:          e.now(),
	}); v != nil {
		d.Rule = v.Rule
		d.Missing = append([]string(nil), v.Missing...)
		d.Reason = "Access denied - business rule violation: " + v.Rule
		if len(v.Missing) > 0 {
			d.Reason += " (missing permissions: " + strings.Join(v.Missing, ", ") + ")"
		}
		d.err = v
		return d
	}

	d.Granted = true
	d.Reason = "Access granted - user has required permissions"
	return d
}

func (e *Engine) record(p auth.Principal, d Decision, ctx map[string]any) {
	details := make(map[string]any, len(ctx)+4)
	for k, v := range ctx {
		details[k] = v
	}
	details["reason"] = d.Reason
	details["access_level"] = d.Level.String()
	details["role"] = d.Role
	kind, result := audit.KindAccessGranted, "granted"
	if !d.Granted {
		kind, result = audit.KindAccessDenied, "denied"
		if d.Rule != "" {
			details["rule"] = d.Rule
		}
		if d.Rule == RuleBusinessHours {
			details[audit.DetailAfterHours] = true
		}
	}
	e.audit.Emit(audit.Entry{
		Kind:         kind,
		ActorID:      p.UserID,
		SessionID:    p.SessionID,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		Action:       d.Action,
		Result:       result,
		Details:      details,
	})
	ev := e.log.Debug()
	if !d.Granted {
		ev = e.log.Info()
	}
	ev.Str("user_id", p.UserID).
		Str("resource_type", d.ResourceType).
		Str("action", d.Action).
		Bool("granted", d.Granted).
		Str("reason", d.Reason).
		Msg("access decision")
}

// ResourceAccess summarizes p's access to resourceType without recording
// decisions.
func (e *Engine) ResourceAccess(p auth.Principal, resourceType string) ResourceAccess {
	ra := ResourceAccess{ResourceType: resourceType, Permissions: p.PermissionList()}
	pol, ok := e.policies[resourceType]
	if !ok {
		return ra
	}
	ra.Level = pol.Level(p.Permissions)
	ra.CanRead = e.decide(p, resourceType, "read", "", nil).Granted
	ra.CanWrite = e.decide(p, resourceType, "write", "", nil).Granted
	ra.CanAdmin = e.decide(p, resourceType, "admin", "", nil).Granted
	ra.CanOwn = e.decide(p, resourceType, "own", "", nil).Granted
	return ra
}

// AllAccess summarizes p's access to every resource type.
func (e *Engine) AllAccess(p auth.Principal) map[string]ResourceAccess {
	out := make(map[string]ResourceAccess, len(e.policies))
	for rt := range e.policies {
		out[rt] = e.ResourceAccess(p, rt)
	}
	return out
}
