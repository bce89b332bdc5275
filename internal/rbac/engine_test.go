package rbac

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/treasuryops/guard/internal/audit"
	"github.com/treasuryops/guard/internal/auth"
	"github.com/treasuryops/guard/internal/obs"
)

var noon = time.Date(2025, 4, 7, 12, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, at time.Time, opts ...Option) *Engine {
	t.Helper()
	base := []Option{WithClock(func() time.Time { return at })}
	e, err := NewEngine(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func principalFor(t *testing.T, role string, entities ...string) auth.Principal {
	t.Helper()
	perms, err := MustDefaultGraph().ResolvePermissions(role)
	if err != nil {
		t.Fatalf("ResolvePermissions(%s): %v", role, err)
	}
	return auth.NewPrincipal("usr_"+role, role, role, "sess_"+role, perms, entities)
}

func TestViewerCannotApprovePayment(t *testing.T) {
	e := newEngine(t, noon)
	d := e.CheckAccess(principalFor(t, RoleViewer), ResourcePayment, "approve", "PAY-1", map[string]any{"amount": 10000})
	if d.Granted {
		t.Fatalf("viewer approval granted")
	}
	if !strings.Contains(d.Reason, PermApprovePaymentsLow) {
		t.Fatalf("reason should name the missing approval permission: %q", d.Reason)
	}
	var denied *PermissionDeniedError
	if !errors.As(d.Err(), &denied) || !errors.Is(d.Err(), ErrPermissionDenied) {
		t.Fatalf("expected *PermissionDeniedError, got %v", d.Err())
	}
	if len(denied.Missing) != 1 || denied.Missing[0] != PermApprovePaymentsLow {
		t.Fatalf("missing = %v", denied.Missing)
	}
	if d.Level != LevelRead {
		t.Fatalf("viewer level on payment = %s", d.Level)
	}
}

func TestHighTierRequiredAboveMediumLimit(t *testing.T) {
	e := newEngine(t, noon)
	manager := principalFor(t, RoleManager)
	if !manager.HasPermission(PermApprovePaymentsLow) || !manager.HasPermission(PermApprovePaymentsMed) {
		t.Fatalf("manager should hold low and medium tiers")
	}

	d := e.CheckAccess(manager, ResourcePayment, "approve", "PAY-2", map[string]any{"amount": 300000})
	if d.Granted {
		t.Fatalf("$300K approval granted without high tier")
	}
	if d.Rule != RuleAmountTier || len(d.Missing) != 1 || d.Missing[0] != PermApprovePaymentsHigh {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if !errors.Is(d.Err(), ErrBusinessRuleViolation) {
		t.Fatalf("expected rule violation, got %v", d.Err())
	}

	if !e.Authorize(manager, ResourcePayment, "approve", "PAY-3", map[string]any{"amount": 250000}) {
		t.Fatalf("medium tier approval denied")
	}
	if !e.Authorize(principalFor(t, RoleCFO), ResourcePayment, "approve", "PAY-2", map[string]any{"amount": 300000}) {
		t.Fatalf("cfo approval denied")
	}
}

func TestAmountTiers(t *testing.T) {
	e := newEngine(t, noon)
	low := auth.NewPrincipal("u", "low", "custom", "s", []string{PermViewTransactions, PermApprovePaymentsLow}, nil)
	cases := []struct {
		amount  any
		granted bool
		missing string
	}{
		{40000, true, ""},
		{50000.0, true, ""},
		{"12,500", true, ""},
		{"75,000", false, PermApprovePaymentsMed},
		{int64(250001), false, PermApprovePaymentsHigh},
		{nil, false, PermApprovePaymentsHigh},
		{"abc", false, PermApprovePaymentsHigh},
		{-5, false, PermApprovePaymentsHigh},
	}
	for _, tc := range cases {
		ctx := map[string]any{}
		if tc.amount != nil {
			ctx["amount"] = tc.amount
		}
		d := e.CheckAccess(low, ResourcePayment, "approve", "", ctx)
		if d.Granted != tc.granted {
			t.Fatalf("amount %v: granted=%v, want %v (%s)", tc.amount, d.Granted, tc.granted, d.Reason)
		}
		if !tc.granted && (len(d.Missing) != 1 || d.Missing[0] != tc.missing) {
			t.Fatalf("amount %v: missing=%v, want %s", tc.amount, d.Missing, tc.missing)
		}
	}
	// tiers only gate owner verbs
	if !e.Authorize(low, ResourcePayment, "view", "", map[string]any{"amount": 9e9}) {
		t.Fatalf("viewing a large payment should not need an approval tier")
	}
}

func TestEntityScope(t *testing.T) {
	e := newEngine(t, noon)
	cfo := principalFor(t, RoleCFO, auth.EntityAll)
	if d := e.CheckAccess(cfo, ResourceCashAccount, "view", "ACC-1", map[string]any{"entity_id": "ENT-07"}); !d.Granted {
		t.Fatalf("cfo with ALL scope denied: %s", d.Reason)
	}

	analyst := principalFor(t, RoleAnalyst, "ENT-01")
	if !e.Authorize(analyst, ResourceCashAccount, "view", "", map[string]any{"entity_id": "ENT-01"}) {
		t.Fatalf("in-scope entity denied")
	}
	d := e.CheckAccess(analyst, ResourceCashAccount, "view", "", map[string]any{"entity_id": "ENT-02"})
	if d.Granted || d.Rule != RuleEntityScope {
		t.Fatalf("out-of-scope entity: %+v", d)
	}
}

func TestBusinessHours(t *testing.T) {
	evening := time.Date(2025, 4, 7, 20, 0, 0, 0, time.UTC)
	e := newEngine(t, evening)
	manager := principalFor(t, RoleManager)
	ctx := map[string]any{"amount": 1000}

	d := e.CheckAccess(manager, ResourcePayment, "approve", "", ctx)
	if d.Granted || d.Rule != RuleBusinessHours {
		t.Fatalf("after-hours approval: %+v", d)
	}
	if !e.Authorize(principalFor(t, RoleCFO), ResourcePayment, "approve", "", ctx) {
		t.Fatalf("elevated role blocked after hours")
	}
	if !e.Authorize(manager, ResourcePayment, "view", "", nil) {
		t.Fatalf("reads are not restricted by business hours")
	}

	lateButInside := newEngine(t, time.Date(2025, 4, 7, 18, 30, 0, 0, time.UTC))
	if !lateButInside.Authorize(manager, ResourcePayment, "approve", "", ctx) {
		t.Fatalf("hour 18 is inside the inclusive window")
	}

	rules := DefaultRules()
	rules.Location = time.FixedZone("UTC+9", 9*3600)
	tokyo := newEngine(t, time.Date(2025, 4, 7, 2, 0, 0, 0, time.UTC), WithRules(rules))
	if !tokyo.Authorize(manager, ResourcePayment, "approve", "", ctx) {
		t.Fatalf("02:00 UTC is 11:00 in UTC+9 and should be allowed")
	}
}

func TestRestrictedCountry(t *testing.T) {
	e := newEngine(t, noon)
	d := e.CheckAccess(principalFor(t, RoleCFO), ResourceCashAccount, "view", "", map[string]any{"country_code": "ir"})
	if d.Granted || d.Rule != RuleRestrictedCountry {
		t.Fatalf("restricted country allowed: %+v", d)
	}
	if !e.Authorize(principalFor(t, RoleSystemAdmin), ResourceCashAccount, "view", "", map[string]any{"country_code": "IR"}) {
		t.Fatalf("system admin blocked by country rule")
	}
	if !e.Authorize(principalFor(t, RoleCFO), ResourceCashAccount, "view", "", map[string]any{"country_code": "DE"}) {
		t.Fatalf("unrestricted country denied")
	}
}

func TestReadOnlyPrincipalDeniedHigherBundles(t *testing.T) {
	e := newEngine(t, noon)
	for rt, pol := range DefaultPolicies() {
		p := auth.NewPrincipal("u", "ro", "custom", "s", pol.Read, []string{auth.EntityAll})
		if !e.Authorize(p, rt, "read", "", nil) {
			t.Fatalf("%s: read bundle holder denied read", rt)
		}
		for verb, level := range map[string]AccessLevel{"update": LevelWrite, "delete": LevelAdmin, "execute": LevelOwner} {
			if len(missing(pol.Bundle(level), p.Permissions)) == 0 {
				continue
			}
			if e.Authorize(p, rt, verb, "", nil) {
				t.Fatalf("%s: read-only principal granted %s", rt, verb)
			}
		}
	}
}

func TestUnknownResourcePolicy(t *testing.T) {
	e := newEngine(t, noon)
	d := e.CheckAccess(principalFor(t, RoleSystemAdmin), "spaceship", "view", "", nil)
	if d.Granted || !errors.Is(d.Err(), ErrUnknownResourcePolicy) {
		t.Fatalf("unknown resource: %+v", d)
	}
	if d.Level != LevelNone {
		t.Fatalf("level = %s", d.Level)
	}
}

func TestClassifyAction(t *testing.T) {
	cases := map[string]AccessLevel{
		"read": LevelRead, "VIEW": LevelRead, "list": LevelRead, "get": LevelRead,
		"create": LevelWrite, "update": LevelWrite, "write": LevelWrite, "Modify": LevelWrite,
		"delete": LevelAdmin, "admin": LevelAdmin, "configure": LevelAdmin,
		"approve": LevelOwner, "execute": LevelOwner, "own": LevelOwner,
		"frobnicate": LevelRead,
	}
	for action, want := range cases {
		if got := ClassifyAction(action); got != want {
			t.Fatalf("ClassifyAction(%q) = %s, want %s", action, got, want)
		}
	}
}

func TestDecisionsAreAuditedAndCounted(t *testing.T) {
	log := audit.NewLogger(audit.WithClock(func() time.Time { return noon }))
	metrics := obs.NewMetrics()
	evening := time.Date(2025, 4, 7, 22, 0, 0, 0, time.UTC)
	e := newEngine(t, evening,
		WithAudit(audit.NewEmitter(log, zerolog.Nop(), metrics)),
		WithMetrics(metrics),
	)
	manager := principalFor(t, RoleManager)

	e.CheckAccess(manager, ResourcePayment, "view", "PAY-1", nil)
	e.CheckAccess(manager, ResourcePayment, "approve", "PAY-1", map[string]any{"amount": 1000})

	trail := log.Trail(ResourcePayment, "PAY-1")
	if len(trail) != 2 {
		t.Fatalf("trail length = %d", len(trail))
	}
	if trail[0].Kind != audit.KindAccessGranted || trail[1].Kind != audit.KindAccessDenied {
		t.Fatalf("unexpected kinds: %s, %s", trail[0].Kind, trail[1].Kind)
	}
	denied := trail[1]
	if denied.Details["rule"] != RuleBusinessHours || denied.Details[audit.DetailAfterHours] != true {
		t.Fatalf("denial details: %+v", denied.Details)
	}
	if denied.RiskScore != 0.7 {
		t.Fatalf("after-hours denial score = %v, want 0.7", denied.RiskScore)
	}
	if got := testutil.ToFloat64(metrics.AuthzDecisions.WithLabelValues(ResourcePayment, "false")); got != 1 {
		t.Fatalf("denied decisions = %v", got)
	}
}

func TestResourceAccessSummary(t *testing.T) {
	e := newEngine(t, noon)
	ra := e.ResourceAccess(principalFor(t, RoleManager), ResourceCashAccount)
	if ra.Level != LevelWrite || !ra.CanRead || !ra.CanWrite || ra.CanAdmin || ra.CanOwn {
		t.Fatalf("manager cash access: %+v", ra)
	}
	all := e.AllAccess(principalFor(t, RoleSystemAdmin))
	if len(all) != len(DefaultPolicies()) {
		t.Fatalf("AllAccess covers %d resources", len(all))
	}
	for rt, ra := range all {
		if ra.Level != LevelOwner {
			t.Fatalf("system admin level on %s = %s", rt, ra.Level)
		}
	}
	if none := e.ResourceAccess(principalFor(t, RoleViewer), "spaceship"); none.Level != LevelNone || none.CanRead {
		t.Fatalf("unknown resource summary: %+v", none)
	}
}
