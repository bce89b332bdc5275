package rbac

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/treasuryops/guard/internal/auth"
)

// Rule names reported on violations.
const (
	RuleBusinessHours     = "business_hours"
	RuleAmountTier        = "amount_tier"
	RuleRestrictedCountry = "restricted_country"
	RuleEntityScope       = "entity_scope"
)

// Context keys read by the business rules.
const (
	CtxAmount      = "amount"
	CtxCountryCode = "country_code"
	CtxEntityID    = "entity_id"
)

// Rules configures the contextual checks applied after the permission check.
type Rules struct {
	BusinessHoursStart  int
	BusinessHoursEnd    int
	Location            *time.Location
	ElevatedRoles       []string
	RestrictedCountries []string
	LowTierLimit        float64
	MediumTierLimit     float64
}

// DefaultRules allows approve/execute/delete from 09:00 to 18:59 UTC.
func DefaultRules() Rules {
	return Rules{
		BusinessHoursStart:  9,
		BusinessHoursEnd:    18,
		Location:            time.UTC,
		ElevatedRoles:       []string{RoleCFO, RoleSystemAdmin},
		RestrictedCountries: []string{"CU", "IR", "KP", "SY"},
		LowTierLimit:        50_000,
		MediumTierLimit:     250_000,
	}
}

// Validate checks the hour window and tier ordering.
func (r Rules) Validate() error {
	if r.BusinessHoursStart < 0 || r.BusinessHoursEnd > 23 || r.BusinessHoursStart > r.BusinessHoursEnd {
		return fmt.Errorf("rbac: invalid business hours %d-%d", r.BusinessHoursStart, r.BusinessHoursEnd)
	}
	if r.LowTierLimit <= 0 || r.MediumTierLimit <= r.LowTierLimit {
		return fmt.Errorf("rbac: tier limits must satisfy 0 < low < medium")
	}
	return nil
}

type request struct {
	principal    auth.Principal
	resourceType string
	action       string
	level        AccessLevel
	ctx          map[string]any
	now          time.Time
}

type rule func(Rules, request) *RuleViolationError

var orderedRules = []rule{businessHours, amountTier, restrictedCountry, entityScope}

func (r Rules) apply(req request) *RuleViolationError {
	for _, check := range orderedRules {
		if v := check(r, req); v != nil {
			return v
		}
	}
	return nil
}

func businessHours(r Rules, req request) *RuleViolationError {
	switch strings.ToLower(strings.TrimSpace(req.action)) {
	case "approve", "execute", "delete":
	default:
		return nil
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := req.now.In(loc).Hour()
	if hour >= r.BusinessHoursStart && hour <= r.BusinessHoursEnd {
		return nil
	}
	for _, role := range r.ElevatedRoles {
		if role == req.principal.Role {
			return nil
		}
	}
	return &RuleViolationError{
		Rule:   RuleBusinessHours,
		Detail: fmt.Sprintf("%s outside business hours (%02d:00 %s)", req.action, hour, loc),
	}
}

func amountTier(r Rules, req request) *RuleViolationError {
	if req.resourceType != ResourcePayment || req.level != LevelOwner {
		return nil
	}
	required := PermApprovePaymentsHigh
	amount, ok := parseAmount(req.ctx[CtxAmount])
	switch {
	case !ok:
	case amount <= r.LowTierLimit:
		required = PermApprovePaymentsLow
	case amount <= r.MediumTierLimit:
		required = PermApprovePaymentsMed
	}
	if req.principal.HasPermission(required) {
		return nil
	}
	detail := "amount missing or unreadable"
	if ok {
		detail = fmt.Sprintf("amount %.2f exceeds the principal's approval tier", amount)
	}
	return &RuleViolationError{Rule: RuleAmountTier, Detail: detail, Missing: []string{required}}
}

func restrictedCountry(r Rules, req request) *RuleViolationError {
	code, _ := req.ctx[CtxCountryCode].(string)
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil
	}
	for _, c := range r.RestrictedCountries {
		if strings.EqualFold(c, code) {
			if req.principal.HasPermission(PermSystemAdmin) {
				return nil
			}
			return &RuleViolationError{Rule: RuleRestrictedCountry, Detail: "country " + code + " is restricted"}
		}
	}
	return nil
}

func entityScope(_ Rules, req request) *RuleViolationError {
	v, present := req.ctx[CtxEntityID]
	if !present {
		return nil
	}
	entity, _ := v.(string)
	if req.principal.CanAccessEntity(entity) {
		return nil
	}
	return &RuleViolationError{Rule: RuleEntityScope, Detail: fmt.Sprintf("entity %q is outside the principal's scope", entity)}
}

// parseAmount accepts numbers and numeric strings. Negative, NaN and
// infinite values are rejected.
func parseAmount(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(n), ",", ""), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}
