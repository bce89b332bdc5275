package rbac

import "strings"

// AccessLevel orders the four policy bundles.
type AccessLevel int

const (
	LevelNone AccessLevel = iota
	LevelRead
	LevelWrite
	LevelAdmin
	LevelOwner
)

func (l AccessLevel) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelWrite:
		return "write"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return "none"
	}
}

// MarshalText renders the level name.
func (l AccessLevel) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// Resource types.
const (
	ResourceCashAccount      = "cash_account"
	ResourcePayment          = "payment"
	ResourceInvestment       = "investment"
	ResourceRiskReport       = "risk_report"
	ResourceCollection       = "collection"
	ResourceComplianceReport = "compliance_report"
	ResourceUser             = "user"
	ResourceWorkflow         = "workflow"
	ResourceDashboard        = "dashboard"
	ResourceAuditLog         = "audit_log"
	ResourceForecast         = "forecast"
	ResourceEncryptionKey    = "encryption_key"
)

// Policy holds the permission bundles of one resource type.
type Policy struct {
	Read  []string `mapstructure:"read" json:"read"`
	Write []string `mapstructure:"write" json:"write"`
	Admin []string `mapstructure:"admin" json:"admin"`
	Owner []string `mapstructure:"owner" json:"owner"`
}

// Bundle returns the permissions required at level.
func (p Policy) Bundle(level AccessLevel) []string {
	switch level {
	case LevelWrite:
		return p.Write
	case LevelAdmin:
		return p.Admin
	case LevelOwner:
		return p.Owner
	default:
		return p.Read
	}
}

// Level returns the highest bundle fully contained in perms.
func (p Policy) Level(perms map[string]struct{}) AccessLevel {
	for _, l := range []AccessLevel{LevelOwner, LevelAdmin, LevelWrite, LevelRead} {
		if len(missing(p.Bundle(l), perms)) == 0 {
			return l
		}
	}
	return LevelNone
}

func policy(read, write, admin, owner string) Policy {
	return Policy{Read: []string{read}, Write: []string{write}, Admin: []string{admin}, Owner: []string{owner}}
}

// DefaultPolicies returns the built-in resource policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ResourceCashAccount:      policy(PermViewBalances, PermManageCash, PermCashAdmin, PermCashAdmin),
		ResourcePayment:          policy(PermViewTransactions, PermInitiatePayments, PermPaymentAdmin, PermApprovePaymentsLow),
		ResourceInvestment:       policy(PermViewInvestments, PermAnalyzeInvestments, PermInvestmentAdmin, PermExecuteInvestments),
		ResourceRiskReport:       policy(PermViewRiskReports, PermAssessRisk, PermRiskAdmin, PermManageRiskLimits),
		ResourceCollection:       policy(PermViewCollections, PermManageCollections, PermCollectionsAdmin, PermCollectionsAdmin),
		ResourceComplianceReport: policy(PermViewCompliance, PermAuditAccess, PermComplianceAdmin, PermComplianceAdmin),
		ResourceUser:             policy(PermViewUsers, PermManageUsers, PermSystemAdmin, PermSystemAdmin),
		ResourceWorkflow:         policy(PermViewBalances, PermManageCash, PermSystemConfig, PermSystemAdmin),
		ResourceDashboard:        policy(PermViewKPI, PermGenerateReports, PermSystemConfig, PermSystemAdmin),
		ResourceAuditLog:         policy(PermAuditAccess, PermSystemAdmin, PermSystemAdmin, PermSystemAdmin),
		ResourceForecast:         policy(PermViewForecasts, PermCreateForecasts, PermModifyLimits, PermModifyLimits),
		ResourceEncryptionKey:    policy(PermManageKeys, PermManageKeys, PermSystemAdmin, PermSystemAdmin),
	}
}

// ClassifyAction maps an action verb to the bundle it requires. Unknown
// verbs need the read bundle.
func ClassifyAction(action string) AccessLevel {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "create", "update", "write", "modify":
		return LevelWrite
	case "delete", "admin", "configure":
		return LevelAdmin
	case "approve", "execute", "own":
		return LevelOwner
	default:
		return LevelRead
	}
}

func missing(required []string, have map[string]struct{}) []string {
	var out []string
	for _, p := range required {
		if _, ok := have[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
