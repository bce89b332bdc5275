package audit

import (
	"encoding/json"
	"strconv"
	"strings"
)

const (
	defaultBaseRisk    = 0.5
	defaultLargeAmount = 1_000_000
)

var baseRisk = map[Kind]float64{
	KindLoginSuccess:         0.1,
	KindLoginFailure:         0.3,
	KindLogout:               0.0,
	KindSessionExpired:       0.1,
	KindAccountLocked:        0.7,
	KindTokenRefresh:         0.1,
	KindTokenRevoked:         0.2,
	KindPasswordChange:       0.2,
	KindMFADisabled:          0.8,
	KindAccessGranted:        0.1,
	KindAccessDenied:         0.5,
	KindPermissionChange:     0.6,
	KindRoleChange:           0.7,
	KindDataRead:             0.1,
	KindDataWrite:            0.3,
	KindDataDelete:           0.8,
	KindDataExport:           0.6,
	KindUserCreated:          0.3,
	KindUserDeleted:          0.8,
	KindUserSuspended:        0.5,
	KindConfigChange:         0.7,
	KindPaymentInitiated:     0.4,
	KindPaymentApproved:      0.3,
	KindPaymentRejected:      0.2,
	KindInvestmentCreated:    0.4,
	KindInvestmentExecuted:   0.5,
	KindRiskAlertTriggered:   0.7,
	KindComplianceViolation:  0.9,
	KindSuspiciousActivity:   0.9,
	KindSecurityBreach:       1.0,
	KindMultipleLoginFailure: 0.8,
	KindUnusualAccess:        0.6,
	KindKeyGenerated:         0.2,
	KindKeyRotated:           0.3,
	KindDecryptionFailure:    0.6,
}

// BaseRisk returns the base score of a kind; unknown kinds score 0.5.
func BaseRisk(kind Kind) float64 {
	if v, ok := baseRisk[kind]; ok {
		return v
	}
	return defaultBaseRisk
}

// Detail keys that raise the risk of an event.
const (
	DetailAmount              = "amount"
	DetailAfterHours          = "after_hours"
	DetailUnusualLocation     = "unusual_location"
	DetailPrivilegeEscalation = "privilege_escalation"
)

// Scorer turns an event kind and its details into a clamped risk score.
type Scorer struct {
	LargeAmount         float64
	LargeAmountBoost    float64
	AfterHoursBoost     float64
	UnusualLocation     float64
	PrivilegeEscalation float64
}

// DefaultScorer uses a 1,000,000 large-transaction threshold.
func DefaultScorer() Scorer {
	return Scorer{
		LargeAmount:         defaultLargeAmount,
		LargeAmountBoost:    0.3,
		AfterHoursBoost:     0.2,
		UnusualLocation:     0.3,
		PrivilegeEscalation: 0.4,
	}
}

// Score computes base risk plus contextual increments, clamped to [0,1].
func (s Scorer) Score(kind Kind, details map[string]any) float64 {
	score := BaseRisk(kind)
	if amount, ok := numeric(details[DetailAmount]); ok && amount > s.LargeAmount {
		score += s.LargeAmountBoost
	}
	if flag(details[DetailAfterHours]) {
		score += s.AfterHoursBoost
	}
	if flag(details[DetailUnusualLocation]) {
		score += s.UnusualLocation
	}
	if flag(details[DetailPrivilegeEscalation]) {
		score += s.PrivilegeEscalation
	}
	return clamp(score)
}

// SeverityFor maps a score to its band: >=0.8 critical, >=0.6 high, >=0.3 medium.
func SeverityFor(score float64) Severity {
	switch {
	case score >= 0.8:
		return SeverityCritical
	case score >= 0.6:
		return SeverityHigh
	case score >= 0.3:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	// rounded to 1e-6 so sums like 0.4+0.2 land exactly on band edges
	return float64(int64(v*1e6+0.5)) / 1e6
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func flag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	}
	return false
}
