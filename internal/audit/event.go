package audit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrChainBroken  = errors.New("audit: hash chain broken")
)

// Kind identifies the type of a security event.
type Kind string

const (
	KindLoginSuccess         Kind = "login_success"
	KindLoginFailure         Kind = "login_failure"
	KindLogout               Kind = "logout"
	KindSessionExpired       Kind = "session_expired"
	KindAccountLocked        Kind = "account_locked"
	KindTokenRefresh         Kind = "token_refresh"
	KindTokenRevoked         Kind = "token_revoked"
	KindPasswordChange       Kind = "password_change"
	KindMFADisabled          Kind = "mfa_disabled"
	KindAccessGranted        Kind = "access_granted"
	KindAccessDenied         Kind = "access_denied"
	KindPermissionChange     Kind = "permission_change"
	KindRoleChange           Kind = "role_change"
	KindDataRead             Kind = "data_read"
	KindDataWrite            Kind = "data_write"
	KindDataDelete           Kind = "data_delete"
	KindDataExport           Kind = "data_export"
	KindUserCreated          Kind = "user_created"
	KindUserDeleted          Kind = "user_deleted"
	KindUserSuspended        Kind = "user_suspended"
	KindConfigChange         Kind = "config_change"
	KindPaymentInitiated     Kind = "payment_initiated"
	KindPaymentApproved      Kind = "payment_approved"
	KindPaymentRejected      Kind = "payment_rejected"
	KindInvestmentCreated    Kind = "investment_created"
	KindInvestmentExecuted   Kind = "investment_executed"
	KindRiskAlertTriggered   Kind = "risk_alert_triggered"
	KindComplianceViolation  Kind = "compliance_violation"
	KindSuspiciousActivity   Kind = "suspicious_activity"
	KindSecurityBreach       Kind = "security_breach"
	KindMultipleLoginFailure Kind = "multiple_login_failures"
	KindUnusualAccess        Kind = "unusual_access_pattern"
	KindKeyGenerated         Kind = "key_generated"
	KindKeyRotated           Kind = "key_rotated"
	KindDecryptionFailure    Kind = "decryption_failure"
)

// Severity is an ordinal risk band.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity accepts the lowercase band names.
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for i, name := range severityNames {
		if name == v {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, v)
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	parsed, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Entry is the caller-supplied input for a new event.
type Entry struct {
	Kind         Kind
	ActorID      string
	SessionID    string
	IPAddress    string
	UserAgent    string
	ResourceType string
	ResourceID   string
	Action       string
	Result       string
	Details      map[string]any
}

// Event is a recorded security event. Events are never mutated once stored;
// accessors hand out copies.
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	Severity     Severity       `json:"severity"`
	RiskScore    float64        `json:"risk_score"`
	Timestamp    time.Time      `json:"timestamp"`
	ActorID      string         `json:"actor_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Action       string         `json:"action,omitempty"`
	Result       string         `json:"result,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Alert        bool           `json:"alert,omitempty"`
	PrevHash     string         `json:"prev_hash,omitempty"`
	Hash         string         `json:"hash,omitempty"`
}

// TrailKey returns the "entity:id" key under which the event is indexed,
// or "" when no resource is attached.
func (e Event) TrailKey() string {
	return trailKey(e.ResourceType, e.ResourceID)
}

func trailKey(entityType, entityID string) string {
	entityType = strings.TrimSpace(entityType)
	entityID = strings.TrimSpace(entityID)
	if entityType == "" || entityID == "" {
		return ""
	}
	return entityType + ":" + entityID
}

func (e Event) clone() Event {
	e.Details = copyDetails(e.Details)
	return e
}

func copyDetails(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
