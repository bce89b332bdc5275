package rbac

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPermissionDenied      = errors.New("rbac: permission denied")
	ErrBusinessRuleViolation = errors.New("rbac: business rule violation")
	ErrUnknownResourcePolicy = errors.New("rbac: unknown resource policy")
	ErrUnknownRole           = errors.New("rbac: unknown role")
	ErrRoleCycle             = errors.New("rbac: role inheritance cycle")
)

// PermissionDeniedError lists the permissions the principal is missing.
type PermissionDeniedError struct {
	ResourceType string
	Action       string
	Missing      []string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("%s: %s on %s requires %s", ErrPermissionDenied, e.Action, e.ResourceType, strings.Join(e.Missing, ", "))
}

func (e *PermissionDeniedError) Is(target error) bool { return target == ErrPermissionDenied }

// RuleViolationError names the business rule that denied the request.
type RuleViolationError struct {
	Rule    string
	Detail  string
	Missing []string
}

func (e *RuleViolationError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrBusinessRuleViolation, e.Rule, e.Detail)
	if len(e.Missing) > 0 {
		msg += " (requires " + strings.Join(e.Missing, ", ") + ")"
	}
	return msg
}

func (e *RuleViolationError) Is(target error) bool { return target == ErrBusinessRuleViolation }

// CycleError reports a role that is its own ancestor. Path starts and ends
// with the same role.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrRoleCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Is(target error) bool { return target == ErrRoleCycle }
