package auth

import "sort"

// Principal represents an authenticated user with resolved role, permissions
// and entity scope.
type Principal struct {
	UserID       string
	Username     string
	Role         string
	SessionID    string
	Permissions  map[string]struct{}
	EntityAccess []string
}

// NewPrincipal constructs a principal with preloaded permissions.
func NewPrincipal(userID, username, role, sessionID string, perms, entities []string) Principal {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return Principal{
		UserID:       userID,
		Username:     username,
		Role:         role,
		SessionID:    sessionID,
		Permissions:  set,
		EntityAccess: append([]string(nil), entities...),
	}
}

// HasPermission reports whether the principal holds the permission key.
func (p Principal) HasPermission(key string) bool {
	_, ok := p.Permissions[key]
	return ok
}

// PermissionList returns the permissions in sorted order.
func (p Principal) PermissionList() []string {
	out := make([]string, 0, len(p.Permissions))
	for k := range p.Permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// CanAccessEntity reports whether entityID is within the principal's scope.
func (p Principal) CanAccessEntity(entityID string) bool {
	return entityInScope(p.EntityAccess, entityID)
}
