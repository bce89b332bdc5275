package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/treasuryops/guard/internal/ids"
)

// RoleResolver derives the full permission set of a role, inheritance included.
type RoleResolver interface {
	ResolvePermissions(role string) ([]string, error)
}

type userRecord struct {
	mu   sync.Mutex
	user User
}

// Directory is the in-process user store. The table lock guards membership;
// each record has its own lock for read-modify-write of that user.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]*userRecord
	byID   map[string]*userRecord
	roles  RoleResolver
	now    func() time.Time
}

// NewDirectory creates an empty directory. now defaults to time.Now.
func NewDirectory(roles RoleResolver, now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		byName: make(map[string]*userRecord),
		byID:   make(map[string]*userRecord),
		roles:  roles,
		now:    now,
	}
}

// Create adds a user. Usernames are case-insensitive and unique.
func (d *Directory) Create(nu NewUser) (User, error) {
	username := normalizeUsername(nu.Username)
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	role := strings.TrimSpace(nu.Role)
	if role == "" {
		return User{}, fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	perms, err := d.resolve(role)
	if err != nil {
		return User{}, err
	}
	hash := strings.TrimSpace(nu.PasswordHash)
	if hash == "" {
		if err := validateNewPassword(nu.Password); err != nil {
			return User{}, err
		}
		if hash, err = HashPassword(nu.Password); err != nil {
			return User{}, err
		}
	}

	now := d.now().UTC()
	u := User{
		ID:           ids.Prefixed("usr"),
		Username:     username,
		Email:        strings.ToLower(strings.TrimSpace(nu.Email)),
		Role:         role,
		Permissions:  perms,
		EntityAccess: dedupe(nu.EntityAccess),
		Active:       !nu.Inactive,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.byName[username]; exists {
		return User{}, fmt.Errorf("%w: user %q", ErrConflict, username)
	}
	rec := &userRecord{user: u}
	d.byName[username] = rec
	d.byID[u.ID] = rec
	return u.clone(), nil
}

// Get returns the user by username.
func (d *Directory) Get(username string) (User, error) {
	rec, err := d.record(username)
	if err != nil {
		return User{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.user.clone(), nil
}

// GetByID returns the user by id.
func (d *Directory) GetByID(id string) (User, error) {
	d.mu.RLock()
	rec, ok := d.byID[id]
	d.mu.RUnlock()
	if !ok {
		return User{}, fmt.Errorf("%w: id %q", ErrUserNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.user.clone(), nil
}

// List returns every user sorted by username.
func (d *Directory) List() []User {
	d.mu.RLock()
	recs := make([]*userRecord, 0, len(d.byName))
	for _, rec := range d.byName {
		recs = append(recs, rec)
	}
	d.mu.RUnlock()

	out := make([]User, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.user.clone())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Update applies fn to the user under the record lock. Changes made by fn
// are kept even when fn returns an error, so failure counters persist.
func (d *Directory) Update(username string, fn func(u *User) error) (User, error) {
	rec, err := d.record(username)
	if err != nil {
		return User{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	u := rec.user.clone()
	ferr := fn(&u)
	u.UpdatedAt = d.now().UTC()
	rec.user = u
	return u.clone(), ferr
}

// SetRole changes the role and re-derives the permission set.
func (d *Directory) SetRole(username, role string) (User, error) {
	role = strings.TrimSpace(role)
	perms, err := d.resolve(role)
	if err != nil {
		return User{}, err
	}
	return d.Update(username, func(u *User) error {
		u.Role = role
		u.Permissions = perms
		return nil
	})
}

// SetActive flips the active flag. Users are never deleted.
func (d *Directory) SetActive(username string, active bool) (User, error) {
	return d.Update(username, func(u *User) error {
		u.Active = active
		return nil
	})
}

// SetEntityAccess replaces the entity scope.
func (d *Directory) SetEntityAccess(username string, entities []string) (User, error) {
	return d.Update(username, func(u *User) error {
		u.EntityAccess = dedupe(entities)
		return nil
	})
}

func (d *Directory) record(username string) (*userRecord, error) {
	key := normalizeUsername(username)
	d.mu.RLock()
	rec, ok := d.byName[key]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUserNotFound, key)
	}
	return rec, nil
}

func (d *Directory) resolve(role string) ([]string, error) {
	if d.roles == nil {
		return nil, fmt.Errorf("%w: no role resolver configured", ErrInvalidInput)
	}
	perms, err := d.roles.ResolvePermissions(role)
	if err != nil {
		return nil, fmt.Errorf("%w: role %q: %w", ErrInvalidInput, role, err)
	}
	return perms, nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
