package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// RoleDef is one row of the role table: direct grants plus parent roles.
type RoleDef struct {
	Name        string   `mapstructure:"name" json:"name"`
	Description string   `mapstructure:"description" json:"description"`
	Permissions []string `mapstructure:"permissions" json:"permissions"`
	Inherits    []string `mapstructure:"inherits" json:"inherits"`
}

// RoleDescription is the resolved view of a role.
type RoleDescription struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Inherits    []string `json:"inherits"`
	Ancestors   []string `json:"ancestors"`
	Permissions []string `json:"permissions"`
}

// RoleGraph is the role inheritance DAG with every role's permission set
// resolved once at construction. It is immutable afterwards.
type RoleGraph struct {
	defs      map[string]RoleDef
	resolved  map[string][]string
	ancestors map[string][]string
}

// NewRoleGraph validates defs and resolves every role. Unknown parents fail
// with ErrUnknownRole and cycles with *CycleError.
func NewRoleGraph(defs []RoleDef) (*RoleGraph, error) {
	g := &RoleGraph{
		defs:      make(map[string]RoleDef, len(defs)),
		resolved:  make(map[string][]string, len(defs)),
		ancestors: make(map[string][]string, len(defs)),
	}
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role without a name", ErrUnknownRole)
		}
		if _, dup := g.defs[name]; dup {
			return nil, fmt.Errorf("rbac: duplicate role %q", name)
		}
		d.Name = name
		g.defs[name] = d
	}
	for name, d := range g.defs {
		for _, parent := range d.Inherits {
			if _, ok := g.defs[parent]; !ok {
				return nil, fmt.Errorf("%w: %q inherits from %q", ErrUnknownRole, name, parent)
			}
		}
	}
	if err := DetectCycle(defs); err != nil {
		return nil, err
	}
	for name := range g.defs {
		g.resolve(name)
	}
	return g, nil
}

// MustDefaultGraph builds the built-in role table.
func MustDefaultGraph() *RoleGraph {
	g, err := NewRoleGraph(DefaultRoles())
	if err != nil {
		panic(err)
	}
	return g
}

// resolve fills the memo for name. Only called after DetectCycle passed.
func (g *RoleGraph) resolve(name string) ([]string, []string) {
	if perms, ok := g.resolved[name]; ok {
		return perms, g.ancestors[name]
	}
	d := g.defs[name]
	permSet := make(map[string]struct{})
	ancSet := make(map[string]struct{})
	for _, p := range d.Permissions {
		permSet[p] = struct{}{}
	}
	for _, parent := range d.Inherits {
		ancSet[parent] = struct{}{}
		pp, pa := g.resolve(parent)
		for _, p := range pp {
			permSet[p] = struct{}{}
		}
		for _, a := range pa {
			ancSet[a] = struct{}{}
		}
	}
	perms := sortedKeys(permSet)
	anc := sortedKeys(ancSet)
	g.resolved[name] = perms
	g.ancestors[name] = anc
	return perms, anc
}

// DetectCycle reports the first inheritance cycle in defs as *CycleError.
// Parents missing from defs are ignored.
func DetectCycle(defs []RoleDef) error {
	parents := make(map[string][]string, len(defs))
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		name := strings.TrimSpace(d.Name)
		parents[name] = d.Inherits
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var stack []string
	var visit func(string) error
	visit = func(name string) error {
		switch state[name] {
		case visiting:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			path := append(append([]string(nil), stack[start:]...), name)
			return &CycleError{Path: path}
		case done:
			return nil
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, p := range parents[name] {
			if _, known := parents[p]; !known {
				continue
			}
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}
	for _, name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// ResolvePermissions returns the direct and inherited permissions of role.
func (g *RoleGraph) ResolvePermissions(role string) ([]string, error) {
	perms, ok := g.resolved[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return append([]string(nil), perms...), nil
}

// Has reports whether role is defined.
func (g *RoleGraph) Has(role string) bool {
	_, ok := g.defs[role]
	return ok
}

// Roles lists role names in sorted order.
func (g *RoleGraph) Roles() []string {
	out := make([]string, 0, len(g.defs))
	for name := range g.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Describe returns the resolved view of role.
func (g *RoleGraph) Describe(role string) (RoleDescription, error) {
	d, ok := g.defs[role]
	if !ok {
		return RoleDescription{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return RoleDescription{
		Name:        d.Name,
		Description: d.Description,
		Inherits:    append([]string(nil), d.Inherits...),
		Ancestors:   append([]string(nil), g.ancestors[role]...),
		Permissions: append([]string(nil), g.resolved[role]...),
	}, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
