package auth

import (
	"fmt"
	"slices"
	"strings"
)

// Role is a closed set of privilege levels. Strings exist only at the
// serialization boundary; use ParseRole to cross it.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleAdmin
)

var roleNames = map[Role]string{
	RoleUser:  "USER",
	RoleAdmin: "ADMIN",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole maps a wire value to a Role. Matching is case-insensitive and
// ignores surrounding whitespace.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "USER":
		return RoleUser, nil
	case "ADMIN":
		return RoleAdmin, nil
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: unknown role %d", ErrInvalidInput, uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Roles is a duplicate-free, ordered set of roles.
type Roles []Role

// NewRoles builds a normalised set from rs.
func NewRoles(rs ...Role) Roles {
	out := make(Roles, 0, len(rs))
	for _, r := range rs {
		if r.Valid() && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	slices.Sort(out)
	return out
}

// ParseRoles converts wire values, rejecting the whole set on any unknown entry.
func ParseRoles(values []string) (Roles, error) {
	rs := make([]Role, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			continue
		}
		r, err := ParseRole(v)
		if err != nil {
			return nil, err
		}
		rs = append(rs, r)
	}
	return NewRoles(rs...), nil
}

func (rs Roles) Has(r Role) bool {
	return slices.Contains(rs, r)
}

// With returns the set including r and whether r was newly added.
func (rs Roles) With(r Role) (Roles, bool) {
	if rs.Has(r) {
		return rs, false
	}
	return NewRoles(append(slices.Clone(rs), r)...), true
}

// Without returns the set excluding r and whether r was present.
func (rs Roles) Without(r Role) (Roles, bool) {
	if !rs.Has(r) {
		return rs, false
	}
	out := make(Roles, 0, len(rs)-1)
	for _, have := range rs {
		if have != r {
			out = append(out, have)
		}
	}
	return out, true
}

func (rs Roles) Strings() []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

func (rs Roles) MarshalJSON() ([]byte, error) {
	if len(rs) == 0 {
		return []byte("[]"), nil
	}
	return []byte(`["` + strings.Join(rs.Strings(), `","`) + `"]`), nil
}
