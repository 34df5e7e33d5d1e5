// Package security aggregates route authorization rules contributed by feature
// areas into a single ordered, first-match-wins policy.
package security

import (
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/gobwas/glob"

	"shopfront.dev/internal/auth"
)

// AnyMethod matches every HTTP method.
const AnyMethod = ""

// Access is the requirement a matching rule imposes.
type Access uint8

const (
	PermitAll Access = iota + 1
	Authenticated
	HasRole
)

func (a Access) String() string {
	switch a {
	case PermitAll:
		return "permitAll"
	case Authenticated:
		return "authenticated"
	case HasRole:
		return "hasRole"
	}
	return "unknown"
}

// Rule binds a method and path pattern to a requirement.
type Rule struct {
	Method  string
	Pattern string
	Access  Access
	Role    auth.Role
	Source  string

	matcher glob.Glob
}

func (r Rule) String() string {
	method := r.Method
	if method == AnyMethod {
		method = "*"
	}
	if r.Access == HasRole {
		return fmt.Sprintf("%s %s hasRole(%s) [%s]", method, r.Pattern, r.Role, r.Source)
	}
	return fmt.Sprintf("%s %s %s [%s]", method, r.Pattern, r.Access, r.Source)
}

func (r Rule) matches(method, p string) bool {
	if r.Method != AnyMethod && !strings.EqualFold(r.Method, method) {
		return false
	}
	return r.matcher.Match(p)
}

// compilePattern turns an ant-style pattern into a glob. '*' stays within a
// path segment, '**' spans segments, and a trailing "/**" also matches the
// bare prefix.
func compilePattern(pattern string) (glob.Glob, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("security: pattern %q must start with /", pattern)
	}
	expr := pattern
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok && prefix != "" {
		expr = "{" + prefix + "," + pattern + "}"
	}
	return glob.Compile(expr, '/')
}

// NormalizePath cleans a request path before matching so that dot segments and
// duplicate slashes cannot sidestep a rule.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Builder accumulates rules. It only ever appends.
type Builder struct {
	source string
	rules  []Rule
	err    error
}

func (b *Builder) add(access Access, role auth.Role, method string, patterns []string) *Builder {
	if b.err != nil {
		return b
	}
	if len(patterns) == 0 {
		b.err = fmt.Errorf("security: %s: rule without patterns", b.source)
		return b
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method != AnyMethod && !knownMethod(method) {
		b.err = fmt.Errorf("security: %s: unknown method %q", b.source, method)
		return b
	}
	for _, p := range patterns {
		m, err := compilePattern(p)
		if err != nil {
			b.err = fmt.Errorf("security: %s: %w", b.source, err)
			return b
		}
		b.rules = append(b.rules, Rule{
			Method:  method,
			Pattern: p,
			Access:  access,
			Role:    role,
			Source:  b.source,
			matcher: m,
		})
	}
	return b
}

// Permit lets anyone through, authenticated or not.
func (b *Builder) Permit(method string, patterns ...string) *Builder {
	return b.add(PermitAll, 0, method, patterns)
}

// Authenticated requires any valid identity.
func (b *Builder) Authenticated(method string, patterns ...string) *Builder {
	return b.add(Authenticated, 0, method, patterns)
}

// Role requires an identity holding role.
func (b *Builder) Role(role auth.Role, method string, patterns ...string) *Builder {
	if !role.Valid() && b.err == nil {
		b.err = fmt.Errorf("security: %s: invalid role", b.source)
		return b
	}
	return b.add(HasRole, role, method, patterns)
}

func knownMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodOptions, http.MethodConnect, http.MethodTrace:
		return true
	}
	return false
}
