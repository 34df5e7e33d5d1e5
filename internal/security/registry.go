package security

import (
	"fmt"

	"shopfront.dev/internal/auth"
)

// Contribution adds one feature area's rules to the shared builder and returns
// the same builder.
type Contribution func(b *Builder) *Builder

type namedContribution struct {
	name  string
	apply Contribution
}

// Registry is the explicit, ordered list of contributions. Registration order
// is evaluation order.
type Registry struct {
	contributions []namedContribution
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a named contribution.
func (r *Registry) Register(name string, c Contribution) *Registry {
	r.contributions = append(r.contributions, namedContribution{name: name, apply: c})
	return r
}

// Names lists contributions in evaluation order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.contributions))
	for i, c := range r.contributions {
		out[i] = c.name
	}
	return out
}

// Compile applies every contribution and closes the policy with a catch-all
// rule requiring authentication.
func (r *Registry) Compile() (*Policy, error) {
	var rules []Rule
	seen := make(map[string]struct{}, len(r.contributions))
	for _, c := range r.contributions {
		if c.name == "" {
			return nil, fmt.Errorf("security: unnamed contribution")
		}
		if _, dup := seen[c.name]; dup {
			return nil, fmt.Errorf("security: contribution %q registered twice", c.name)
		}
		seen[c.name] = struct{}{}

		b := &Builder{source: c.name}
		if out := c.apply(b); out != b {
			return nil, fmt.Errorf("security: contribution %q must return the builder it was given", c.name)
		}
		if b.err != nil {
			return nil, b.err
		}
		rules = append(rules, b.rules...)
	}

	fallback := &Builder{source: "fallback"}
	fallback.Authenticated(AnyMethod, "/**")
	if fallback.err != nil {
		return nil, fallback.err
	}
	rules = append(rules, fallback.rules...)
	return &Policy{rules: rules}, nil
}

// Decision is the outcome of evaluating a request against the policy.
type Decision uint8

const (
	Allow Decision = iota + 1
	// DenyUnauthenticated means an identity is required and none was presented.
	DenyUnauthenticated
	// DenyForbidden means the identity lacks the required role.
	DenyForbidden
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "unauthenticated"
	case DenyForbidden:
		return "forbidden"
	}
	return "unknown"
}

// Policy is the compiled, immutable rule list.
type Policy struct {
	rules []Rule
}

// Rules returns a copy of the compiled rules in evaluation order.
func (p *Policy) Rules() []Rule {
	return append([]Rule(nil), p.rules...)
}

// Match returns the first rule matching method and path.
func (p *Policy) Match(method, path string) (Rule, bool) {
	path = NormalizePath(path)
	for _, r := range p.rules {
		if r.matches(method, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Evaluate decides whether a request may proceed. principal is nil for
// anonymous requests. Requests no rule matches require authentication.
func (p *Policy) Evaluate(method, path string, principal *auth.Principal) (Decision, Rule) {
	rule, ok := p.Match(method, path)
	if !ok {
		rule = Rule{Method: AnyMethod, Pattern: path, Access: Authenticated, Source: "unmatched"}
	}
	switch rule.Access {
	case PermitAll:
		return Allow, rule
	case HasRole:
		if principal == nil {
			return DenyUnauthenticated, rule
		}
		if !principal.HasRole(rule.Role) {
			return DenyForbidden, rule
		}
		return Allow, rule
	default:
		if principal == nil {
			return DenyUnauthenticated, rule
		}
		return Allow, rule
	}
}
