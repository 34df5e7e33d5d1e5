package auth

import "context"

type principalContextKey struct{}

// Principal is the authenticated identity attached to a request. It is derived
// from a validated access token and never from caller-supplied fields.
type Principal struct {
	UserID  int64
	Roles   Roles
	TokenID string
}

func (p Principal) HasRole(r Role) bool {
	return p.Roles.Has(r)
}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}

// RequirePrincipal is PrincipalFromContext for code paths that must not run
// anonymously.
func RequirePrincipal(ctx context.Context) (Principal, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return Principal{}, ErrAuthenticationMissing
	}
	return p, nil
}
