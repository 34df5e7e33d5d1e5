package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
	"shopfront.dev/internal/security"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var errNoBearer = errors.New("no bearer token")

type authFailureKey struct{}

// Authenticator is the part of auth.Service the filter needs.
type Authenticator interface {
	Authenticate(raw string) (auth.Principal, error)
}

// Authenticate is the authentication filter. It attaches a Principal when a
// valid access token is presented and otherwise passes the request on
// untouched; rejecting is left to Authorize.
func Authenticate(authn Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if errors.Is(err, errNoBearer) {
				next.ServeHTTP(w, r)
				return
			}
			if err == nil {
				var p auth.Principal
				p, err = authn.Authenticate(token)
				obs.ObserveTokenValidation(auth.InvalidReason(err))
				if err == nil {
					next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), p)))
					return
				}
			}
			// remember why, so a later 401 can say "invalid" rather than "missing"
			ctx := context.WithValue(r.Context(), authFailureKey{}, err)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Authorize enforces the compiled route policy: 401 when an identity is
// required and absent, 403 when the identity lacks the role.
func Authorize(policy *security.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *auth.Principal
			if p, ok := auth.PrincipalFromContext(r.Context()); ok {
				principal = &p
			}
			decision, rule := policy.Evaluate(r.Method, r.URL.Path, principal)
			obs.ObserveAuthzDecision(decision.String())
			switch decision {
			case security.Allow:
				next.ServeHTTP(w, r)
			case security.DenyForbidden:
				writeError(w, r, auth.KindAuthorizationDenied, "requires role "+rule.Role.String())
			default:
				if failure, _ := r.Context().Value(authFailureKey{}).(error); failure != nil {
					writeError(w, r, auth.KindAuthenticationInvalid, "invalid or expired token")
					return
				}
				writeError(w, r, auth.KindAuthenticationMissing, "authentication required")
			}
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errNoBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", auth.ErrTokenMalformed
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", auth.ErrTokenMalformed
	}
	return token, nil
}
