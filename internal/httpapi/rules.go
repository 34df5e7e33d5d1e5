package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/security"
)

// DefaultRules lists every feature area's contribution in evaluation order.
// Feature areas served by other deployments still declare their rules here so
// that a shared gateway policy stays in one place.
func DefaultRules() *security.Registry {
	return security.NewRegistry().
		Register("ops", opsRules).
		Register("docs", docsRules).
		Register("auth", authRules).
		Register("users", userRules).
		Register("admin", adminRules).
		Register("products", productRules).
		Register("checkout", checkoutRules)
}

func adminRules(b *security.Builder) *security.Builder {
	return b.Role(auth.RoleAdmin, security.AnyMethod, "/admin/**")
}

func productRules(b *security.Builder) *security.Builder {
	return b.
		Permit(http.MethodGet, "/products/**").
		Role(auth.RoleAdmin, http.MethodPost, "/products/**").
		Role(auth.RoleAdmin, http.MethodPut, "/products/**").
		Role(auth.RoleAdmin, http.MethodDelete, "/products/**")
}

func checkoutRules(b *security.Builder) *security.Builder {
	return b.Permit(http.MethodPost, "/checkout/webhook")
}

type ruleView struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern"`
	Access  string `json:"access"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

func (a *API) mountAdmin(r chi.Router) {
	r.Get("/admin/security/rules", a.handleListRules)
}

// handleListRules returns the compiled policy in evaluation order.
func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := a.policy.Rules()
	out := make([]ruleView, 0, len(rules))
	for _, rule := range rules {
		v := ruleView{
			Method:  rule.Method,
			Pattern: rule.Pattern,
			Access:  rule.Access.String(),
			Source:  rule.Source,
		}
		if v.Method == security.AnyMethod {
			v.Method = "*"
		}
		if rule.Access == security.HasRole {
			v.Role = rule.Role.String()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": out})
}
