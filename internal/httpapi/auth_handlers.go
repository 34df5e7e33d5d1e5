package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"shopfront.dev/internal/audit"
	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/obs"
	"shopfront.dev/internal/security"
)

const (
	refreshCookieName = "refreshToken"
	refreshCookiePath = "/auth/refresh"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (r loginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required),
	)
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"tokenType"`
	ExpiresIn int64  `json:"expiresIn"`
}

func authRules(b *security.Builder) *security.Builder {
	return b.
		Permit(http.MethodPost, "/auth/login", "/auth/refresh", "/auth/revoke-refresh-token", "/auth/logout").
		Authenticated(http.MethodGet, "/auth/me")
}

func (a *API) mountAuth(r chi.Router) {
	r.With(a.limiter.middleware).Post("/auth/login", a.handleLogin)
	r.With(a.limiter.middleware).Post("/auth/refresh", a.handleRefresh)
	r.Post("/auth/revoke-refresh-token", a.handleRevokeRefresh)
	r.Post("/auth/logout", a.handleRevokeRefresh)
	r.Get("/auth/me", a.handleMe)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, auth.KindInvalidInput, err.Error())
		return
	}

	sess, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationInvalid) {
			obs.ObserveLogin("failure")
			_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{"ip": clientIP(r)})
			writeError(w, r, auth.KindAuthenticationInvalid, "invalid email or password")
			return
		}
		obs.ObserveLogin("error")
		writeServiceError(w, r, err)
		return
	}
	obs.ObserveLogin("success")
	_ = audit.LogEvent(r.Context(), "auth.login.succeeded", map[string]any{"user_id": sess.UserID, "jti": sess.Access.ID})

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    sess.Refresh.Raw,
		Path:     refreshCookiePath,
		MaxAge:   int(sess.Refresh.ExpiresIn().Seconds()),
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, accessResponse(sess.Access))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookieName)
	if err != nil || c.Value == "" {
		writeError(w, r, auth.KindAuthenticationMissing, "refresh token required")
		return
	}
	tok, err := a.auth.Refresh(r.Context(), c.Value)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationInvalid) {
			writeError(w, r, auth.KindAuthenticationInvalid, "invalid or expired refresh token")
			return
		}
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.refreshed", map[string]any{"user_id": tok.Subject, "jti": tok.ID})
	writeJSON(w, http.StatusOK, accessResponse(tok))
}

// handleRevokeRefresh tells the client to drop its refresh cookie. Tokens
// already issued stay valid until they expire.
func (a *API) handleRevokeRefresh(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, err := auth.RequirePrincipal(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.Get(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func accessResponse(t auth.Token) tokenResponse {
	return tokenResponse{
		Token:     t.Raw,
		TokenType: "Bearer",
		ExpiresIn: int64(t.ExpiresIn().Seconds()),
	}
}
