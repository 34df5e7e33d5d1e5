package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/security"
	"shopfront.dev/internal/users"
)

type roleRequest struct {
	Role string `json:"role"`
}

func (r roleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Role, validation.Required, validation.In("USER", "ADMIN").Error("role must be USER or ADMIN")),
	)
}

func userRules(b *security.Builder) *security.Builder {
	return b.
		Permit(http.MethodPost, "/users").
		Role(auth.RoleAdmin, http.MethodGet, "/users").
		Role(auth.RoleAdmin, security.AnyMethod, "/users/*/roles", "/users/*/roles/*", "/users/*/role-changes").
		Role(auth.RoleAdmin, http.MethodDelete, "/users/*").
		Authenticated(security.AnyMethod, "/users/**")
}

func (a *API) mountUsers(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/", a.handleRegister)
		r.Get("/", a.handleListUsers)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetUser)
			r.Put("/", a.handleUpdateUser)
			r.Delete("/", a.handleDeleteUser)
			r.Post("/change-password", a.handleChangePassword)
			r.Get("/roles", a.handleGetRoles)
			r.Post("/roles", a.handleAddRole)
			r.Delete("/roles", a.handleRemoveRole)
			r.Delete("/roles/{role}", a.handleRemoveRole)
			r.Get("/role-changes", a.handleRoleChanges)
		})
	})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: user id must be a positive integer", auth.ErrInvalidInput)
	}
	return id, nil
}

// actorAndTarget resolves the acting principal and the {id} path parameter.
func actorAndTarget(w http.ResponseWriter, r *http.Request) (auth.Principal, int64, bool) {
	p, err := auth.RequirePrincipal(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return auth.Principal{}, 0, false
	}
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, err)
		return auth.Principal{}, 0, false
	}
	return p, id, true
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req users.Registration
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.Register(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/users/%d", acc.ID))
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := a.users.List(r.Context(), r.URL.Query().Get("sort"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []users.Account{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndTarget(w, r)
	if !ok {
		return
	}
	var req users.ProfileUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.UpdateProfile(r.Context(), actor, id, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndTarget(w, r)
	if !ok {
		return
	}
	if err := a.users.SoftDelete(r.Context(), actor, id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndTarget(w, r)
	if !ok {
		return
	}
	var req users.PasswordChange
	if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if err := a.users.ChangePassword(r.Context(), actor, id, req); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetRoles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	roles, err := a.users.Roles(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// roleFromRequest reads the role from the {role} path segment or the JSON body.
func roleFromRequest(r *http.Request) (auth.Role, error) {
	req := roleRequest{Role: chi.URLParam(r, "role")}
	if req.Role == "" {
		if err := decodeJSON(r, &req); err != nil {
			return 0, err
		}
	}
	if err := req.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %s", auth.ErrInvalidInput, err.Error())
	}
	return auth.ParseRole(req.Role)
}

func (a *API) handleAddRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndTarget(w, r)
	if !ok {
		return
	}
	role, err := roleFromRequest(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.AddRole(r.Context(), actor, id, role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := actorAndTarget(w, r)
	if !ok {
		return
	}
	role, err := roleFromRequest(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	acc, err := a.users.RemoveRole(r.Context(), actor, id, role)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleRoleChanges(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	changes, err := a.users.RoleChanges(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if changes == nil {
		changes = []users.RoleChange{}
	}
	writeJSON(w, http.StatusOK, changes)
}
