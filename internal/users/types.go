// Package users owns account lifecycle: registration, profile edits, password
// changes, role assignment with its audit trail, and soft deletion.
package users

import (
	"strings"
	"time"

	"shopfront.dev/internal/auth"
)

// Account is a registered user. PasswordHash never leaves the service layer.
type Account struct {
	ID           int64      `json:"id"`
	Email        string     `json:"email"`
	Username     string     `json:"username,omitempty"`
	FirstName    string     `json:"firstName,omitempty"`
	LastName     string     `json:"lastName,omitempty"`
	PasswordHash string     `json:"-"`
	Roles        auth.Roles `json:"roles"`
	Enabled      bool       `json:"enabled"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// Active reports whether the account may authenticate.
func (a Account) Active() bool {
	return a.Enabled && a.DeletedAt == nil
}

// IsActiveAdmin reports whether the account counts towards the admin quorum.
func (a Account) IsActiveAdmin() bool {
	return a.Active() && a.Roles.Has(auth.RoleAdmin)
}

func (a Account) identity() auth.Identity {
	return auth.Identity{
		UserID:       a.ID,
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		Roles:        a.Roles,
		Active:       a.Active(),
	}
}

func (a Account) clone() Account {
	out := a
	out.Roles = append(auth.Roles(nil), a.Roles...)
	if a.DeletedAt != nil {
		at := *a.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// RoleAction is the direction of a role change.
type RoleAction string

const (
	RoleAdded   RoleAction = "ADDED"
	RoleRemoved RoleAction = "REMOVED"
)

// RoleChange is an append-only audit entry. Emails are copied at write time
// so the entry stays readable after either account is deleted.
type RoleChange struct {
	ID              string     `json:"id"`
	UserID          int64      `json:"userId"`
	ChangedByUserID int64      `json:"changedByUserId"`
	Role            auth.Role  `json:"role"`
	Action          RoleAction `json:"action"`
	ChangedAt       time.Time  `json:"changedAt"`
	UserEmail       string     `json:"userEmail"`
	ChangedByEmail  string     `json:"changedByEmail"`
}

// Registration is the input for creating an account.
type Registration struct {
	Email     string `json:"email"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Password  string `json:"password"`
}

// ProfileUpdate carries optional profile edits. Nil fields are left unchanged.
type ProfileUpdate struct {
	Email     *string `json:"email"`
	Username  *string `json:"username"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
}

// PasswordChange is the input for ChangePassword.
type PasswordChange struct {
	OldPassword     string `json:"oldPassword"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// SortKey selects the ordering of List.
type SortKey string

const (
	SortByEmail     SortKey = "email"
	SortByFirstName SortKey = "firstName"
	SortByLastName  SortKey = "lastName"
	SortByUsername  SortKey = "username"
)

// ParseSortKey maps a query parameter to a SortKey, falling back to email for
// anything outside the whitelist.
func ParseSortKey(s string) SortKey {
	switch SortKey(strings.TrimSpace(s)) {
	case SortByFirstName:
		return SortByFirstName
	case SortByLastName:
		return SortByLastName
	case SortByUsername:
		return SortByUsername
	}
	return SortByEmail
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
