package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"

	"shopfront.dev/internal/audit"
	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/events"
	"shopfront.dev/internal/ids"
	"shopfront.dev/internal/obs"
)

const unknownEmail = "unknown"

// Service implements the account lifecycle. The acting user is always the
// Principal resolved from the request's access token.
type Service struct {
	store     Store
	publisher events.Publisher
	policy    auth.PasswordPolicy
	now       func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithPublisher sets the destination for post-commit events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithPasswordPolicy overrides the default password rules.
func WithPasswordPolicy(p auth.PasswordPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		publisher: events.Nop{},
		policy:    auth.DefaultPasswordPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an enabled account holding the USER role.
func (s *Service) Register(ctx context.Context, r Registration) (Account, error) {
	r.Email = normalizeEmail(r.Email)
	r.Username = strings.TrimSpace(r.Username)
	if err := s.validateRegistration(r); err != nil {
		return Account{}, err
	}
	hash, err := auth.HashPassword(r.Password)
	if err != nil {
		return Account{}, err
	}

	acc := Account{
		Email:        r.Email,
		Username:     r.Username,
		FirstName:    strings.TrimSpace(r.FirstName),
		LastName:     strings.TrimSpace(r.LastName),
		PasswordHash: hash,
		Roles:        auth.NewRoles(auth.RoleUser),
		Enabled:      true,
	}
	err = s.store.InTx(ctx, func(tx Tx) error {
		if err := checkUnique(ctx, tx, acc.Email, acc.Username, 0); err != nil {
			return err
		}
		return tx.Insert(ctx, &acc)
	})
	if err != nil {
		return Account{}, err
	}
	s.publish(ctx, events.New(events.TypeUserRegistered, acc.ID, 0, nil))
	return acc, nil
}

func (s *Service) validateRegistration(r Registration) error {
	err := validation.ValidateStruct(&r,
		validation.Field(&r.Email, validation.Required, validation.Length(0, 255), is.Email),
		validation.Field(&r.Username, validation.Length(3, 255)),
		validation.Field(&r.FirstName, validation.Length(0, 255)),
		validation.Field(&r.LastName, validation.Length(0, 255)),
		validation.Field(&r.Password, s.policy.Rules()...),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, err.Error())
	}
	return nil
}

func checkUnique(ctx context.Context, tx Tx, email, username string, exceptID int64) error {
	if email != "" {
		taken, err := tx.EmailTaken(ctx, email, exceptID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: email already registered", auth.ErrDuplicateResource)
		}
	}
	if username != "" {
		taken, err := tx.UsernameTaken(ctx, username, exceptID)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: username already taken", auth.ErrDuplicateResource)
		}
	}
	return nil
}

// Get returns a non-deleted account.
func (s *Service) Get(ctx context.Context, id int64) (Account, error) {
	return s.store.FindByID(ctx, id)
}

// List returns every non-deleted account ordered by sort. Unknown keys sort by email.
func (s *Service) List(ctx context.Context, sort string) ([]Account, error) {
	return s.store.List(ctx, ParseSortKey(sort))
}

// Roles returns the role set of a non-deleted account.
func (s *Service) Roles(ctx context.Context, id int64) (auth.Roles, error) {
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return acc.Roles, nil
}

// RoleChanges returns the audit trail for id, including soft-deleted accounts.
func (s *Service) RoleChanges(ctx context.Context, id int64) ([]RoleChange, error) {
	if _, err := s.store.FindIncludingDeleted(ctx, id); err != nil {
		return nil, err
	}
	return s.store.RoleChanges(ctx, id)
}

// AddRole grants role to the target. Granting a held role is a no-op and
// writes no audit entry.
func (s *Service) AddRole(ctx context.Context, actor auth.Principal, targetID int64, role auth.Role) (Account, error) {
	if !role.Valid() {
		return Account{}, fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	}
	var (
		out   Account
		entry *RoleChange
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		target, err := tx.Get(ctx, targetID)
		if err != nil {
			return err
		}
		roles, added := target.Roles.With(role)
		if !added {
			out = target
			return nil
		}
		target.Roles = roles
		now := s.now().UTC()
		if err := tx.Update(ctx, target, now); err != nil {
			return err
		}
		c, err := s.recordRoleChange(ctx, tx, target, actor, role, RoleAdded, now)
		if err != nil {
			return err
		}
		out, entry = target, &c
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.afterRoleChange(ctx, entry)
	return out, nil
}

// RemoveRole revokes role from the target. Removing a role the target does not
// hold is a no-op. The target must keep at least one role, an actor cannot
// drop their own ADMIN role, and the last active ADMIN cannot lose it.
func (s *Service) RemoveRole(ctx context.Context, actor auth.Principal, targetID int64, role auth.Role) (Account, error) {
	if !role.Valid() {
		return Account{}, fmt.Errorf("%w: unknown role", auth.ErrInvalidInput)
	}
	var (
		out   Account
		entry *RoleChange
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		// admin rows are always locked before the target row
		var admins []int64
		if role == auth.RoleAdmin {
			var err error
			if admins, err = tx.LockActiveAdmins(ctx); err != nil {
				return err
			}
		}
		target, err := tx.Get(ctx, targetID)
		if err != nil {
			return err
		}
		if role == auth.RoleAdmin && actor.UserID == target.ID {
			return fmt.Errorf("%w: cannot remove your own ADMIN role", auth.ErrAccessDenied)
		}
		roles, removed := target.Roles.Without(role)
		if !removed {
			out = target
			return nil
		}
		if len(roles) == 0 {
			return fmt.Errorf("%w: user must keep at least one role", auth.ErrInvalidOperation)
		}
		if role == auth.RoleAdmin && target.IsActiveAdmin() && len(admins) <= 1 {
			return fmt.Errorf("%w: cannot remove the last ADMIN", auth.ErrInvalidOperation)
		}

		target.Roles = roles
		now := s.now().UTC()
		if err := tx.Update(ctx, target, now); err != nil {
			return err
		}
		c, err := s.recordRoleChange(ctx, tx, target, actor, role, RoleRemoved, now)
		if err != nil {
			return err
		}
		out, entry = target, &c
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.afterRoleChange(ctx, entry)
	return out, nil
}

func (s *Service) recordRoleChange(ctx context.Context, tx Tx, target Account, actor auth.Principal, role auth.Role, action RoleAction, at time.Time) (RoleChange, error) {
	actorEmail := unknownEmail
	if actor.UserID == target.ID {
		actorEmail = target.Email
	} else {
		a, err := tx.Get(ctx, actor.UserID)
		switch {
		case err == nil:
			actorEmail = a.Email
		case !errors.Is(err, auth.ErrNotFound):
			return RoleChange{}, err
		}
	}
	c := RoleChange{
		ID:              ids.NewAt(at),
		UserID:          target.ID,
		ChangedByUserID: actor.UserID,
		Role:            role,
		Action:          action,
		ChangedAt:       at,
		UserEmail:       target.Email,
		ChangedByEmail:  actorEmail,
	}
	return c, tx.AppendRoleChange(ctx, c)
}

func (s *Service) afterRoleChange(ctx context.Context, c *RoleChange) {
	if c == nil {
		return
	}
	obs.ObserveRoleChange(string(c.Action))
	typ := events.TypeRoleAdded
	if c.Action == RoleRemoved {
		typ = events.TypeRoleRemoved
	}
	_ = audit.LogEvent(ctx, typ, map[string]any{"target_id": c.UserID, "role": c.Role})
	s.publish(ctx, events.New(typ, c.UserID, c.ChangedByUserID, map[string]string{"role": c.Role.String()}))
}

// SoftDelete marks the target deleted and disabled in one step. Actors cannot
// delete themselves, and the last active ADMIN cannot be deleted.
func (s *Service) SoftDelete(ctx context.Context, actor auth.Principal, targetID int64) error {
	err := s.store.InTx(ctx, func(tx Tx) error {
		admins, err := tx.LockActiveAdmins(ctx)
		if err != nil {
			return err
		}
		target, err := tx.Get(ctx, targetID)
		if err != nil {
			return err
		}
		if actor.UserID == target.ID {
			return fmt.Errorf("%w: cannot delete your own account", auth.ErrAccessDenied)
		}
		if target.IsActiveAdmin() && len(admins) <= 1 {
			return fmt.Errorf("%w: cannot delete the last ADMIN", auth.ErrInvalidOperation)
		}
		now := s.now().UTC()
		target.DeletedAt = &now
		target.Enabled = false
		return tx.Update(ctx, target, now)
	})
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, events.TypeUserDeleted, map[string]any{"target_id": targetID})
	s.publish(ctx, events.New(events.TypeUserDeleted, targetID, actor.UserID, nil))
	return nil
}

// ChangePassword replaces the actor's own password after verifying the old one.
func (s *Service) ChangePassword(ctx context.Context, actor auth.Principal, targetID int64, req PasswordChange) error {
	if actor.UserID != targetID {
		return fmt.Errorf("%w: cannot change another user's password", auth.ErrAccessDenied)
	}
	err := s.store.InTx(ctx, func(tx Tx) error {
		target, err := tx.Get(ctx, targetID)
		if err != nil {
			return err
		}
		if err := auth.VerifyPassword(target.PasswordHash, req.OldPassword); err != nil {
			if errors.Is(err, auth.ErrInvalidCredential) {
				return fmt.Errorf("%w: old password is incorrect", auth.ErrInvalidCredential)
			}
			return err
		}
		if req.NewPassword != req.ConfirmPassword {
			return fmt.Errorf("%w: new password and confirmation do not match", auth.ErrInvalidOperation)
		}
		if err := s.policy.Validate(req.NewPassword); err != nil {
			return err
		}
		hash, err := auth.HashPassword(req.NewPassword)
		if err != nil {
			return err
		}
		target.PasswordHash = hash
		return tx.Update(ctx, target, s.now().UTC())
	})
	if err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, events.TypePasswordChanged, map[string]any{"target_id": targetID})
	s.publish(ctx, events.New(events.TypePasswordChanged, targetID, actor.UserID, nil))
	return nil
}

// UpdateProfile edits profile fields. The actor must be the target or hold ADMIN.
func (s *Service) UpdateProfile(ctx context.Context, actor auth.Principal, targetID int64, upd ProfileUpdate) (Account, error) {
	var out Account
	err := s.store.InTx(ctx, func(tx Tx) error {
		target, err := tx.Get(ctx, targetID)
		if err != nil {
			return err
		}
		if actor.UserID != target.ID {
			a, err := tx.Get(ctx, actor.UserID)
			if errors.Is(err, auth.ErrNotFound) {
				return fmt.Errorf("%w: acting account is not active", auth.ErrAccessDenied)
			}
			if err != nil {
				return err
			}
			if !a.Roles.Has(auth.RoleAdmin) {
				return fmt.Errorf("%w: cannot edit another user's profile", auth.ErrAccessDenied)
			}
		}

		next := target
		var newEmail, newUsername string
		if upd.Email != nil {
			next.Email = normalizeEmail(*upd.Email)
			if next.Email != target.Email {
				newEmail = next.Email
			}
		}
		if upd.Username != nil {
			next.Username = strings.TrimSpace(*upd.Username)
			if next.Username != target.Username {
				newUsername = next.Username
			}
		}
		if upd.FirstName != nil {
			next.FirstName = strings.TrimSpace(*upd.FirstName)
		}
		if upd.LastName != nil {
			next.LastName = strings.TrimSpace(*upd.LastName)
		}
		if err := validateProfile(next); err != nil {
			return err
		}
		if err := checkUnique(ctx, tx, newEmail, newUsername, target.ID); err != nil {
			return err
		}
		if err := tx.Update(ctx, next, s.now().UTC()); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.publish(ctx, events.New(events.TypeProfileUpdated, targetID, actor.UserID, nil))
	return out, nil
}

func validateProfile(a Account) error {
	err := validation.ValidateStruct(&a,
		validation.Field(&a.Email, validation.Required, validation.Length(0, 255), is.Email),
		validation.Field(&a.Username, validation.Length(3, 255)),
		validation.Field(&a.FirstName, validation.Length(0, 255)),
		validation.Field(&a.LastName, validation.Length(0, 255)),
	)
	if err != nil {
		return fmt.Errorf("%w: %s", auth.ErrInvalidInput, err.Error())
	}
	return nil
}

// BootstrapAdmin makes sure at least one active ADMIN exists. When one already
// exists it does nothing. Otherwise it grants ADMIN to the account registered
// under r.Email, creating it first if needed.
func (s *Service) BootstrapAdmin(ctx context.Context, r Registration) (Account, bool, error) {
	r.Email = normalizeEmail(r.Email)
	r.Username = strings.TrimSpace(r.Username)
	if err := s.validateRegistration(r); err != nil {
		return Account{}, false, err
	}
	hash, err := auth.HashPassword(r.Password)
	if err != nil {
		return Account{}, false, err
	}

	var (
		out     Account
		created bool
		entry   *RoleChange
	)
	err = s.store.InTx(ctx, func(tx Tx) error {
		admins, err := tx.LockActiveAdmins(ctx)
		if err != nil {
			return err
		}
		if len(admins) > 0 {
			out, err = tx.Get(ctx, admins[0])
			return err
		}
		existing, err := tx.GetByEmail(ctx, r.Email)
		switch {
		case err == nil:
			out = existing
		case errors.Is(err, auth.ErrNotFound):
			out = Account{
				Email:        r.Email,
				Username:     r.Username,
				FirstName:    strings.TrimSpace(r.FirstName),
				LastName:     strings.TrimSpace(r.LastName),
				PasswordHash: hash,
				Roles:        auth.NewRoles(auth.RoleUser),
				Enabled:      true,
			}
			if err := checkUnique(ctx, tx, out.Email, out.Username, 0); err != nil {
				return err
			}
			if err := tx.Insert(ctx, &out); err != nil {
				return err
			}
			created = true
		default:
			return err
		}

		now := s.now().UTC()
		out.Roles, _ = out.Roles.With(auth.RoleAdmin)
		if err := tx.Update(ctx, out, now); err != nil {
			return err
		}
		c, err := s.recordRoleChange(ctx, tx, out, auth.Principal{UserID: out.ID}, auth.RoleAdmin, RoleAdded, now)
		if err != nil {
			return err
		}
		entry = &c
		return nil
	})
	if err != nil {
		return Account{}, false, err
	}
	s.afterRoleChange(ctx, entry)
	return out, created, nil
}

// IdentityByEmail implements auth.IdentityStore.
func (s *Service) IdentityByEmail(ctx context.Context, email string) (auth.Identity, error) {
	acc, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return auth.Identity{}, err
	}
	return acc.identity(), nil
}

// IdentityByID implements auth.IdentityStore.
func (s *Service) IdentityByID(ctx context.Context, id int64) (auth.Identity, error) {
	acc, err := s.store.FindByID(ctx, id)
	if err != nil {
		return auth.Identity{}, err
	}
	return acc.identity(), nil
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		obs.Warn(ctx, "event publish failed", map[string]any{"event": e.Type, "user_id": e.UserID, "err": err})
	}
}
