package users

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shopfront.dev/internal/auth"
	"shopfront.dev/internal/events"
)

const testPassword = "Str0ng!pass"

type fixture struct {
	store    *MemoryStore
	svc      *Service
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	rec := &events.Recorder{}
	clock := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(store, WithPublisher(rec), WithClock(func() time.Time { return clock }))
	return &fixture{store: store, svc: svc, recorder: rec}
}

func (f *fixture) register(t *testing.T, email string) Account {
	t.Helper()
	acc, err := f.svc.Register(context.Background(), Registration{Email: email, Password: testPassword})
	if err != nil {
		t.Fatalf("Register(%s): %v", email, err)
	}
	return acc
}

func (f *fixture) admin(t *testing.T, email string) Account {
	t.Helper()
	acc := f.register(t, email)
	err := f.store.InTx(context.Background(), func(tx Tx) error {
		a, err := tx.Get(context.Background(), acc.ID)
		if err != nil {
			return err
		}
		a.Roles = auth.NewRoles(auth.RoleUser, auth.RoleAdmin)
		return tx.Update(context.Background(), a, time.Now())
	})
	if err != nil {
		t.Fatalf("promote %s: %v", email, err)
	}
	acc.Roles = auth.NewRoles(auth.RoleUser, auth.RoleAdmin)
	return acc
}

func principal(a Account) auth.Principal {
	return auth.Principal{UserID: a.ID, Roles: a.Roles}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	acc, err := f.svc.Register(context.Background(), Registration{
		Email:     "  Jane@Shop.Test ",
		Username:  "jane",
		FirstName: "Jane",
		Password:  testPassword,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if acc.Email != "jane@shop.test" || !acc.Enabled || !acc.Roles.Has(auth.RoleUser) || len(acc.Roles) != 1 {
		t.Fatalf("unexpected account %+v", acc)
	}
	if acc.PasswordHash == testPassword || auth.VerifyPassword(acc.PasswordHash, testPassword) != nil {
		t.Fatal("password not hashed correctly")
	}

	_, err = f.svc.Register(context.Background(), Registration{Email: "jane@shop.test", Password: testPassword})
	if !errors.Is(err, auth.ErrDuplicateResource) {
		t.Fatalf("expected duplicate email, got %v", err)
	}
	_, err = f.svc.Register(context.Background(), Registration{Email: "other@shop.test", Username: "JANE", Password: testPassword})
	if !errors.Is(err, auth.ErrDuplicateResource) {
		t.Fatalf("expected duplicate username, got %v", err)
	}
	if got := f.recorder.Events(); len(got) != 1 || got[0].Type != events.TypeUserRegistered {
		t.Fatalf("unexpected events %v", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]Registration{
		"bad email":      {Email: "not-an-email", Password: testPassword},
		"weak password":  {Email: "a@shop.test", Password: "weak"},
		"short username": {Email: "a@shop.test", Username: "ab", Password: testPassword},
	}
	for name, r := range cases {
		if _, err := f.svc.Register(context.Background(), r); !errors.Is(err, auth.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", name, err)
		}
	}
}

func TestAddRoleIsIdempotent(t *testing.T) {
	f := newFixture(t)
	root := f.admin(t, "root@shop.test")
	u := f.register(t, "u@shop.test")
	ctx := context.Background()

	acc, err := f.svc.AddRole(ctx, principal(root), u.ID, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if !acc.Roles.Has(auth.RoleAdmin) {
		t.Fatalf("role not added: %v", acc.Roles)
	}
	if _, err := f.svc.AddRole(ctx, principal(root), u.ID, auth.RoleAdmin); err != nil {
		t.Fatalf("second AddRole: %v", err)
	}

	changes, err := f.svc.RoleChanges(ctx, u.ID)
	if err != nil {
		t.Fatalf("RoleChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(changes))
	}
	c := changes[0]
	if c.Action != RoleAdded || c.Role != auth.RoleAdmin || c.ChangedByUserID != root.ID {
		t.Fatalf("unexpected entry %+v", c)
	}
	if c.UserEmail != "u@shop.test" || c.ChangedByEmail != "root@shop.test" {
		t.Fatalf("emails not denormalised: %+v", c)
	}
}

func TestAddRoleUnknownTarget(t *testing.T) {
	f := newFixture(t)
	root := f.admin(t, "root@shop.test")
	if _, err := f.svc.AddRole(context.Background(), principal(root), 999, auth.RoleAdmin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveRoleRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.admin(t, "root@shop.test")
	u := f.register(t, "u@shop.test")

	if _, err := f.svc.RemoveRole(ctx, principal(root), u.ID, auth.RoleUser); !errors.Is(err, auth.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation when emptying roles, got %v", err)
	}
	if _, err := f.svc.RemoveRole(ctx, principal(root), root.ID, auth.RoleAdmin); !errors.Is(err, auth.ErrAccessDenied) {
		t.Fatalf("expected access denied on self-demotion, got %v", err)
	}
	acc, err := f.svc.RemoveRole(ctx, principal(root), u.ID, auth.RoleAdmin)
	if err != nil {
		t.Fatalf("removing an unheld role must be a no-op: %v", err)
	}
	if len(acc.Roles) != 1 {
		t.Fatalf("unexpected roles %v", acc.Roles)
	}
	if got := f.store.AllRoleChanges(); len(got) != 0 {
		t.Fatalf("failed or no-op removals must not be audited, got %v", got)
	}
}

func TestRemoveRoleLastAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admin(t, "a@shop.test")
	b := f.admin(t, "b@shop.test")

	if _, err := f.svc.RemoveRole(ctx, principal(a), b.ID, auth.RoleAdmin); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	// b is no longer an admin, but the request is judged on stored state
	_, err := f.svc.RemoveRole(ctx, principal(b), a.ID, auth.RoleAdmin)
	if !errors.Is(err, auth.ErrInvalidOperation) {
		t.Fatalf("expected last-admin protection, got %v", err)
	}
	roles, err := f.svc.Roles(ctx, a.ID)
	if err != nil || !roles.Has(auth.RoleAdmin) {
		t.Fatalf("last admin lost role: %v %v", roles, err)
	}
	if got := f.store.AllRoleChanges(); len(got) != 1 || got[0].Action != RoleRemoved {
		t.Fatalf("expected exactly one REMOVED entry, got %v", got)
	}
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.admin(t, "root@shop.test")
	u := f.register(t, "u@shop.test")

	if err := f.svc.SoftDelete(ctx, principal(root), root.ID); !errors.Is(err, auth.ErrAccessDenied) {
		t.Fatalf("expected self-deletion to be denied, got %v", err)
	}
	if err := f.svc.SoftDelete(ctx, principal(root), u.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if _, err := f.svc.Get(ctx, u.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("deleted account must be invisible, got %v", err)
	}
	stored, err := f.store.FindIncludingDeleted(ctx, u.ID)
	if err != nil {
		t.Fatalf("FindIncludingDeleted: %v", err)
	}
	if stored.DeletedAt == nil || stored.Enabled {
		t.Fatalf("deletion must set deleted_at and clear enabled: %+v", stored)
	}
	if err := f.svc.SoftDelete(ctx, principal(root), u.ID); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second deletion must be not found, got %v", err)
	}
	if _, err := f.svc.AddRole(ctx, principal(root), u.ID, auth.RoleAdmin); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("role change on deleted account must be not found, got %v", err)
	}
	if _, err := f.svc.IdentityByEmail(ctx, "u@shop.test"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("deleted account must not authenticate, got %v", err)
	}

	// the email is free again once the holder is deleted
	if _, err := f.svc.Register(ctx, Registration{Email: "u@shop.test", Password: testPassword}); err != nil {
		t.Fatalf("re-register after delete: %v", err)
	}
}

func TestSoftDeleteLastAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.admin(t, "a@shop.test")
	u := f.register(t, "u@shop.test")

	if err := f.svc.SoftDelete(ctx, principal(u), a.ID); !errors.Is(err, auth.ErrInvalidOperation) {
		t.Fatalf("expected last admin protection, got %v", err)
	}
}

func TestConcurrentDeletionOfLastTwoAdmins(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t)
		a := f.admin(t, "a@shop.test")
		b := f.admin(t, "b@shop.test")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = f.svc.SoftDelete(context.Background(), principal(a), b.ID)
		}()
		go func() {
			defer wg.Done()
			errs[1] = f.svc.SoftDelete(context.Background(), principal(b), a.ID)
		}()
		wg.Wait()

		var ok, refused int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, auth.ErrInvalidOperation):
				refused++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if ok != 1 || refused != 1 {
			t.Fatalf("expected exactly one success, got %d ok / %d refused", ok, refused)
		}
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "u@shop.test")
	other := f.register(t, "o@shop.test")
	before, _ := f.store.FindByID(ctx, u.ID)

	cases := []struct {
		name  string
		actor Account
		req   PasswordChange
		want  error
	}{
		{"other actor", other, PasswordChange{testPassword, "N3w!password", "N3w!password"}, auth.ErrAccessDenied},
		{"wrong old", u, PasswordChange{"Wr0ng!pass", "N3w!password", "N3w!password"}, auth.ErrInvalidCredential},
		{"mismatch", u, PasswordChange{testPassword, "N3w!password", "N3w!passwordX"}, auth.ErrInvalidOperation},
		{"weak", u, PasswordChange{testPassword, "weak", "weak"}, auth.ErrInvalidInput},
	}
	for _, c := range cases {
		err := f.svc.ChangePassword(ctx, principal(c.actor), u.ID, c.req)
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", c.name, c.want, err)
		}
		after, _ := f.store.FindByID(ctx, u.ID)
		if after.PasswordHash != before.PasswordHash {
			t.Fatalf("%s: hash changed on failure", c.name)
		}
	}

	if err := f.svc.ChangePassword(ctx, principal(u), u.ID, PasswordChange{testPassword, "N3w!password", "N3w!password"}); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	after, _ := f.store.FindByID(ctx, u.ID)
	if auth.VerifyPassword(after.PasswordHash, "N3w!password") != nil {
		t.Fatal("new password not stored")
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.admin(t, "root@shop.test")
	u := f.register(t, "u@shop.test")
	other := f.register(t, "o@shop.test")

	name := "Ulla"
	acc, err := f.svc.UpdateProfile(ctx, principal(u), u.ID, ProfileUpdate{FirstName: &name})
	if err != nil || acc.FirstName != "Ulla" {
		t.Fatalf("self update: %+v %v", acc, err)
	}

	if _, err := f.svc.UpdateProfile(ctx, principal(other), u.ID, ProfileUpdate{FirstName: &name}); !errors.Is(err, auth.ErrAccessDenied) {
		t.Fatalf("expected access denied, got %v", err)
	}

	taken := "O@shop.test"
	if _, err := f.svc.UpdateProfile(ctx, principal(root), u.ID, ProfileUpdate{Email: &taken}); !errors.Is(err, auth.ErrDuplicateResource) {
		t.Fatalf("expected duplicate email, got %v", err)
	}

	fresh := "fresh@shop.test"
	acc, err = f.svc.UpdateProfile(ctx, principal(root), u.ID, ProfileUpdate{Email: &fresh})
	if err != nil || acc.Email != fresh {
		t.Fatalf("admin update: %+v %v", acc, err)
	}

	bad := "nope"
	if _, err := f.svc.UpdateProfile(ctx, principal(u), u.ID, ProfileUpdate{Email: &bad}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := f.svc.UpdateProfile(ctx, principal(root), 12345, ProfileUpdate{}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRoleChangesIncludeDeletedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.admin(t, "root@shop.test")
	u := f.register(t, "u@shop.test")

	if _, err := f.svc.AddRole(ctx, principal(root), u.ID, auth.RoleAdmin); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if err := f.svc.SoftDelete(ctx, principal(root), u.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	changes, err := f.svc.RoleChanges(ctx, u.ID)
	if err != nil || len(changes) != 1 {
		t.Fatalf("expected history for deleted user: %v %v", changes, err)
	}
	if _, err := f.svc.RoleChanges(ctx, 4242); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListSorting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, r := range []Registration{
		{Email: "c@shop.test", FirstName: "Alma", Password: testPassword},
		{Email: "a@shop.test", FirstName: "Cleo", Password: testPassword},
		{Email: "b@shop.test", FirstName: "Bea", Password: testPassword},
	} {
		if _, err := f.svc.Register(ctx, r); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	byEmail, err := f.svc.List(ctx, "password")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if byEmail[0].Email != "a@shop.test" || byEmail[2].Email != "c@shop.test" {
		t.Fatalf("unknown sort key must fall back to email: %v", byEmail)
	}
	byName, _ := f.svc.List(ctx, "firstName")
	if byName[0].FirstName != "Alma" || byName[2].FirstName != "Cleo" {
		t.Fatalf("unexpected order %v", byName)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acc, created, err := f.svc.BootstrapAdmin(ctx, Registration{Email: "ops@shop.test", Password: testPassword})
	if err != nil || !created || !acc.Roles.Has(auth.RoleAdmin) {
		t.Fatalf("first bootstrap: %+v %v %v", acc, created, err)
	}
	again, created, err := f.svc.BootstrapAdmin(ctx, Registration{Email: "someone@shop.test", Password: testPassword})
	if err != nil || created || again.ID != acc.ID {
		t.Fatalf("second bootstrap must be a no-op: %+v %v %v", again, created, err)
	}
	changes := f.store.AllRoleChanges()
	if len(changes) != 1 || changes[0].ChangedByEmail != "ops@shop.test" {
		t.Fatalf("unexpected audit trail %v", changes)
	}
}

func TestBootstrapAdminPromotesRegisteredAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := f.register(t, "ops@shop.test")

	acc, created, err := f.svc.BootstrapAdmin(ctx, Registration{Email: "OPS@shop.test", Password: testPassword})
	if err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	if created || acc.ID != existing.ID || !acc.Roles.Has(auth.RoleAdmin) || !acc.Roles.Has(auth.RoleUser) {
		t.Fatalf("expected existing account promoted: %+v created=%v", acc, created)
	}
	stored, err := f.store.FindByID(ctx, existing.ID)
	if err != nil || !stored.IsActiveAdmin() {
		t.Fatalf("promotion not committed: %+v %v", stored, err)
	}
	if list, _ := f.svc.List(ctx, ""); len(list) != 1 {
		t.Fatalf("expected no second account, got %d", len(list))
	}
}

func TestChangePasswordForeignTargetDeniedBeforeLookup(t *testing.T) {
	f := newFixture(t)
	kim := f.register(t, "kim@shop.test")
	req := PasswordChange{OldPassword: testPassword, NewPassword: "N3w!passw", ConfirmPassword: "N3w!passw"}

	err := f.svc.ChangePassword(context.Background(), principal(kim), 9999, req)
	if !errors.Is(err, auth.ErrAccessDenied) {
		t.Fatalf("expected access denied for a missing foreign target, got %v", err)
	}
	if err := f.svc.SoftDelete(context.Background(), principal(f.admin(t, "root@shop.test")), kim.ID); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := f.svc.ChangePassword(context.Background(), principal(kim), kim.ID, req); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected not found for a deleted self, got %v", err)
	}
}

func TestEventPublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.recorder.Err = errors.New("broker down")
	if _, err := f.svc.Register(context.Background(), Registration{Email: "x@shop.test", Password: testPassword}); err != nil {
		t.Fatalf("Register must succeed without broker: %v", err)
	}
}
