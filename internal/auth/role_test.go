package auth

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"USER": RoleUser, "admin": RoleAdmin, " Admin ": RoleAdmin} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseRole("ROOT"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestRolesSetOperations(t *testing.T) {
	rs := NewRoles(RoleAdmin, RoleUser, RoleAdmin)
	if len(rs) != 2 || rs[0] != RoleUser {
		t.Fatalf("expected normalised set, got %v", rs)
	}
	same, added := rs.With(RoleAdmin)
	if added || len(same) != 2 {
		t.Fatalf("With existing role must be a no-op")
	}
	less, removed := rs.Without(RoleAdmin)
	if !removed || less.Has(RoleAdmin) || !less.Has(RoleUser) {
		t.Fatalf("Without failed: %v", less)
	}
	if !rs.Has(RoleAdmin) {
		t.Fatal("Without must not mutate the receiver")
	}
}

func TestRolesJSON(t *testing.T) {
	data, err := json.Marshal(NewRoles(RoleAdmin, RoleUser))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `["USER","ADMIN"]` {
		t.Fatalf("unexpected json %s", data)
	}
	var r Role
	if err := json.Unmarshal([]byte(`"admin"`), &r); err != nil || r != RoleAdmin {
		t.Fatalf("Unmarshal: %v %v", r, err)
	}
	if err := json.Unmarshal([]byte(`"OWNER"`), &r); err == nil {
		t.Fatal("expected unknown role to fail")
	}
}
