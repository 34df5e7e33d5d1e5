package migrate

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for name := range ups {
		if !downs[name] {
			t.Fatalf("migration %s has no down file", name)
		}
	}
}

func TestUsersSchemaTiesEnabledToLiveness(t *testing.T) {
	b, err := fs.ReadFile(files, "sql/000001_users.up.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "check ((deleted_at is null) = enabled)") {
		t.Fatal("users table must keep enabled equal to deleted_at is null")
	}
}

func TestSourceWalksVersions(t *testing.T) {
	src, err := Source()
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first version 1, got %d", first)
	}
	next, err := src.Next(first)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next != 2 {
		t.Fatalf("expected version 2, got %d", next)
	}

	r, ident, err := src.ReadUp(2)
	if err != nil {
		t.Fatalf("ReadUp: %v", err)
	}
	defer r.Close()
	if ident != "role_change_logs" {
		t.Fatalf("unexpected identifier %q", ident)
	}
}
