package auth

import (
	"context"
	"testing"
)

func TestCaller_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := &Caller{
		Name:       "tg-frontend",
		Roles:      []string{"write"},
		Method:     "jwt",
		TokenHash:  "abc123",
		Permission: PermissionWrite,
	}

	ctx = WithCaller(ctx, c)
	got := CallerFromContext(ctx)

	if got == nil {
		t.Fatal("expected caller, got nil")
	}
	if got.Name != c.Name || got.Method != c.Method || got.TokenHash != c.TokenHash {
		t.Errorf("unexpected caller %+v", got)
	}
	if got.Permission != PermissionWrite {
		t.Errorf("expected write, got %s", got.Permission)
	}
}

func TestCaller_EmptyContext(t *testing.T) {
	if got := CallerFromContext(context.Background()); got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestCaller_Overwrite(t *testing.T) {
	ctx := WithCaller(context.Background(), &Caller{Name: "a"})
	ctx = WithCaller(ctx, &Caller{Name: "b"})

	got := CallerFromContext(ctx)
	if got == nil || got.Name != "b" {
		t.Fatalf("expected b, got %+v", got)
	}
}

func TestParsePermission(t *testing.T) {
	for s, want := range map[string]Permission{
		"none":  PermissionNone,
		"read":  PermissionRead,
		"write": PermissionWrite,
		"admin": PermissionAdmin,
	} {
		got, err := ParsePermission(s)
		if err != nil {
			t.Fatal(err)
		}
		if got != want || got.String() != s {
			t.Errorf("%s: got %v", s, got)
		}
	}
	if _, err := ParsePermission("root"); err == nil {
		t.Fatal("expected error for unknown permission")
	}
}

func TestResolvePermission(t *testing.T) {
	if p := resolvePermission(nil, PermissionRead); p != PermissionRead {
		t.Errorf("no roles should use default, got %s", p)
	}
	if p := resolvePermission([]string{"read", "admin", "write"}, PermissionNone); p != PermissionAdmin {
		t.Errorf("highest role should win, got %s", p)
	}
	if p := resolvePermission([]string{"none"}, PermissionWrite); p != PermissionNone {
		t.Errorf("explicit none should override default, got %s", p)
	}
}
