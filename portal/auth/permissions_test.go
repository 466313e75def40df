package auth

import (
	"errors"
	"testing"
)

func TestParsePermission(t *testing.T) {
	perm, err := ParsePermission("containers:2:create")
	if err != nil {
		t.Fatal(err)
	}
	if perm.Kind != "containers" || perm.Level != 2 || perm.Action != "create" {
		t.Fatalf("permission parsed wrong: %+v", perm)
	}
	if perm.String() != "containers:2:create" {
		t.Fatalf("round trip wrong: %v", perm.String())
	}

	invalid := []string{
		"",
		"containers",
		"containers:2",
		"containers:2:create:extra",
		"spaceships:2:create",
		"containers:3:create",
		"containers:x:create",
		"containers:2:launch",
		"containers::create",
		":2:create",
	}
	for _, p := range invalid {
		if _, err := ParsePermission(p); !errors.Is(err, ErrMalformedPermission) {
			t.Fatalf("expected ErrMalformedPermission for %q, got %v", p, err)
		}
	}
}

func TestMustParsePermissionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for malformed permission")
		}
	}()
	MustParsePermission("bogus")
}
