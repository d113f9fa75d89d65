package auth

import (
	"errors"
	"testing"
)

func TestTrustPolicy(t *testing.T) {
	p := DefaultTrustPolicy()
	for _, lvl := range []string{"OWNER", "member", " Collaborator "} {
		if !p.Allows(NormalizeTrust(lvl)) {
			t.Fatalf("expected %q authorized", lvl)
		}
	}
	for _, lvl := range []string{"", "NONE", "CONTRIBUTOR", "FIRST_TIME_CONTRIBUTOR"} {
		if p.Allows(NormalizeTrust(lvl)) {
			t.Fatalf("expected %q denied", lvl)
		}
	}
	custom := NewTrustPolicy([]string{"owner", ""})
	if !custom.Allows(TrustOwner) || custom.Allows(TrustMember) {
		t.Fatalf("unexpected custom policy %+v", custom)
	}
}

func TestPermissions(t *testing.T) {
	perms := PermissionsForRoles([]string{"reader", "validator", "unknown"})
	if !HasPermission(perms, PermEngagementsValidate) || HasPermission(perms, PermEventsWrite) {
		t.Fatalf("unexpected perms %v", perms)
	}
	if err := Require([]string{PermAll}, PermEventsWrite); err != nil {
		t.Fatalf("wildcard should allow: %v", err)
	}
	err := Require(perms, PermEventsWrite)
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != PermEventsWrite {
		t.Fatalf("expected forbidden error, got %v", err)
	}
}
