package auth

import "testing"

func TestHasPermission(t *testing.T) {
	cases := []struct {
		perms    []string
		required string
		want     bool
	}{
		{[]string{"project:*"}, "project:read:items", true},
		{[]string{"read"}, "write", false},
		{[]string{"admin"}, "anything:at:all", true},
		{[]string{"project:read"}, "project:read", true},
		{[]string{"project:read:*"}, "project:read:items", true},
		{[]string{"project:read:items:*"}, "project:read:items", true},
		{[]string{"project:write:*"}, "project:read:items", false},
		{[]string{"proj:*"}, "project:read", false},
		{nil, "read", false},
		{[]string{"*"}, "read", false},
	}
	for _, c := range cases {
		if got := HasPermission(c.perms, c.required); got != c.want {
			t.Fatalf("HasPermission(%v, %q)=%v, want %v", c.perms, c.required, got, c.want)
		}
	}
}

func TestRolePermissions(t *testing.T) {
	analyst := PrincipalFromClaims(AccessClaims{UserID: "u1", Role: "Security_Analyst"})
	if !analyst.Can(PermAlertsRead) || !analyst.Can(PermAlertsWrite) {
		t.Fatalf("analyst should manage alerts: %v", analyst.Permissions)
	}
	user := PrincipalFromClaims(AccessClaims{UserID: "u2", Role: RoleUser})
	if user.Can(PermAlertsRead) || !user.Can(PermAPIKeysManage) {
		t.Fatalf("unexpected user permissions: %v", user.Permissions)
	}
	if PrincipalFromClaims(AccessClaims{UserID: "u3", Role: "unknown"}).Can(PermAPIKeysManage) {
		t.Fatal("unknown roles grant nothing")
	}
}
