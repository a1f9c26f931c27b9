package auth

import (
	"sort"
	"strings"
)

// Permission strings are colon-separated scopes; a trailing ":*" grants every
// more specific scope under the prefix and "admin" grants everything.
const (
	PermAdmin         = "admin"
	PermAlertsRead    = "security:alerts:read"
	PermAlertsWrite   = "security:alerts:write"
	PermAPIKeysManage = "api_keys:manage"

	RoleAdmin           = "admin"
	RoleSecurityAnalyst = "security_analyst"
	RoleUser            = "user"
)

var rolePermissions = map[string][]string{
	RoleAdmin:           {PermAdmin},
	RoleSecurityAnalyst: {"security:*", PermAPIKeysManage},
	RoleUser:            {PermAPIKeysManage},
}

// RolePermissions returns the permission set granted by a bearer role.
func RolePermissions(role string) []string {
	return append([]string(nil), rolePermissions[strings.ToLower(strings.TrimSpace(role))]...)
}

// HasPermission reports whether perms grant required.
func HasPermission(perms []string, required string) bool {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	if _, ok := set[PermAdmin]; ok {
		return true
	}
	if _, ok := set[required]; ok {
		return true
	}
	parts := strings.Split(required, ":")
	for i := len(parts); i > 0; i-- {
		if _, ok := set[strings.Join(parts[:i], ":")+":*"]; ok {
			return true
		}
	}
	return false
}

func normalizePermissions(perms []string) ([]string, error) {
	seen := make(map[string]struct{}, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.ContainsAny(p, " \t\n,{}\"") {
			return nil, &ValidationError{Field: "permissions", Msg: "invalid permission " + p}
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
