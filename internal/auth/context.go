package auth

import "context"

// Authentication methods recorded on a Principal.
const (
	MethodBearer = "bearer"
	MethodAPIKey = "api_key"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID      string
	Email       string
	Role        string
	SessionID   string
	Method      string
	APIKeyID    string
	RateLimit   int
	Permissions []string
}

// Can reports whether the principal holds required.
func (p Principal) Can(required string) bool {
	return HasPermission(p.Permissions, required)
}

// PrincipalFromClaims builds a bearer principal from verified access claims.
func PrincipalFromClaims(c AccessClaims) Principal {
	return Principal{
		UserID:      c.UserID,
		Email:       c.Email,
		Role:        c.Role,
		SessionID:   c.SessionID,
		Method:      MethodBearer,
		Permissions: RolePermissions(c.Role),
	}
}

// PrincipalFromAPIKey builds a principal from a successful key validation.
func PrincipalFromAPIKey(v APIKeyValidation) Principal {
	return Principal{
		UserID:      v.UserID,
		Method:      MethodAPIKey,
		APIKeyID:    v.KeyID,
		RateLimit:   v.RateLimit,
		Permissions: v.Permissions,
	}
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated principal to the context.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &principal)
}

// PrincipalFromContext extracts the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*Principal)
	if !ok || v == nil {
		return Principal{}, false
	}
	return *v, true
}
