package auth

import "time"

// AccessClaims is the identity carried by an access token.
type AccessClaims struct {
	UserID    string
	Email     string
	Role      string
	SessionID string

	// Filled by the codec.
	ID        string
	Issuer    string
	Audience  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is a persisted refresh token row.
type RefreshToken struct {
	ID         string
	UserID     string
	DeviceInfo string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Revoked    bool
	RevokedAt  *time.Time
}

// TokenPair is the result of issuing or rotating credentials.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// APIKey is the stored form of an API key. The raw secret is never kept.
type APIKey struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	KeyHash     string     `json:"-"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	RateLimit   int        `json:"rate_limit,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	Revoked     bool       `json:"revoked"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Expired reports whether the key has a past expiry at now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// APIKeyValidation is the outcome of presenting a raw key. RateLimit is in
// requests per minute; zero means unlimited.
type APIKeyValidation struct {
	Valid       bool
	KeyID       string
	UserID      string
	Permissions []string
	RateLimit   int
}
