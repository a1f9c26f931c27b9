package auth

import (
	"context"
	"time"
)

// RefreshTokenStore is the durable side of refresh tokens. Lookups return
// ErrNotFound for unknown ids.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, tok *RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error)
	// RevokeRefreshToken flips revoked only if the row is still active and
	// reports whether it did.
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteExpiredRefreshTokens(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}

// APIKeyStore is the durable side of API keys.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *APIKey) error
	FindAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error)
	// RotateAPIKey revokes the active key id owned by userID and inserts next
	// with the old key's name, permissions, rate limit and expiry, all in one
	// transaction. It returns the old row.
	RotateAPIKey(ctx context.Context, id, userID string, next *APIKey, at time.Time) (*APIKey, error)
	// RevokeAPIKey revokes an active key owned by userID and returns it.
	RevokeAPIKey(ctx context.Context, id, userID string, at time.Time) (*APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	DeleteExpiredAPIKeys(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}
