package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/cache"
	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const (
	// APIKeyPrefix marks a header value as an API key.
	APIKeyPrefix = "bk_live_"

	apiKeySecretBytes  = 32
	maxAPIKeyCacheTTL  = 5 * time.Minute
	touchTimeout       = 5 * time.Second
	maxAPIKeyNameBytes = 128
)

// APIKeyService issues and validates long-lived machine credentials.
type APIKeyService struct {
	store APIKeyStore
	cache *cache.Store
	audit audit.Logger
	now   func() time.Time
	group singleflight.Group
}

// APIKeyOption configures APIKeyService.
type APIKeyOption func(*APIKeyService)

// WithAPIKeyClock overrides the time source.
func WithAPIKeyClock(fn func() time.Time) APIKeyOption {
	return func(s *APIKeyService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAPIKeyAudit routes key events to l.
func WithAPIKeyAudit(l audit.Logger) APIKeyOption {
	return func(s *APIKeyService) {
		if l != nil {
			s.audit = l
		}
	}
}

// NewAPIKeyService wires the key store and its cache.
func NewAPIKeyService(store APIKeyStore, c *cache.Store, opts ...APIKeyOption) (*APIKeyService, error) {
	if store == nil || c == nil {
		return nil, errors.New("auth: api key service needs a store and a cache")
	}
	s := &APIKeyService{store: store, cache: c, audit: audit.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// HashAPIKey returns the hex SHA-256 digest stored in place of the key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newRawAPIKey() (string, error) {
	secret, err := ids.Secret(apiKeySecretBytes)
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + secret, nil
}

// Issue creates a key for userID. rateLimit is requests per minute (0 means
// unlimited) and ttlDays of 0 means the key never expires. The raw key is
// returned only here.
func (s *APIKeyService) Issue(ctx context.Context, userID, name string, permissions []string, rateLimit, ttlDays int) (string, *APIKey, error) {
	userID = strings.TrimSpace(userID)
	name = strings.TrimSpace(name)
	switch {
	case userID == "":
		return "", nil, &ValidationError{Field: "user_id", Msg: "required"}
	case name == "" || len(name) > maxAPIKeyNameBytes:
		return "", nil, &ValidationError{Field: "name", Msg: "must be 1-128 bytes"}
	case rateLimit < 0:
		return "", nil, &ValidationError{Field: "rate_limit", Msg: "must not be negative"}
	case ttlDays < 0:
		return "", nil, &ValidationError{Field: "ttl_days", Msg: "must not be negative"}
	}
	perms, err := normalizePermissions(permissions)
	if err != nil {
		return "", nil, err
	}

	raw, err := newRawAPIKey()
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	key := &APIKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		KeyHash:     HashAPIKey(raw),
		Name:        name,
		Permissions: perms,
		RateLimit:   rateLimit,
		CreatedAt:   now,
	}
	if ttlDays > 0 {
		exp := now.AddDate(0, 0, ttlDays)
		key.ExpiresAt = &exp
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		obs.CredentialOp("api_key", "issue", "error")
		return "", nil, transient("create api key", err)
	}

	obs.CredentialOp("api_key", "issue", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventAPIKeyCreated, "create", audit.ResultSuccess, key))
	return raw, key, nil
}

// Validate checks a raw key. An unknown, revoked or expired key yields
// Valid=false with a nil error; an error means a store was unreachable and
// the caller must treat the request as unauthenticated.
func (s *APIKeyService) Validate(ctx context.Context, raw string) (APIKeyValidation, error) {
	if !strings.HasPrefix(raw, APIKeyPrefix) {
		s.reject(ctx, "missing_prefix", nil)
		return APIKeyValidation{}, nil
	}
	hash := HashAPIKey(raw)

	key, err := s.lookup(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		s.reject(ctx, "unknown", nil)
		return APIKeyValidation{}, nil
	}
	if err != nil {
		obs.CredentialOp("api_key", "validate", "error")
		return APIKeyValidation{}, err
	}

	now := s.now()
	if key.Expired(now) {
		if err := s.cache.Delete(ctx, cache.APIKeyKey(hash)); err != nil {
			slog.Warn("api key cache purge failed", "key_id", key.ID, "error", err)
		}
		s.reject(ctx, "expired", key)
		return APIKeyValidation{}, nil
	}
	if key.Revoked {
		s.reject(ctx, "revoked", key)
		return APIKeyValidation{}, nil
	}

	s.touch(key.ID, now.UTC())
	obs.CredentialOp("api_key", "validate", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventAPIKeyUsed, "validate", audit.ResultSuccess, key))
	return APIKeyValidation{
		Valid:       true,
		KeyID:       key.ID,
		UserID:      key.UserID,
		Permissions: append([]string(nil), key.Permissions...),
		RateLimit:   key.RateLimit,
	}, nil
}

// Rotate replaces key id with a fresh secret inside one transaction. On any
// failure the old key stays valid.
func (s *APIKeyService) Rotate(ctx context.Context, id, userID string) (string, *APIKey, error) {
	raw, err := newRawAPIKey()
	if err != nil {
		return "", nil, err
	}
	now := s.now().UTC().Truncate(time.Second)
	next := &APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		KeyHash:   HashAPIKey(raw),
		CreatedAt: now,
	}
	old, err := s.store.RotateAPIKey(ctx, id, userID, next, now)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CredentialOp("api_key", "rotate", "not_found")
			return "", nil, err
		}
		obs.CredentialOp("api_key", "rotate", "error")
		return "", nil, transient("rotate api key", err)
	}
	if err := s.cache.Delete(ctx, cache.APIKeyKey(old.KeyHash)); err != nil {
		slog.Warn("api key cache purge failed", "key_id", old.ID, "error", err)
	}

	obs.CredentialOp("api_key", "rotate", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventAPIKeyRotated, "rotate", audit.ResultSuccess, next).
		With("previous_key_id", old.ID))
	return raw, next, nil
}

// Revoke disables key id owned by userID.
func (s *APIKeyService) Revoke(ctx context.Context, id, userID string) error {
	old, err := s.store.RevokeAPIKey(ctx, id, userID, s.now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.CredentialOp("api_key", "revoke", "not_found")
			return err
		}
		obs.CredentialOp("api_key", "revoke", "error")
		return transient("revoke api key", err)
	}
	if err := s.cache.Delete(ctx, cache.APIKeyKey(old.KeyHash)); err != nil {
		return transient("purge api key cache", err)
	}
	obs.CredentialOp("api_key", "revoke", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventAPIKeyRevoked, "revoke", audit.ResultSuccess, old))
	return nil
}

// List returns the metadata of userID's keys.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]*APIKey, error) {
	keys, err := s.store.ListAPIKeys(ctx, userID)
	if err != nil {
		return nil, transient("list api keys", err)
	}
	return keys, nil
}

// SweepExpired deletes expired keys and keys revoked more than retention ago.
func (s *APIKeyService) SweepExpired(ctx context.Context, retention time.Duration) (int64, error) {
	now := s.now().UTC()
	n, err := s.store.DeleteExpiredAPIKeys(ctx, now, now.Add(-retention))
	if err != nil {
		return 0, transient("sweep api keys", err)
	}
	return n, nil
}

// lookup reads the key by hash from Redis, falling back to Postgres and
// caching the row for min(5m, remaining lifetime).
func (s *APIKeyService) lookup(ctx context.Context, hash string) (*APIKey, error) {
	var cached APIKey
	err := s.cache.GetJSON(ctx, cache.APIKeyKey(hash), &cached)
	if err == nil {
		cached.KeyHash = hash
		return &cached, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		slog.Warn("api key cache read failed, using database", "error", err)
	}

	v, err, _ := s.group.Do(hash, func() (any, error) {
		key, err := s.store.FindAPIKeyByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if ttl := s.cacheTTL(key); ttl > 0 && !key.Revoked {
			if err := s.cache.SetJSON(ctx, cache.APIKeyKey(hash), key, ttl); err != nil {
				slog.Warn("api key cache write failed", "key_id", key.ID, "error", err)
				return key, nil
			}
			return s.confirmFill(ctx, hash, key)
		}
		return key, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, transient("find api key", err)
	}
	key := *v.(*APIKey)
	return &key, nil
}

// confirmFill re-reads the row after it was cached. A revoke or rotation
// that committed after the first read has already purged the cache, so the
// fresh entry is dropped again unless the row is still active.
func (s *APIKeyService) confirmFill(ctx context.Context, hash string, key *APIKey) (*APIKey, error) {
	current, err := s.store.FindAPIKeyByHash(ctx, hash)
	if err == nil && !current.Revoked {
		return current, nil
	}
	obs.CacheFillReverted("api_key")
	if perr := s.cache.Delete(ctx, cache.APIKeyKey(hash)); perr != nil {
		slog.Warn("api key cache purge failed", "key_id", key.ID, "error", perr)
	}
	switch {
	case err == nil:
		return current, nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	}
	slog.Warn("api key cache fill not confirmed", "key_id", key.ID, "error", err)
	return key, nil
}

func (s *APIKeyService) cacheTTL(key *APIKey) time.Duration {
	ttl := maxAPIKeyCacheTTL
	if key.ExpiresAt != nil {
		if remaining := key.ExpiresAt.Sub(s.now()); remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

// touch records last use without holding up the request.
func (s *APIKeyService) touch(id string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.store.TouchAPIKey(ctx, id, at); err != nil {
			slog.Warn("api key last-used update failed", "key_id", id, "error", err)
		}
	}()
}

func (s *APIKeyService) reject(ctx context.Context, reason string, key *APIKey) {
	obs.CredentialOp("api_key", "validate", reason)
	e := audit.NewEvent(ctx, audit.EventAuthFailure, "api_key_validate", audit.ResultFailure).With("reason", reason)
	if key != nil {
		e.UserID = key.UserID
		e = e.With("key_id", key.ID)
	}
	s.audit.Log(ctx, e)
}

func (s *APIKeyService) event(ctx context.Context, eventType, action string, result audit.Result, key *APIKey) audit.Event {
	e := audit.NewEvent(ctx, eventType, action, result).With("key_id", key.ID)
	e.UserID = key.UserID
	e.Resource = "api_key"
	return e
}
