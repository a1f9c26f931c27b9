package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/cache"
	"bastion.dev/internal/ids"
	"bastion.dev/internal/obs"
)

const (
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 7 * 24 * time.Hour
	defaultReplayWindow = 10 * time.Second
)

type refreshJWT struct {
	TokenID string `json:"tid"`
	Type    string `json:"typ"`
	jwt.RegisteredClaims
}

// cachedRefresh is the Redis mirror of an active refresh token row.
type cachedRefresh struct {
	UserID     string    `json:"user_id"`
	DeviceInfo string    `json:"device_info,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ClaimsResolver supplies access-token claims for a user during rotation.
type ClaimsResolver func(ctx context.Context, userID string) (AccessClaims, error)

// RefreshService issues, verifies, rotates and revokes refresh tokens. Rows
// live in Postgres and are mirrored in Redis for the fast path.
type RefreshService struct {
	store  RefreshTokenStore
	cache  *cache.Store
	codec  *AccessCodec
	secret []byte
	audit  audit.Logger
	claims ClaimsResolver
	group  singleflight.Group

	now          func() time.Time
	accessTTL    time.Duration
	refreshTTL   time.Duration
	replayWindow time.Duration
}

// RefreshOption configures RefreshService.
type RefreshOption func(*RefreshService)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) RefreshOption {
	return func(s *RefreshService) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithAccessTTL sets the lifetime of access tokens minted on rotation.
func WithAccessTTL(ttl time.Duration) RefreshOption {
	return func(s *RefreshService) {
		if ttl > 0 {
			s.accessTTL = ttl
		}
	}
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) RefreshOption {
	return func(s *RefreshService) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithReplayWindow sets how long a rotated token id stays marked.
func WithReplayWindow(d time.Duration) RefreshOption {
	return func(s *RefreshService) {
		if d > 0 {
			s.replayWindow = d
		}
	}
}

// WithAuditLogger routes credential events to l.
func WithAuditLogger(l audit.Logger) RefreshOption {
	return func(s *RefreshService) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithClaimsResolver enriches access tokens minted on rotation.
func WithClaimsResolver(fn ClaimsResolver) RefreshOption {
	return func(s *RefreshService) {
		if fn != nil {
			s.claims = fn
		}
	}
}

// NewRefreshService wires the refresh token store. refreshSecret must differ
// from the access codec's secret.
func NewRefreshService(store RefreshTokenStore, c *cache.Store, codec *AccessCodec, refreshSecret string, opts ...RefreshOption) (*RefreshService, error) {
	if store == nil || c == nil || codec == nil {
		return nil, errors.New("auth: refresh service needs a store, a cache and a codec")
	}
	if strings.TrimSpace(refreshSecret) == "" {
		return nil, &ValidationError{Field: "refresh secret", Msg: "required"}
	}
	if codec.sharesSecret([]byte(refreshSecret)) {
		return nil, &ValidationError{Field: "refresh secret", Msg: "must differ from the access secret"}
	}
	s := &RefreshService{
		store:        store,
		cache:        c,
		codec:        codec,
		secret:       []byte(refreshSecret),
		audit:        audit.Nop{},
		now:          time.Now,
		accessTTL:    defaultAccessTTL,
		refreshTTL:   defaultRefreshTTL,
		replayWindow: defaultReplayWindow,
	}
	s.claims = func(_ context.Context, userID string) (AccessClaims, error) {
		return AccessClaims{UserID: userID}, nil
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue creates a refresh token row for userID and returns its signed form.
func (s *RefreshService) Issue(ctx context.Context, userID, deviceInfo string) (string, *RefreshToken, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, &ValidationError{Field: "user_id", Msg: "required"}
	}
	now := s.now().UTC().Truncate(time.Second)
	rec := &RefreshToken{
		ID:         ids.NewAt(now),
		UserID:     userID,
		DeviceInfo: deviceInfo,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}
	if err := s.store.CreateRefreshToken(ctx, rec); err != nil {
		obs.CredentialOp("refresh_token", "issue", "error")
		return "", nil, transient("create refresh token", err)
	}
	s.mirror(ctx, rec, now)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, refreshJWT{
		TokenID: rec.ID,
		Type:    tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.codec.Issuer(),
			Subject:   userID,
			Audience:  jwt.ClaimStrings{s.codec.Audience()},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(rec.ExpiresAt),
		},
	}).SignedString(s.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sign refresh token: %w", err)
	}

	obs.CredentialOp("refresh_token", "issue", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventTokenIssued, "issue", audit.ResultSuccess, userID).
		With("credential_id", rec.ID))
	return signed, rec, nil
}

// Verify resolves a signed refresh token to its active row.
func (s *RefreshService) Verify(ctx context.Context, signed string) (*RefreshToken, error) {
	rec, err := s.resolve(ctx, signed)
	if err == nil && rec.Revoked {
		err = authErr(ReasonNotFound)
	}
	if err != nil {
		s.fail(ctx, "verify", err)
		return nil, err
	}
	return rec, nil
}

// Rotate exchanges a refresh token for a new access/refresh pair. The old
// token is revoked by a single conditional update, so of two concurrent
// rotations from the same token exactly one succeeds.
func (s *RefreshService) Rotate(ctx context.Context, signed, deviceInfo string) (TokenPair, error) {
	rec, err := s.resolve(ctx, signed)
	if err == nil {
		s.checkReplay(ctx, rec)
		if rec.Revoked {
			err = authErr(ReasonAlreadyRotated)
		}
	}
	if err != nil {
		s.fail(ctx, "rotate", err)
		return TokenPair{}, err
	}

	revoked, err := s.store.RevokeRefreshToken(ctx, rec.ID, s.now().UTC())
	if err != nil {
		obs.CredentialOp("refresh_token", "rotate", "error")
		return TokenPair{}, transient("revoke refresh token", err)
	}
	if !revoked {
		err := authErr(ReasonAlreadyRotated)
		s.fail(ctx, "rotate", err)
		return TokenPair{}, err
	}
	if err := s.cache.DeleteMember(ctx, cache.RefreshTokenKey(rec.ID), cache.UserRefreshTokensKey(rec.UserID), rec.ID); err != nil {
		slog.Warn("refresh token cache purge failed", "token_id", rec.ID, "error", err)
	}

	claims, err := s.claims(ctx, rec.UserID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("resolve access claims: %w", err)
	}
	claims.UserID = rec.UserID
	access, accessExp, err := s.codec.Issue(claims, s.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if deviceInfo == "" {
		deviceInfo = rec.DeviceInfo
	}
	refresh, next, err := s.Issue(ctx, rec.UserID, deviceInfo)
	if err != nil {
		return TokenPair{}, err
	}

	obs.CredentialOp("refresh_token", "rotate", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventTokenRefreshed, "rotate", audit.ResultSuccess, rec.UserID).
		With("credential_id", next.ID).With("previous_credential_id", rec.ID))
	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Revoke marks one token revoked and drops its cache entry.
func (s *RefreshService) Revoke(ctx context.Context, tokenID string) error {
	revoked, err := s.store.RevokeRefreshToken(ctx, tokenID, s.now().UTC())
	if err != nil {
		obs.CredentialOp("refresh_token", "revoke", "error")
		return transient("revoke refresh token", err)
	}
	if err := s.cache.Delete(ctx, cache.RefreshTokenKey(tokenID)); err != nil {
		return transient("purge refresh token cache", err)
	}
	if !revoked {
		obs.CredentialOp("refresh_token", "revoke", "not_found")
		return &NotFoundError{Kind: "refresh_token", ID: tokenID}
	}
	obs.CredentialOp("refresh_token", "revoke", "success")
	s.audit.Log(ctx, audit.NewEvent(ctx, audit.EventTokenRevoked, "revoke", audit.ResultSuccess).
		With("credential_id", tokenID))
	return nil
}

// RevokeAll revokes every active token of userID and returns how many rows changed.
func (s *RefreshService) RevokeAll(ctx context.Context, userID string) (int64, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, &ValidationError{Field: "user_id", Msg: "required"}
	}
	n, err := s.store.RevokeUserRefreshTokens(ctx, userID, s.now().UTC())
	if err != nil {
		obs.CredentialOp("refresh_token", "revoke_all", "error")
		return 0, transient("revoke user refresh tokens", err)
	}
	if _, err := s.cache.PurgeSet(ctx, cache.UserRefreshTokensKey(userID), cache.RefreshTokenKey); err != nil {
		return n, transient("purge user refresh tokens", err)
	}
	obs.CredentialOp("refresh_token", "revoke_all", "success")
	s.audit.Log(ctx, s.event(ctx, audit.EventTokenRevoked, "revoke_all", audit.ResultSuccess, userID).
		With("count", n))
	return n, nil
}

// SweepExpired deletes expired rows and rows revoked more than grace ago.
func (s *RefreshService) SweepExpired(ctx context.Context, grace time.Duration) (int64, error) {
	now := s.now().UTC()
	n, err := s.store.DeleteExpiredRefreshTokens(ctx, now, now.Add(-grace))
	if err != nil {
		return 0, transient("sweep refresh tokens", err)
	}
	return n, nil
}

// resolve verifies the JWT and loads the row, cache first. Revoked rows are
// returned as-is so callers can tell rotation reuse from absence.
func (s *RefreshService) resolve(ctx context.Context, signed string) (*RefreshToken, error) {
	var body refreshJWT
	if err := parseHS256(signed, s.secret, s.codec.Issuer(), s.codec.Audience(), s.now, &body); err != nil {
		return nil, err
	}
	if body.Type != tokenTypeRefresh || body.TokenID == "" {
		return nil, authErr(ReasonInvalid)
	}

	rec, err := s.lookup(ctx, body.TokenID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != body.Subject {
		return nil, authErr(ReasonInvalid)
	}
	if !s.now().Before(rec.ExpiresAt) {
		return nil, authErr(ReasonExpired)
	}
	return rec, nil
}

func (s *RefreshService) lookup(ctx context.Context, tokenID string) (*RefreshToken, error) {
	var cached cachedRefresh
	err := s.cache.GetJSON(ctx, cache.RefreshTokenKey(tokenID), &cached)
	if err == nil {
		return &RefreshToken{
			ID:         tokenID,
			UserID:     cached.UserID,
			DeviceInfo: cached.DeviceInfo,
			CreatedAt:  cached.CreatedAt,
			ExpiresAt:  cached.ExpiresAt,
		}, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		slog.Warn("refresh token cache read failed, using database", "token_id", tokenID, "error", err)
	}

	v, err, _ := s.group.Do(tokenID, func() (any, error) {
		rec, err := s.store.FindRefreshToken(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if !rec.Revoked && s.mirror(ctx, rec, s.now()) {
			return s.confirmMirror(ctx, rec)
		}
		return rec, nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, authErr(ReasonNotFound)
	}
	if err != nil {
		return nil, transient("find refresh token", err)
	}
	// Shared result; hand each caller its own copy.
	rec := *v.(*RefreshToken)
	return &rec, nil
}

// mirror writes rec to Redis for its remaining lifetime and reports whether
// the entry was written. Failures only cost the fast path.
func (s *RefreshService) mirror(ctx context.Context, rec *RefreshToken, now time.Time) bool {
	ttl := rec.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return false
	}
	err := s.cache.SetJSONMember(ctx, cache.RefreshTokenKey(rec.ID), cachedRefresh{
		UserID:     rec.UserID,
		DeviceInfo: rec.DeviceInfo,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}, ttl, cache.UserRefreshTokensKey(rec.UserID), rec.ID, s.refreshTTL)
	if err != nil {
		slog.Warn("refresh token cache write failed", "token_id", rec.ID, "error", err)
		return false
	}
	return true
}

// confirmMirror re-reads a row mirrored on a cache miss. When a revocation
// committed after the first read, its purge has already run, so the mirror
// is removed again and the revoked row is returned.
func (s *RefreshService) confirmMirror(ctx context.Context, rec *RefreshToken) (*RefreshToken, error) {
	current, err := s.store.FindRefreshToken(ctx, rec.ID)
	if err == nil && !current.Revoked {
		return current, nil
	}
	obs.CacheFillReverted("refresh_token")
	if perr := s.cache.DeleteMember(ctx, cache.RefreshTokenKey(rec.ID), cache.UserRefreshTokensKey(rec.UserID), rec.ID); perr != nil {
		slog.Warn("refresh token cache purge failed", "token_id", rec.ID, "error", perr)
	}
	switch {
	case err == nil:
		return current, nil
	case errors.Is(err, ErrNotFound):
		return nil, err
	}
	slog.Warn("refresh token cache fill not confirmed", "token_id", rec.ID, "error", err)
	return rec, nil
}

// checkReplay flags a token id presented for rotation twice inside the replay
// window. Detection only: the request proceeds.
func (s *RefreshService) checkReplay(ctx context.Context, rec *RefreshToken) {
	first, err := s.cache.MarkOnce(ctx, cache.TokenReplayKey(rec.ID), s.replayWindow)
	if err != nil {
		slog.Warn("token replay check failed", "token_id", rec.ID, "error", err)
		return
	}
	if first {
		return
	}
	warning := &ReplayWarning{TokenID: rec.ID, UserID: rec.UserID}
	slog.Warn("possible token replay", "token_id", rec.ID, "user_id", rec.UserID, "error", warning)
	obs.TokenReplay()
	s.audit.Log(ctx, s.event(ctx, audit.EventTokenReplay, "rotate", audit.ResultFailure, rec.UserID).
		With("credential_id", rec.ID))
}

func (s *RefreshService) fail(ctx context.Context, op string, err error) {
	var ae *AuthError
	if !errors.As(err, &ae) {
		obs.CredentialOp("refresh_token", op, "error")
		return
	}
	obs.CredentialOp("refresh_token", op, ae.Reason)
	s.audit.Log(ctx, audit.NewEvent(ctx, audit.EventAuthFailure, "refresh_token_"+op, audit.ResultFailure).
		With("reason", ae.Reason))
}

func (s *RefreshService) event(ctx context.Context, eventType, action string, result audit.Result, userID string) audit.Event {
	e := audit.NewEvent(ctx, eventType, action, result)
	e.UserID = userID
	e.Resource = "refresh_token"
	return e
}
