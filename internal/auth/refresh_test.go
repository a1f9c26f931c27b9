package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/cache"
)

type refreshFixture struct {
	svc   *RefreshService
	store *memStore
	codec *AccessCodec
	clk   *clock
	rec   *recorder
	mr    interface {
		Exists(string) bool
		Del(string) bool
	}
}

func newRefreshFixture(t *testing.T) refreshFixture {
	t.Helper()
	clk := newClock()
	store := newMemStore()
	c, mr := newTestCache(t)
	codec, err := NewAccessCodec("access-secret", WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("NewAccessCodec: %v", err)
	}
	rec := &recorder{}
	svc, err := NewRefreshService(store, c, codec, "refresh-secret",
		WithClock(clk.Now),
		WithAuditLogger(rec),
		WithRefreshTTL(7*24*time.Hour),
		WithClaimsResolver(func(_ context.Context, userID string) (AccessClaims, error) {
			return AccessClaims{UserID: userID, Role: RoleUser}, nil
		}),
	)
	if err != nil {
		t.Fatalf("NewRefreshService: %v", err)
	}
	return refreshFixture{svc: svc, store: store, codec: codec, clk: clk, rec: rec, mr: mr}
}

func TestNewRefreshServiceRejectsSharedSecret(t *testing.T) {
	c, _ := newTestCache(t)
	codec, _ := NewAccessCodec("same-secret")
	if _, err := NewRefreshService(newMemStore(), c, codec, "same-secret"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRefreshIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	signed, rec, err := f.svc.Issue(ctx, "u1", "cli/1.0")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !f.mr.Exists(cache.RefreshTokenKey(rec.ID)) {
		t.Fatal("issued token should be mirrored in the cache")
	}

	got, err := f.svc.Verify(ctx, signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.ID != rec.ID || got.UserID != "u1" || got.DeviceInfo != "cli/1.0" {
		t.Fatalf("unexpected record %+v", got)
	}
	if f.store.findCalls != 0 {
		t.Fatalf("cache hit should not reach the database, got %d finds", f.store.findCalls)
	}
	if f.rec.count(audit.EventTokenIssued) != 1 {
		t.Fatal("issue should emit an audit event")
	}
}

func TestRefreshVerifyFallsBackToDatabase(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	signed, rec, _ := f.svc.Issue(ctx, "u1", "")
	f.mr.Del(cache.RefreshTokenKey(rec.ID))

	if _, err := f.svc.Verify(ctx, signed); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if f.store.findCalls != 2 {
		t.Fatalf("expected a read and a confirming read, got %d", f.store.findCalls)
	}
	if !f.mr.Exists(cache.RefreshTokenKey(rec.ID)) {
		t.Fatal("cache should be repopulated after a miss")
	}
}

func TestRefreshVerifyExpired(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	signed, _, _ := f.svc.Issue(ctx, "u1", "")
	f.clk.Advance(8 * 24 * time.Hour)

	_, err := f.svc.Verify(ctx, signed)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if f.rec.count(audit.EventAuthFailure) != 1 {
		t.Fatal("verification failure should emit auth_failure")
	}
}

func TestRefreshTokenIsNotAnAccessToken(t *testing.T) {
	f := newRefreshFixture(t)
	signed, _, _ := f.svc.Issue(context.Background(), "u1", "")
	if _, err := f.codec.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
}

func TestRefreshRotateOnlyOnce(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	signed, rec, _ := f.svc.Issue(ctx, "u1", "phone")
	pair, err := f.svc.Rotate(ctx, signed, "")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	claims, err := f.codec.Verify(pair.AccessToken)
	if err != nil || claims.UserID != "u1" || claims.Role != RoleUser {
		t.Fatalf("new access token unusable: %+v %v", claims, err)
	}
	next, err := f.svc.Verify(ctx, pair.RefreshToken)
	if err != nil || next.UserID != "u1" || next.DeviceInfo != "phone" {
		t.Fatalf("new refresh token unusable: %+v %v", next, err)
	}
	if f.mr.Exists(cache.RefreshTokenKey(rec.ID)) {
		t.Fatal("rotated token should be purged from the cache")
	}

	_, err = f.svc.Rotate(ctx, signed, "")
	if !errors.Is(err, ErrAlreadyRotated) {
		t.Fatalf("second rotation should fail with already_rotated, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, signed); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("revoked token should verify as not_found, got %v", err)
	}
	if f.rec.count(audit.EventTokenReplay) != 1 {
		t.Fatal("second presentation inside the window should be flagged as replay")
	}
}

func TestRefreshConcurrentRotationSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)
	signed, _, _ := f.svc.Issue(ctx, "u1", "")

	const racers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Rotate(ctx, signed, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyRotated):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || conflict != racers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflict)
	}
}

func TestRefreshRevokeAndRevokeAll(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	a, recA, _ := f.svc.Issue(ctx, "u1", "")
	b, _, _ := f.svc.Issue(ctx, "u1", "")
	c, _, _ := f.svc.Issue(ctx, "u2", "")

	if err := f.svc.Revoke(ctx, recA.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := f.svc.Verify(ctx, a); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not_found after revoke, got %v", err)
	}
	if err := f.svc.Revoke(ctx, recA.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second revoke should report not found, got %v", err)
	}

	n, err := f.svc.RevokeAll(ctx, "u1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAll: n=%d err=%v", n, err)
	}
	if _, err := f.svc.Verify(ctx, b); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected not_found after revoke all, got %v", err)
	}
	if f.mr.Exists(cache.UserRefreshTokensKey("u1")) {
		t.Fatal("per-user cache set should be purged")
	}
	if _, err := f.svc.Verify(ctx, c); err != nil {
		t.Fatalf("other users must be unaffected: %v", err)
	}
}

func TestRefreshRevokeDuringCacheFill(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	mem := newMemStore()
	store := newPausingStore(mem)
	c, mr := newTestCache(t)
	codec, err := NewAccessCodec("access-secret", WithCodecClock(clk.Now))
	if err != nil {
		t.Fatalf("NewAccessCodec: %v", err)
	}
	svc, err := NewRefreshService(store, c, codec, "refresh-secret", WithClock(clk.Now))
	if err != nil {
		t.Fatalf("NewRefreshService: %v", err)
	}

	signed, rec, err := svc.Issue(ctx, "u1", "")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	mr.Del(cache.RefreshTokenKey(rec.ID))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Verify(ctx, signed)
		done <- err
	}()

	<-store.paused
	if err := svc.Revoke(ctx, rec.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	close(store.release)

	if err := <-done; !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("in-flight verify should see the revocation, got %v", err)
	}
	if mr.Exists(cache.RefreshTokenKey(rec.ID)) {
		t.Fatal("stale cache entry survived the revocation")
	}
	if _, err := svc.Verify(ctx, signed); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("revoked token must stay invalid, got %v", err)
	}
}

func TestRefreshSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newRefreshFixture(t)

	_, old, _ := f.svc.Issue(ctx, "u1", "")
	_ = f.svc.Revoke(ctx, old.ID)
	f.svc.Issue(ctx, "u1", "")

	f.clk.Advance(2 * 24 * time.Hour)
	n, err := f.svc.SweepExpired(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected revoked row past grace to be swept, n=%d err=%v", n, err)
	}

	f.clk.Advance(6 * 24 * time.Hour)
	n, _ = f.svc.SweepExpired(ctx, 24*time.Hour)
	if n != 1 {
		t.Fatalf("expected expired row to be swept, got %d", n)
	}
}
