package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/cache"
)

// memStore is an in-memory RefreshTokenStore and APIKeyStore.
type memStore struct {
	mu      sync.Mutex
	refresh map[string]RefreshToken
	keys    map[string]APIKey
	touched chan string

	failRotate error
	findCalls  int
}

func newMemStore() *memStore {
	return &memStore{
		refresh: map[string]RefreshToken{},
		keys:    map[string]APIKey{},
		touched: make(chan string, 16),
	}
}

func (m *memStore) CreateRefreshToken(_ context.Context, tok *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tok.ID] = *tok
	return nil
}

func (m *memStore) FindRefreshToken(_ context.Context, id string) (*RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++
	tok, ok := m.refresh[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.refresh[id]
	if !ok || tok.Revoked {
		return false, nil
	}
	tok.Revoked = true
	tok.RevokedAt = &at
	m.refresh[id] = tok
	return true, nil
}

func (m *memStore) RevokeUserRefreshTokens(_ context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tok := range m.refresh {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &at
			m.refresh[id] = tok
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteExpiredRefreshTokens(_ context.Context, now, revokedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tok := range m.refresh {
		if tok.ExpiresAt.Before(now) || (tok.Revoked && tok.RevokedAt.Before(revokedBefore)) {
			delete(m.refresh, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateAPIKey(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.ID] = *key
	return nil
}

func (m *memStore) FindAPIKeyByHash(_ context.Context, hash string) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == hash {
			return &k, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) ListAPIKeys(_ context.Context, userID string) ([]*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*APIKey
	for _, k := range m.keys {
		if k.UserID == userID {
			k := k
			out = append(out, &k)
		}
	}
	return out, nil
}

func (m *memStore) RotateAPIKey(_ context.Context, id, userID string, next *APIKey, at time.Time) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRotate != nil {
		return nil, m.failRotate
	}
	old, ok := m.keys[id]
	if !ok || old.UserID != userID || old.Revoked {
		return nil, &NotFoundError{Kind: "api_key", ID: id}
	}
	old.Revoked = true
	old.RevokedAt = &at
	m.keys[id] = old
	next.UserID = old.UserID
	next.Name = old.Name
	next.Permissions = old.Permissions
	next.RateLimit = old.RateLimit
	next.ExpiresAt = old.ExpiresAt
	m.keys[next.ID] = *next
	return &old, nil
}

func (m *memStore) RevokeAPIKey(_ context.Context, id, userID string, at time.Time) (*APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.UserID != userID || k.Revoked {
		return nil, &NotFoundError{Kind: "api_key", ID: id}
	}
	k.Revoked = true
	k.RevokedAt = &at
	m.keys[id] = k
	return &k, nil
}

func (m *memStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	k, ok := m.keys[id]
	if ok {
		k.LastUsedAt = &at
		m.keys[id] = k
	}
	m.mu.Unlock()
	if !ok {
		return errors.New("unknown key")
	}
	m.touched <- id
	return nil
}

func (m *memStore) DeleteExpiredAPIKeys(_ context.Context, now, revokedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, k := range m.keys {
		if k.Expired(now) || (k.Revoked && k.RevokedAt.Before(revokedBefore)) {
			delete(m.keys, id)
			n++
		}
	}
	return n, nil
}

// recorder captures audit events.
type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T) (*cache.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb), mr
}

// pausingStore holds the first lookup after it has read the row, until
// release is closed.
type pausingStore struct {
	*memStore
	once    sync.Once
	paused  chan struct{}
	release chan struct{}
}

func newPausingStore(m *memStore) *pausingStore {
	return &pausingStore{memStore: m, paused: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingStore) hold() {
	p.once.Do(func() {
		close(p.paused)
		<-p.release
	})
}

func (p *pausingStore) FindAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := p.memStore.FindAPIKeyByHash(ctx, hash)
	p.hold()
	return key, err
}

func (p *pausingStore) FindRefreshToken(ctx context.Context, id string) (*RefreshToken, error) {
	tok, err := p.memStore.FindRefreshToken(ctx, id)
	p.hold()
	return tok, err
}
