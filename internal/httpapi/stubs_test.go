package httpapi

import (
	"context"
	"sync"
	"time"

	"bastion.dev/internal/audit"
	"bastion.dev/internal/auth"
)

type stubRefresh struct {
	rotateFn    func(context.Context, string, string) (auth.TokenPair, error)
	verifyFn    func(context.Context, string) (*auth.RefreshToken, error)
	revokeFn    func(context.Context, string) error
	revokeAllFn func(context.Context, string) (int64, error)
}

func (s *stubRefresh) Rotate(ctx context.Context, signed, device string) (auth.TokenPair, error) {
	if s.rotateFn != nil {
		return s.rotateFn(ctx, signed, device)
	}
	return auth.TokenPair{}, nil
}

func (s *stubRefresh) Verify(ctx context.Context, signed string) (*auth.RefreshToken, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, signed)
	}
	return &auth.RefreshToken{}, nil
}

func (s *stubRefresh) Revoke(ctx context.Context, id string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, id)
	}
	return nil
}

func (s *stubRefresh) RevokeAll(ctx context.Context, userID string) (int64, error) {
	if s.revokeAllFn != nil {
		return s.revokeAllFn(ctx, userID)
	}
	return 0, nil
}

type stubKeys struct {
	issueFn    func(context.Context, string, string, []string, int, int) (string, *auth.APIKey, error)
	validateFn func(context.Context, string) (auth.APIKeyValidation, error)
	rotateFn   func(context.Context, string, string) (string, *auth.APIKey, error)
	revokeFn   func(context.Context, string, string) error
	listFn     func(context.Context, string) ([]*auth.APIKey, error)
}

func (s *stubKeys) Issue(ctx context.Context, userID, name string, perms []string, rateLimit, ttlDays int) (string, *auth.APIKey, error) {
	if s.issueFn != nil {
		return s.issueFn(ctx, userID, name, perms, rateLimit, ttlDays)
	}
	return "", &auth.APIKey{}, nil
}

func (s *stubKeys) Validate(ctx context.Context, raw string) (auth.APIKeyValidation, error) {
	if s.validateFn != nil {
		return s.validateFn(ctx, raw)
	}
	return auth.APIKeyValidation{}, nil
}

func (s *stubKeys) Rotate(ctx context.Context, id, userID string) (string, *auth.APIKey, error) {
	if s.rotateFn != nil {
		return s.rotateFn(ctx, id, userID)
	}
	return "", &auth.APIKey{}, nil
}

func (s *stubKeys) Revoke(ctx context.Context, id, userID string) error {
	if s.revokeFn != nil {
		return s.revokeFn(ctx, id, userID)
	}
	return nil
}

func (s *stubKeys) List(ctx context.Context, userID string) ([]*auth.APIKey, error) {
	if s.listFn != nil {
		return s.listFn(ctx, userID)
	}
	return nil, nil
}

type stubAlerts struct {
	listFn    func(context.Context, audit.AlertFilter) ([]audit.SecurityAlert, error)
	resolveFn func(context.Context, string, string) (*audit.SecurityAlert, error)
}

func (s *stubAlerts) List(ctx context.Context, f audit.AlertFilter) ([]audit.SecurityAlert, error) {
	if s.listFn != nil {
		return s.listFn(ctx, f)
	}
	return nil, nil
}

func (s *stubAlerts) Resolve(ctx context.Context, id, by string) (*audit.SecurityAlert, error) {
	if s.resolveFn != nil {
		return s.resolveFn(ctx, id, by)
	}
	return &audit.SecurityAlert{ID: id}, nil
}

type stubWindow struct {
	mu    sync.Mutex
	admit bool
	err   error
	keys  []string
	limit int64
}

func (s *stubWindow) Admit(_ context.Context, key string, limit int64, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.limit = limit
	return s.admit, s.err
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Log(_ context.Context, e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(eventType string) []audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []audit.Event
	for _, e := range l.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type stubReadiness struct{ err error }

func (s stubReadiness) Check(context.Context) error { return s.err }

type stubBuffer int

func (b stubBuffer) Buffered() int { return int(b) }
