package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"bastion.dev/internal/ids"
)

// Counter is an expiring integer counter.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Window is a sliding-window admission log.
type Window interface {
	Admit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// List is a capped most-recent-first list.
type List interface {
	PushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) ([]string, error)
}

var (
	_ Counter = (*Store)(nil)
	_ Window  = (*Store)(nil)
	_ List    = (*Store)(nil)
)

// Increment adds one to key and refreshes its expiry in a single MULTI block,
// returning the post-increment value.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Admit records an attempt in the window log at key and reports whether the
// number of attempts already inside the window was below limit. The attempt is
// logged whether or not it is admitted.
func (s *Store) Admit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	now := s.now()
	cutoff := now.Add(-window).UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + ids.NewAt(now)

	var card *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, key)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", key, err)
	}
	return card.Val() < limit, nil
}

// PushCapped prepends value, trims the list to max entries, refreshes the
// expiry and returns the resulting contents, newest first.
func (s *Store) PushCapped(ctx context.Context, key, value string, max int64, ttl time.Duration) ([]string, error) {
	if max <= 0 {
		return nil, fmt.Errorf("push %s: max must be positive", key)
	}
	var items *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, value)
		pipe.LTrim(ctx, key, 0, max-1)
		pipe.Expire(ctx, key, ttl)
		items = pipe.LRange(ctx, key, 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("push %s: %w", key, err)
	}
	return items.Val(), nil
}
