package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrExceededLimit    = errors.New("counter limit exceeded")
	ErrRedisUnavailable = errors.New("rate limit backend unavailable")
)

// Limiter provides an atomic increment-with-ceiling counter on Redis.
//
// Counters use fixed-window semantics: the window TTL is set on the first
// increment, and the count keeps growing past the limit, so a caller cannot
// reset a tripped window by retrying.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Limiter {
	if prefix == "" {
		prefix = "rl"
	}
	return &Limiter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Limiter) key(name string) string {
	return l.prefix + ":" + name
}

// IncrementWithLimit increments the named counter and returns
// [ErrExceededLimit] when the post-increment value exceeds limit. Every
// subsequent increment inside the same window fails with the same error.
func (l *Limiter) IncrementWithLimit(ctx context.Context, name string, limit int64, period time.Duration) error {
	key := l.key(name)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, period).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	if count > limit {
		return ErrExceededLimit
	}

	return nil
}

// Count returns the current value of the named counter. Missing counters
// report zero.
func (l *Limiter) Count(ctx context.Context, name string) (int64, error) {
	count, err := l.redis.Get(ctx, l.key(name)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}
