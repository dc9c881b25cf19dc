package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("device history backend unavailable")

// History remembers, per user, the fingerprints of devices that completed a
// full two-factor login. It is a bounded set ordered by last use: adding a
// known fingerprint promotes it, adding past capacity evicts the least
// recently used entry. Entries have no TTL; they live until evicted or until
// the account is purged.
type History struct {
	redis    redis.UniversalClient
	prefix   string
	capacity int
}

// New creates a device [History] holding up to capacity fingerprints per user.
func New(redisClient redis.UniversalClient, prefix string, capacity int) *History {
	if prefix == "" {
		prefix = "dh"
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &History{
		redis:    redisClient,
		prefix:   prefix,
		capacity: capacity,
	}
}

func (h *History) key(userID string) string {
	return h.prefix + ":" + userID
}

// Contains reports whether the fingerprint is registered for the user. It
// does not mutate the set.
func (h *History) Contains(ctx context.Context, userID, fingerprint string) (bool, error) {
	err := h.redis.ZScore(ctx, h.key(userID), fingerprint).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return true, nil
}

// Add registers the fingerprint as the most recently used entry, evicting
// the oldest entry if the set is at capacity. Re-adding an existing
// fingerprint only refreshes its position.
func (h *History) Add(ctx context.Context, userID, fingerprint string) error {
	key := h.key(userID)
	now := float64(time.Now().UnixNano())

	pipe := h.redis.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: now, Member: fingerprint})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-h.capacity-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Size returns the number of registered fingerprints for the user.
func (h *History) Size(ctx context.Context, userID string) (int64, error) {
	n, err := h.redis.ZCard(ctx, h.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n, nil
}

// Purge drops the whole set for the user. Called when the account is deleted.
func (h *History) Purge(ctx context.Context, userID string) error {
	if err := h.redis.Del(ctx, h.key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
