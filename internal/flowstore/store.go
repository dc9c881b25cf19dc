package flowstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound         = errors.New("flow record not found")
	ErrAttemptsExceeded = errors.New("flow attempts exceeded")
	ErrDuplicateSecret  = errors.New("flow secret already in use")
	ErrRedisUnavailable = errors.New("flow store backend unavailable")
)

// Store keeps flow records in Redis, keyed by the SHA-256 fingerprint of the
// flow secret. The plaintext secret never reaches the store. Record TTLs are
// enforced by Redis; an expired record is indistinguishable from one that
// never existed.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a flow record [Store] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "fl"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(fingerprint [32]byte) string {
	return s.prefix + ":" + base64.RawURLEncoding.EncodeToString(fingerprint[:])
}

// Create stores a fresh record under the secret fingerprint with the given
// TTL. The write is conditional on the key not existing, so two flows can
// never share a secret.
func (s *Store) Create(ctx context.Context, fingerprint [32]byte, record *Record, ttl time.Duration) error {
	record.Attempts = 0
	record.ExpiresAt = time.Now().Add(ttl).Unix()

	encoded, err := encodeRecord(record)
	if err != nil {
		return err
	}

	ok, err := s.redis.SetNX(ctx, s.key(fingerprint), encoded, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if !ok {
		return ErrDuplicateSecret
	}

	return nil
}

// Get loads the record stored under the secret fingerprint. Absent and
// expired records both report [ErrNotFound].
func (s *Store) Get(ctx context.Context, fingerprint [32]byte) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	record, err := decodeRecord(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(fingerprint)).Result()
		return nil, ErrNotFound
	}

	return record, nil
}

// RegisterFailure atomically increments the record's attempt counter. Up to
// maxAttempts failures are tolerated; the increment that would push the
// counter past the ceiling deletes the record instead and returns
// [ErrAttemptsExceeded]. The condition is terminal and the secret becomes
// unusable.
func (s *Store) RegisterFailure(ctx context.Context, fingerprint [32]byte, maxAttempts int) error {
	const maxRetries = 16
	key := s.key(fingerprint)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeRecord(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			record.Attempts++
			if int(record.Attempts) > maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrNotFound
			}

			updated, err := encodeRecord(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		if exceeded {
			return ErrAttemptsExceeded
		}
		return nil
	}

	return fmt.Errorf("%w: optimistic retries exhausted", ErrRedisUnavailable)
}

// Consume atomically loads and deletes the record, so each secret can be
// accepted at most once. Concurrent consumers of the same secret see exactly
// one success; the rest get [ErrNotFound].
func (s *Store) Consume(ctx context.Context, fingerprint [32]byte) (*Record, error) {
	const maxRetries = 16
	key := s.key(fingerprint)

	for i := 0; i < maxRetries; i++ {
		var consumed *Record

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeRecord(data)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			if err != nil {
				return err
			}

			if time.Now().Unix() > record.ExpiresAt {
				return ErrNotFound
			}

			consumed = record
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}

		return consumed, nil
	}

	return nil, fmt.Errorf("%w: optimistic retries exhausted", ErrRedisUnavailable)
}

// Delete removes the record unconditionally. It reports whether a record was
// actually present.
func (s *Store) Delete(ctx context.Context, fingerprint [32]byte) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}
