package faststore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Egham-7/adaptive-cache/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 200

// Store wraps the Redis exact-match tier. The fast store is strictly
// best-effort: the first adapter error disables it for the remainder of the
// process lifetime (logged once) and every later call reports a miss/no-op.
// Context cancellation does not count as an adapter failure.
type Store struct {
	client   *redis.Client
	disabled atomic.Bool
}

// New creates a fast store over an existing Redis client. A nil client
// yields a permanently disabled store.
func New(client *redis.Client) *Store {
	s := &Store{client: client}
	if client == nil {
		s.disabled.Store(true)
	}
	return s
}

// Enabled reports whether the fast store is still usable.
func (s *Store) Enabled() bool {
	return !s.disabled.Load()
}

// Get fetches the payload for an exact-match key. A missing key is
// (nil, false, nil), never an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		s.fail("get", err)
		return nil, false, models.NewAdapterUnavailableError("fast_store", err)
	}
	return val, true, nil
}

// SetWithTTL writes a payload with the given expiry.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !s.Enabled() {
		return nil
	}

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.fail("set", err)
		return models.NewAdapterUnavailableError("fast_store", err)
	}
	return nil
}

// DeleteByPrefix removes every key under the prefix and returns the count.
func (s *Store) DeleteByPrefix(ctx context.Context, prefix string) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}

	var deleted int64
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	batch := make([]string, 0, scanBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= scanBatchSize {
			if err := flush(); err != nil {
				s.fail("delete_by_prefix", err)
				return deleted, models.NewAdapterUnavailableError("fast_store", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		s.fail("delete_by_prefix", err)
		return deleted, models.NewAdapterUnavailableError("fast_store", err)
	}
	if err := flush(); err != nil {
		s.fail("delete_by_prefix", err)
		return deleted, models.NewAdapterUnavailableError("fast_store", err)
	}

	return deleted, nil
}

// CountKeys returns the number of keys under the prefix.
func (s *Store) CountKeys(ctx context.Context, prefix string) (int64, error) {
	if !s.Enabled() {
		return 0, nil
	}

	var count int64
	iter := s.client.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		s.fail("count_keys", err)
		return 0, models.NewAdapterUnavailableError("fast_store", err)
	}
	return count, nil
}

// fail marks the adapter unusable unless the error is caller cancellation.
func (s *Store) fail(op string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		fiberlog.Debugf("FastStore: %s cancelled: %v", op, err)
		return
	}
	if s.disabled.CompareAndSwap(false, true) {
		fiberlog.Errorf("FastStore: disabling for process lifetime after %s failure: %v", op, err)
	}
}
