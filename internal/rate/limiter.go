package rate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Windows applies Redis-backed window counters. It holds no policy; callers
// pass limits and windows per call.
type Windows struct {
	redis redis.UniversalClient
}

// New creates a [Windows] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Windows {
	return &Windows{redis: redisClient}
}

// FixedWindow counts a hit against key and fails with ErrRateLimited once
// more than limit hits land inside the window.
func (w *Windows) FixedWindow(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := w.Increment(ctx, key, window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return ErrRateLimited
	}
	return nil
}

// SlidingWindow keeps a timestamp log in a sorted set and admits the hit only
// if fewer than limit hits remain within the trailing window. Denied hits are
// not kept in the log.
func (w *Windows) SlidingWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) error {
	nowMs := now.UnixMilli()
	floor := nowMs - window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + ":" + uuid.NewString()

	var card *redis.IntCmd
	_, err := w.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(floor, 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
		card = pipe.ZCard(ctx, key)
		pipe.PExpire(ctx, key, window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if card.Val() > int64(limit) {
		if err := w.redis.ZRem(ctx, key, member).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return ErrRateLimited
	}

	return nil
}

// Count returns the current counter value. Missing keys count as zero.
func (w *Windows) Count(ctx context.Context, key string) (int64, error) {
	count, err := w.redis.Get(ctx, key).Int64()
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

// Increment bumps a counter and returns the new value.
func (w *Windows) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := w.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := w.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

// Reset deletes the given counters.
func (w *Windows) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := w.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
