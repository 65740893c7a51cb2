package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "ratelimit:"

// Redis implements Limiter with a sorted set per user, scored by entry
// timestamp. Useful when several server instances share one budget.
// Prune-then-count is not transactional across instances; the window is
// advisory so a small overshoot under contention is acceptable.
type Redis struct {
	client *redis.Client
	limit  int
	now    func() time.Time
}

// NewRedis creates a redis-backed limiter with the given per-window cap.
func NewRedis(client *redis.Client, limit int) *Redis {
	return &Redis{
		client: client,
		limit:  limit,
		now:    time.Now,
	}
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, userID int64) (bool, error) {
	key := r.key(userID)
	now := r.now()

	count, err := r.pruneAndCount(ctx, key, now)
	if err != nil {
		return false, err
	}
	if count >= int64(r.limit) {
		return false, nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(now.UnixNano()),
			Member: uuid.NewString(),
		})
		pipe.Expire(ctx, key, Window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remaining implements Limiter.
func (r *Redis) Remaining(ctx context.Context, userID int64) (int, error) {
	count, err := r.pruneAndCount(ctx, r.key(userID), r.now())
	if err != nil {
		return 0, err
	}

	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// ResetTime implements Limiter.
func (r *Redis) ResetTime(ctx context.Context, userID int64) (time.Time, error) {
	key := r.key(userID)
	now := r.now()

	if _, err := r.pruneAndCount(ctx, key, now); err != nil {
		return time.Time{}, err
	}

	oldest, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, err
	}
	if len(oldest) == 0 {
		return now, nil
	}

	return time.Unix(0, int64(oldest[0].Score)).Add(Window), nil
}

// pruneAndCount drops expired entries and returns the window length.
func (r *Redis) pruneAndCount(ctx context.Context, key string, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-Window).UnixNano(), 10)
	if err := r.client.ZRemRangeByScore(ctx, key, "0", cutoff).Err(); err != nil {
		return 0, err
	}
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) key(userID int64) string {
	return rateLimitKeyPrefix + strconv.FormatInt(userID, 10)
}
