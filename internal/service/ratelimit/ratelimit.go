package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultLimit is the default per-user message budget per window.
	DefaultLimit = 20
	// Window is the trailing admission window.
	Window = time.Minute
)

var (
	ErrInvalidConfig    = errors.New("invalid rate limit configuration")
	ErrInvalidStoreType = errors.New("invalid rate limit store type")
)

// Limiter gatekeeps per-user message throughput over a sliding window.
// Admission is advisory backpressure, not billing-grade accounting.
type Limiter interface {
	// Allow prunes expired entries, then either rejects without recording
	// or records the attempt and admits it.
	Allow(ctx context.Context, userID int64) (bool, error)

	// Remaining reports how many messages the user may still send in the
	// current window. Never negative.
	Remaining(ctx context.Context, userID int64) (int, error)

	// ResetTime reports when the oldest entry in the current window
	// expires, i.e. when capacity frees up. Returns the current time for
	// an empty window.
	ResetTime(ctx context.Context, userID int64) (time.Time, error)
}

// StoreType selects the backing store for the sliding window.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

type limiterConfig struct {
	limit       int
	redisClient *redis.Client
}

// Option configures the limiter factory.
type Option func(*limiterConfig)

// WithLimit overrides the per-window message cap.
func WithLimit(limit int) Option {
	return func(c *limiterConfig) { c.limit = limit }
}

// WithRedisClient supplies the client required by the redis store.
func WithRedisClient(client *redis.Client) Option {
	return func(c *limiterConfig) { c.redisClient = client }
}

// New creates a Limiter backed by the given store type.
func New(storeType StoreType, opts ...Option) (Limiter, error) {
	cfg := &limiterConfig{limit: DefaultLimit}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.limit <= 0 {
		return nil, ErrInvalidConfig
	}

	switch storeType {
	case StoreTypeMemory:
		return NewMemory(cfg.limit), nil
	case StoreTypeRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return NewRedis(cfg.redisClient, cfg.limit), nil
	default:
		return nil, ErrInvalidStoreType
	}
}
