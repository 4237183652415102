// Package ratelimit throttles abusive callers. OTP sends are limited per
// mobile number; the public OTP routes are also limited per client address.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Result describes the outcome of taking one token.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Limiter takes one token for key.
type Limiter interface {
	Take(ctx context.Context, key string) (Result, error)
}

// Fixed is a fixed-window limiter on top of ulule/limiter.
type Fixed struct {
	L *limiter.Limiter
}

// NewFixed builds a Fixed limiter from a formatted rate such as "5-H".
func NewFixed(rate string, store limiter.Store) (Fixed, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return Fixed{}, fmt.Errorf("parse rate %q: %w", rate, err)
	}
	return Fixed{L: limiter.New(store, parsed)}, nil
}

// NewRedisStore returns a limiter store backed by Redis.
func NewRedisStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// NewMemoryStore returns a process-local limiter store.
func NewMemoryStore() limiter.Store {
	return memory.NewStore()
}

// Take implements Limiter.
func (f Fixed) Take(ctx context.Context, key string) (Result, error) {
	if f.L == nil {
		return Result{Allowed: true}, nil
	}
	lctx, err := f.L.Get(ctx, key)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Allowed:   !lctx.Reached,
		Limit:     int(lctx.Limit),
		Remaining: int(lctx.Remaining),
		Reset:     time.Unix(lctx.Reset, 0),
	}, nil
}

// SlidingWindow is a sliding-window limiter backed by Redis sorted sets.
type SlidingWindow struct {
	Client *redis.Client
	Prefix string
	Window time.Duration
	Max    int
}

// Take implements Limiter.
func (l SlidingWindow) Take(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	until := now.Add(l.Window)
	if l.Client == nil || l.Max <= 0 || l.Window <= 0 {
		return Result{Allowed: true, Limit: l.Max, Remaining: l.Max, Reset: until}, nil
	}

	score := float64(now.UnixNano())
	cutoff := float64(now.Add(-l.Window).UnixNano())
	redisKey := l.Prefix + key
	member := fmt.Sprintf("%s:%s", key, uuid.NewString())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{Limit: l.Max, Reset: until}, err
	}

	current := int(countCmd.Val())
	remaining := l.Max - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   current <= l.Max,
		Limit:     l.Max,
		Remaining: remaining,
		Reset:     until,
	}, nil
}
