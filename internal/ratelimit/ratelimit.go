// Package ratelimit implements the outbound rate-limit management the
// purpose statement calls for on both the price oracle and the
// blockchain indexer. It complements the loader's mandatory
// inter-request sleep (a lower bound, enforced directly by the loader
// per §5) with a shared, inspectable upper bound backed by Redis, so
// multiple process instances calling the same external API stay within
// its published budget instead of each independently guessing a safe
// sleep duration.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter enforces a fixed-window request budget per named resource
// (e.g. "indexer", "oracle", "node") using Redis INCR + EXPIRE, so the
// window is shared across every process pointed at the same Redis
// instance.
type Limiter struct {
	redisClient *redis.Client
	keyPrefix   string
	window      time.Duration
	maxPerWindow int64
}

// New builds a Limiter allowing maxPerWindow calls per window, keyed
// under keyPrefix in Redis.
func New(redisClient *redis.Client, keyPrefix string, maxPerWindow int64, window time.Duration) *Limiter {
	return &Limiter{
		redisClient:  redisClient,
		keyPrefix:    keyPrefix,
		window:       window,
		maxPerWindow: maxPerWindow,
	}
}

// Allow increments resource's counter for the current window and reports
// whether the call is within budget. It never blocks; callers combine it
// with their own mandatory sleep (the loader's 500ms, for instance) and
// back off further when Allow returns false.
func (l *Limiter) Allow(ctx context.Context, resource string) (bool, error) {
	key := fmt.Sprintf("%s:%s:%d", l.keyPrefix, resource, time.Now().Unix()/int64(l.window.Seconds()))

	count, err := l.redisClient.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: incrementing counter for %s: %w", resource, err)
	}
	if count == 1 {
		if err := l.redisClient.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("ratelimit: setting expiry for %s: %w", resource, err)
		}
	}
	return count <= l.maxPerWindow, nil
}

// Wait blocks, polling Allow at a fraction of the window, until resource
// is within budget or ctx is cancelled. Used by callers that must proceed
// eventually rather than skip the call outright.
func (l *Limiter) Wait(ctx context.Context, resource string) error {
	pollInterval := l.window / 10
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		ok, err := l.Allow(ctx, resource)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
