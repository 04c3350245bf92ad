// Package ratelimit wraps the redis token-bucket limiter with per-user
// keys budgeted in estimated tokens per minute.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	tokenbucket "github.com/vnmchuo/ratelimiter"
)

type Limiter struct {
	store tokenbucket.Limiter
}

func NewLimiter(rdb *redis.Client, tokensPerMinute int64) *Limiter {
	store := tokenbucket.NewRedisStore(rdb,
		tokenbucket.WithLimit(int(tokensPerMinute)),
		tokenbucket.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewTestLimiter injects an arbitrary backing store.
func NewTestLimiter(store tokenbucket.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow spends tokens from the user's budget; false means over limit.
func (l *Limiter) Allow(ctx context.Context, userID string, tokens int) (bool, error) {
	res, err := l.store.AllowN(ctx, userKey(userID), tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, userID string) (*tokenbucket.Result, error) {
	return l.store.Status(ctx, userKey(userID))
}

func userKey(userID string) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}
