package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookingcore/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyWrites = "bookingcore:ratelimit:writes:%s"

// WriteLimiter throttles mutating API calls per client.
type WriteLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  *redis.Client `optional:"true"`
}

// NewWriteLimiter returns nil when redis is absent or the rate is disabled.
func NewWriteLimiter(p Params) *WriteLimiter {
	limits := p.Config.RateLimit
	if p.Redis == nil || limits.WriteRate <= 0 || limits.WriteBurst <= 0 {
		p.Log.Info("write rate limiting disabled")
		return nil
	}
	return &WriteLimiter{
		bucket: NewTokenBucket(p.Redis),
		rate:   limits.WriteRate,
		burst:  limits.WriteBurst,
	}
}

func (l *WriteLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *WriteLimiter) Allow(ctx context.Context, client string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	client = strings.TrimSpace(client)
	if client == "" {
		client = "anonymous"
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyWrites, client), l.rate, l.burst)
}
