package ratelimit

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/payauth/internal/config"
)

const keyAuthorizeRestaurant = "payauth:ratelimit:authorize:%s"

// AuthorizeLimiter caps the per-restaurant rate on the authorize endpoint.
// Disabled (allow-everything) when no rate or no redis is configured.
type AuthorizeLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewAuthorizeLimiter(cfg config.Config, client *redis.Client) *AuthorizeLimiter {
	if cfg.RateLimitPerSecond <= 0 || client == nil {
		return &AuthorizeLimiter{}
	}
	return &AuthorizeLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    cfg.RateLimitPerSecond,
		burst:   cfg.RateLimitBurst,
	}
}

func (l *AuthorizeLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *AuthorizeLimiter) Allow(ctx context.Context, restaurantID string) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyAuthorizeRestaurant, restaurantID), l.rate, l.burst)
}
