package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/clickrank/internal/config"
)

const (
	keyClickIngestClient = "clickrank:ratelimit:client:%s"
	keyClickIngestUser   = "clickrank:ratelimit:user:%s"
)

// ClickIngestLimiter throttles click submissions per client address and
// per player. It bounds request volume only and never inspects totals.
type ClickIngestLimiter struct {
	bucket *TokenBucket

	clientRate  float64
	clientBurst int
	userRate    float64
	userBurst   int
}

func NewClickIngestLimiter(cfg config.Config, client *redis.Client) (*ClickIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if client == nil {
		return nil, errors.New("click ingest rate limit requires redis")
	}
	if limitCfg.ClientRate <= 0 || limitCfg.ClientBurst <= 0 {
		return nil, errors.New("click ingest client rate limit must be positive")
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("click ingest user rate limit must be positive")
	}

	return &ClickIngestLimiter{
		bucket:      NewTokenBucket(client),
		clientRate:  limitCfg.ClientRate,
		clientBurst: limitCfg.ClientBurst,
		userRate:    limitCfg.UserRate,
		userBurst:   limitCfg.UserBurst,
	}, nil
}

func (l *ClickIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *ClickIngestLimiter) AllowClient(ctx context.Context, clientAddr string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyClickIngestClient, strings.TrimSpace(clientAddr))
	return l.bucket.Allow(ctx, key, l.clientRate, l.clientBurst)
}

func (l *ClickIngestLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return &RateLimitResult{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyClickIngestUser, userID)
	return l.bucket.Allow(ctx, key, l.userRate, l.userBurst)
}
