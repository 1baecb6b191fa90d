// Package redisclient owns the process-wide Redis connection pool.
package redisclient

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/clickrank/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// New opens the pool and pings it on start so a bad address fails boot.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         strings.TrimSpace(cfg.Redis.Addr),
		Password:     strings.TrimSpace(cfg.Redis.Password),
		DB:           cfg.Redis.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				return err
			}
			log.Info("redis connected", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

var Module = fx.Module("redis",
	fx.Provide(New),
)
