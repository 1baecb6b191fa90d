package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clickrank/internal/clock"
	"github.com/smallbiznis/clickrank/internal/config"
	"github.com/smallbiznis/clickrank/internal/counter"
	"github.com/smallbiznis/clickrank/internal/leaderboard"
	"github.com/smallbiznis/clickrank/internal/migration"
	"github.com/smallbiznis/clickrank/internal/observability"
	"github.com/smallbiznis/clickrank/internal/ratelimit"
	"github.com/smallbiznis/clickrank/internal/redisclient"
	"github.com/smallbiznis/clickrank/internal/server"
	"github.com/smallbiznis/clickrank/pkg/db"
	"go.uber.org/fx"
)

func main() {
	cfg := config.Load()

	app := fx.New(modules(cfg)...)
	app.Run()
}

func modules(cfg config.Config) []fx.Option {
	opts := []fx.Option{
		// Core Infrastructure
		fx.Supply(cfg),
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
	}

	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		opts = append(opts, counter.RedisStoreModule)
	default:
		opts = append(opts,
			db.Module,
			migration.Module,
			counter.SQLStoreModule,
		)
	}
	if cfg.NeedsRedis() {
		opts = append(opts, redisclient.Module)
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, ratelimit.Module)
	}

	// Functional Domains
	opts = append(opts,
		counter.Module,
		leaderboard.Module,
		server.Module,
	)
	return opts
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
