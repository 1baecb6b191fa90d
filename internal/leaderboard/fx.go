package leaderboard

import (
	"github.com/smallbiznis/clickrank/internal/clock"
	"github.com/smallbiznis/clickrank/internal/config"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/smallbiznis/clickrank/internal/leaderboard/cache"
	"github.com/smallbiznis/clickrank/internal/leaderboard/service"
	"go.uber.org/fx"
)

var Module = fx.Module("leaderboard.service",
	fx.Provide(NewCache),
	fx.Provide(func(c *cache.Cache) counterdomain.CacheInvalidator { return c }),
	fx.Provide(service.New),
)

// NewCache sizes the snapshot cache from the tuning file and follows reloads.
func NewCache(clk clock.Clock, holder *config.LeaderboardConfigHolder) *cache.Cache {
	c := cache.New(clk, holder.Get().CacheTTL)
	c.Watch(holder)
	return c
}
