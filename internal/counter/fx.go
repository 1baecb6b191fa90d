package counter

import (
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/smallbiznis/clickrank/internal/counter/keylock"
	"github.com/smallbiznis/clickrank/internal/counter/liveevents"
	"github.com/smallbiznis/clickrank/internal/counter/repository"
	"github.com/smallbiznis/clickrank/internal/counter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("counter.service",
	fx.Provide(keylock.New),
	fx.Provide(liveevents.NewHub),
	fx.Provide(func(hub *liveevents.Hub) counterdomain.EventPublisher { return hub }),
	fx.Provide(service.New),
)

// SQLStoreModule backs counters with the gorm connection.
var SQLStoreModule = fx.Module("counter.store.sql",
	fx.Provide(repository.ProvideSQL),
)

// RedisStoreModule backs counters with the shared Redis client.
var RedisStoreModule = fx.Module("counter.store.redis",
	fx.Provide(repository.ProvideRedis),
)
