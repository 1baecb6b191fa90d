package repository

import (
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/clickrank/internal/config"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func ProvideSQL(db *gorm.DB) counterdomain.Store {
	return NewSQLStore(db)
}

func ProvideRedis(client *redis.Client, cfg config.Config, log *zap.Logger) counterdomain.Store {
	return NewRedisStore(client, RedisStoreOptions{
		KeyPrefix:    cfg.Redis.KeyPrefix,
		TxMaxRetries: cfg.Redis.TxMaxRetries,
	}, log)
}
