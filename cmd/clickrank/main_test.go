package main

import (
	"testing"

	"github.com/smallbiznis/clickrank/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/fx"
)

func TestModulesValidate(t *testing.T) {
	cases := map[string]config.Config{
		"sql":              {StoreDriver: config.StoreDriverSQL, DBType: "sqlite", DBName: ":memory:", SnowflakeNode: 1},
		"redis":            {StoreDriver: config.StoreDriverRedis, SnowflakeNode: 1},
		"sql with limiter": {StoreDriver: config.StoreDriverSQL, DBType: "sqlite", SnowflakeNode: 1, RateLimit: config.RateLimitConfig{Enabled: true}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, fx.ValidateApp(modules(cfg)...))
		})
	}
}

func TestRegisterSnowflakeRejectsOutOfRangeNode(t *testing.T) {
	_, err := RegisterSnowflake(config.Config{SnowflakeNode: 1 << 20})
	assert.Error(t, err)
}
