package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("RATE_LIMIT_ENABLED", "")

	cfg := Load()
	assert.Equal(t, StoreDriverSQL, cfg.StoreDriver)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 10, cfg.Redis.TxMaxRetries)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", " Redis ")
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DATABASE_MAX_OPEN_CONN", "not-a-number")
	t.Setenv("LOG_LEVEL", " DEBUG ")
	t.Setenv("OTLP_PROTOCOL", "HTTP")
	t.Setenv("OTLP_ENABLED", "off")

	cfg := Load()
	assert.Equal(t, StoreDriverRedis, cfg.StoreDriver)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 20, cfg.DBMaxOpenConn)
	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.NeedsRedis())
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
	assert.Equal(t, "http", cfg.Telemetry.OTLPProtocol)
	assert.False(t, cfg.Telemetry.OTLPEnabled)
}

func TestLeaderboardConfigDefaultsWithoutFile(t *testing.T) {
	v := viper.New()
	v.SetConfigName("leaderboard")
	v.SetConfigType("yml")
	v.AddConfigPath(t.TempDir())

	holder, err := newLeaderboardConfigHolder(v, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, DefaultLeaderboardConfig(), holder.Get())
}

func TestLeaderboardConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaderboard.yml")
	require.NoError(t, os.WriteFile(path, []byte("leaderboard:\n  cache_ttl: 500ms\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)

	holder, err := newLeaderboardConfigHolder(v, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 500*time.Millisecond, cfg.CacheTTL)
	assert.Equal(t, DefaultLeaderboardSize, cfg.Size)
}

func TestLeaderboardConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leaderboard.yml")
	require.NoError(t, os.WriteFile(path, []byte("leaderboard:\n  size: 0\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)

	_, err := newLeaderboardConfigHolder(v, zap.NewNop())
	require.Error(t, err)
}

func TestLeaderboardConfigNotifiesListeners(t *testing.T) {
	holder := &LeaderboardConfigHolder{}
	holder.current.Store(DefaultLeaderboardConfig())

	var got LeaderboardConfig
	holder.OnChange(func(cfg LeaderboardConfig) { got = cfg })

	updated := LeaderboardConfig{CacheTTL: time.Second, Size: 5}
	holder.set(updated)

	assert.Equal(t, updated, got)
	assert.Equal(t, updated, holder.Get())
}
