package config

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	DefaultLeaderboardCacheTTL = 2 * time.Second
	DefaultLeaderboardSize     = 10
	maxLeaderboardSize         = 100
)

// LeaderboardConfig tunes leaderboard reads and may change at runtime.
type LeaderboardConfig struct {
	CacheTTL time.Duration
	Size     int
}

func DefaultLeaderboardConfig() LeaderboardConfig {
	return LeaderboardConfig{
		CacheTTL: DefaultLeaderboardCacheTTL,
		Size:     DefaultLeaderboardSize,
	}
}

type LeaderboardConfigHolder struct {
	current atomic.Value // holds LeaderboardConfig

	mu        sync.Mutex
	listeners []func(LeaderboardConfig)
}

func NewLeaderboardConfigHolder(log *zap.Logger) (*LeaderboardConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("leaderboard")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/clickrank")
	v.AddConfigPath(".")

	return newLeaderboardConfigHolder(v, log)
}

func newLeaderboardConfigHolder(v *viper.Viper, log *zap.Logger) (*LeaderboardConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.leaderboard")

	v.SetEnvPrefix("CLICKRANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLeaderboardConfig()
	v.SetDefault("leaderboard.cache_ttl", defaults.CacheTTL)
	v.SetDefault("leaderboard.size", defaults.Size)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeLeaderboardConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &LeaderboardConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeLeaderboardConfig(v)
			if err != nil {
				log.Warn("leaderboard config ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.set(updated)
			log.Info("leaderboard config reloaded",
				zap.String("file", e.Name),
				zap.Duration("cache_ttl", updated.CacheTTL),
				zap.Int("size", updated.Size),
			)
		})
		v.WatchConfig()
	}

	return holder, nil
}

func (h *LeaderboardConfigHolder) Get() LeaderboardConfig {
	return h.current.Load().(LeaderboardConfig)
}

// OnChange registers fn to be called after every accepted reload.
func (h *LeaderboardConfigHolder) OnChange(fn func(LeaderboardConfig)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *LeaderboardConfigHolder) set(cfg LeaderboardConfig) {
	h.current.Store(cfg)

	h.mu.Lock()
	listeners := append([]func(LeaderboardConfig){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

func decodeLeaderboardConfig(v *viper.Viper) (LeaderboardConfig, error) {
	cfg := LeaderboardConfig{
		CacheTTL: v.GetDuration("leaderboard.cache_ttl"),
		Size:     v.GetInt("leaderboard.size"),
	}
	if err := validateLeaderboardConfig(cfg); err != nil {
		return LeaderboardConfig{}, err
	}
	return cfg, nil
}

func validateLeaderboardConfig(cfg LeaderboardConfig) error {
	if cfg.CacheTTL <= 0 {
		return errors.New("leaderboard.cache_ttl must be positive")
	}
	if cfg.Size <= 0 || cfg.Size > maxLeaderboardSize {
		return errors.New("leaderboard.size must be between 1 and 100")
	}
	return nil
}
