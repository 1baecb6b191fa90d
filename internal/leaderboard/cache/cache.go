// Package cache memoizes the leaderboard snapshot for a bounded time.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/smallbiznis/clickrank/internal/clock"
	"github.com/smallbiznis/clickrank/internal/config"
	leaderboarddomain "github.com/smallbiznis/clickrank/internal/leaderboard/domain"
)

type state struct {
	generation uint64
	snapshot   *leaderboarddomain.Snapshot
}

// Cache holds at most one snapshot. Every mutation swaps the whole state
// pointer, so readers never observe a partially written value.
type Cache struct {
	clock clock.Clock
	ttl   atomic.Int64
	state atomic.Pointer[state]
}

func New(clk clock.Clock, ttl time.Duration) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = config.DefaultLeaderboardCacheTTL
	}
	c := &Cache{clock: clk}
	c.ttl.Store(int64(ttl))
	c.state.Store(&state{})
	return c
}

func (c *Cache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL changes the validity window of current and future snapshots.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.ttl.Store(int64(ttl))
}

// Get returns the snapshot while it is younger than the TTL.
func (c *Cache) Get() (*leaderboarddomain.Snapshot, bool) {
	snapshot, _, ok := c.Lookup()
	return snapshot, ok
}

// Lookup is Get that also reports the age the freshness decision used.
func (c *Cache) Lookup() (*leaderboarddomain.Snapshot, time.Duration, bool) {
	current := c.state.Load()
	if current.snapshot == nil {
		return nil, 0, false
	}
	age := c.Age(current.snapshot)
	if age > c.TTL() {
		return nil, age, false
	}
	return current.snapshot, age, true
}

// Age reports how old snapshot is by the cache clock.
func (c *Cache) Age(snapshot *leaderboarddomain.Snapshot) time.Duration {
	return c.clock.Now().Sub(snapshot.CapturedAt)
}

// Put stores snapshot unconditionally within the current generation.
func (c *Cache) Put(snapshot *leaderboarddomain.Snapshot) {
	for {
		current := c.state.Load()
		next := &state{generation: current.generation, snapshot: snapshot}
		if c.state.CompareAndSwap(current, next) {
			return
		}
	}
}

// Generation identifies the current invalidation epoch. Capture it before
// reading the store and hand it to PutIfCurrent.
func (c *Cache) Generation() uint64 {
	return c.state.Load().generation
}

// PutIfCurrent stores snapshot only if no Invalidate happened since
// generation was captured.
func (c *Cache) PutIfCurrent(generation uint64, snapshot *leaderboarddomain.Snapshot) bool {
	for {
		current := c.state.Load()
		if current.generation != generation {
			return false
		}
		next := &state{generation: generation, snapshot: snapshot}
		if c.state.CompareAndSwap(current, next) {
			return true
		}
	}
}

// Invalidate drops the snapshot and starts a new generation.
func (c *Cache) Invalidate() {
	for {
		current := c.state.Load()
		next := &state{generation: current.generation + 1}
		if c.state.CompareAndSwap(current, next) {
			return
		}
	}
}

// Watch applies TTL changes from the hot-reloaded leaderboard config.
func (c *Cache) Watch(holder *config.LeaderboardConfigHolder) {
	if holder == nil {
		return
	}
	holder.OnChange(func(cfg config.LeaderboardConfig) {
		c.SetTTL(cfg.CacheTTL)
	})
}
