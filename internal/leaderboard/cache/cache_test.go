package cache

import (
	"testing"
	"time"

	"github.com/smallbiznis/clickrank/internal/clock"
	leaderboarddomain "github.com/smallbiznis/clickrank/internal/leaderboard/domain"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotAt(t time.Time, total int64) *leaderboarddomain.Snapshot {
	return &leaderboarddomain.Snapshot{
		Entries:    []leaderboarddomain.Entry{{CountryCode: "mx", CountryName: "México", TotalClicks: total}},
		GrandTotal: total,
		CapturedAt: t,
	}
}

func TestGetMissesWhenEmpty(t *testing.T) {
	c := New(clock.NewFakeClock(time.Unix(0, 0)), 2*time.Second)
	snap, ok := c.Get()
	assert.False(t, ok)
	assert.Nil(t, snap)
}

func TestGetHonoursTTL(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := New(clk, 2*time.Second)
	c.Put(snapshotAt(clk.Now(), 5))

	clk.Advance(2 * time.Second)
	snap, ok := c.Get()
	require.True(t, ok, "snapshot at exactly the TTL is still valid")
	assert.Equal(t, int64(5), snap.GrandTotal)

	clk.Advance(time.Millisecond)
	_, ok = c.Get()
	assert.False(t, ok)
}

func TestInvalidateForcesMiss(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(100, 0))
	c := New(clk, time.Minute)
	c.Put(snapshotAt(clk.Now(), 5))

	c.Invalidate()
	_, ok := c.Get()
	assert.False(t, ok)
}

func TestPutIfCurrentRejectsStaleGeneration(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(100, 0))
	c := New(clk, time.Minute)

	gen := c.Generation()
	c.Invalidate()

	assert.False(t, c.PutIfCurrent(gen, snapshotAt(clk.Now(), 1)))
	_, ok := c.Get()
	assert.False(t, ok)

	assert.True(t, c.PutIfCurrent(c.Generation(), snapshotAt(clk.Now(), 2)))
	snap, ok := c.Get()
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.GrandTotal)
}

func TestSetTTLAppliesToCachedSnapshot(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(100, 0))
	c := New(clk, time.Minute)
	c.Put(snapshotAt(clk.Now(), 5))
	clk.Advance(2 * time.Second)

	c.SetTTL(time.Second)
	_, ok := c.Get()
	assert.False(t, ok)

	c.SetTTL(0)
	assert.Equal(t, time.Second, c.TTL())
}

func TestConcurrentAccess(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(100, 0))
	c := New(clk, time.Minute)

	var wg conc.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Go(func() {
			c.Put(snapshotAt(clk.Now(), int64(i)))
			if snap, ok := c.Get(); ok {
				assert.NotNil(t, snap)
			}
			c.Invalidate()
		})
	}
	wg.Wait()

	assert.Equal(t, uint64(50), c.Generation())
}
