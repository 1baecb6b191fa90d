package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/smallbiznis/clickrank/internal/counter/countertest"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisStoreKeyLayout(t *testing.T) {
	mr, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{KeyPrefix: "cr"}, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertUser(ctx, counterdomain.UserCounter{UserID: "u1", Country: "mx", TotalClicks: 5, LastClick: now, UpdatedAt: now}))
	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "mx", Name: "México", TotalClicks: 5, UpdatedAt: now}))

	assert.Equal(t, "5", mr.HGet("cr:user:u1", "total_clicks"))
	assert.Equal(t, "México", mr.HGet("cr:country:mx", "name"))
	members, err := mr.Members("cr:users")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
	score, err := mr.ZScore("cr:countries:rank", "mx")
	require.NoError(t, err)
	assert.Equal(t, float64(5), score)
}

// Unserialized read-modify-write increments collide on WATCH and must be
// retried rather than lost.
func TestRedisStoreRetriesConflicts(t *testing.T) {
	_, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{TxMaxRetries: 200}, zap.NewNop())
	ctx := context.Background()

	const workers = 20
	p := pool.New().WithErrors().WithContext(ctx)
	for i := 0; i < workers; i++ {
		p.Go(func(ctx context.Context) error {
			return store.Transaction(ctx, func(tx counterdomain.Tx) error {
				country, err := tx.ReadCountry(ctx, "mx")
				if err != nil {
					return err
				}
				var total int64
				if country != nil {
					total = country.TotalClicks
				}
				return tx.UpsertCountry(ctx, counterdomain.CountryCounter{
					Code:        "mx",
					Name:        "México",
					TotalClicks: total + 1,
					UpdatedAt:   time.Now().UTC(),
				})
			})
		})
	}
	require.NoError(t, p.Wait())

	country, err := store.ReadCountry(ctx, "mx")
	require.NoError(t, err)
	require.NotNil(t, country)
	assert.Equal(t, int64(workers), country.TotalClicks)
}

func TestRedisStoreSurfacesExhaustedRetries(t *testing.T) {
	_, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{TxMaxRetries: 1}, zap.NewNop())
	ctx := context.Background()

	err := store.Transaction(ctx, func(tx counterdomain.Tx) error {
		if _, err := tx.ReadCountry(ctx, "mx"); err != nil {
			return err
		}
		// a concurrent writer touches the watched key on every attempt
		if err := client.HSet(ctx, "clickrank:country:mx", "total_clicks", "99").Err(); err != nil {
			return err
		}
		return tx.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "mx", TotalClicks: 1, UpdatedAt: time.Now().UTC()})
	})
	require.ErrorIs(t, err, ErrTxConflict)
}

// Rank scores only nominate candidates; entries carry the hash totals and
// come back ordered by them even when a score is stale.
func TestRedisStoreOrdersByHashTotals(t *testing.T) {
	mr, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{}, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "aa", Name: "A", TotalClicks: 10, UpdatedAt: now}))
	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "bb", Name: "B", TotalClicks: 9, UpdatedAt: now}))
	mr.HSet("clickrank:country:bb", "total_clicks", "14")

	top, err := store.QueryTopCountries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "bb", top[0].Code)
	assert.Equal(t, int64(14), top[0].TotalClicks)
	assert.Equal(t, "aa", top[1].Code)
}

func TestRedisStoreGrandTotalFollowsUpserts(t *testing.T) {
	mr, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{}, zap.NewNop())
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "mx", Name: "México", TotalClicks: 5, UpdatedAt: now}))
	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "mx", Name: "México", TotalClicks: 8, UpdatedAt: now}))
	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "br", Name: "Brasil", TotalClicks: 2, UpdatedAt: now}))

	raw, err := mr.Get("clickrank:countries:total")
	require.NoError(t, err)
	assert.Equal(t, "10", raw)

	require.NoError(t, store.DeleteAllCountries(ctx))
	assert.False(t, mr.Exists("clickrank:countries:total"))
}

// Rankings read while batches commit are always descending and never list
// more clicks than the grand total read after them.
func TestRedisStoreRankingUnderConcurrentWrites(t *testing.T) {
	_, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{TxMaxRetries: 200}, zap.NewNop())
	ctx := context.Background()
	codes := []string{"aa", "bb", "cc", "dd"}

	p := pool.New().WithErrors().WithContext(ctx)
	for w := 0; w < 4; w++ {
		p.Go(func(ctx context.Context) error {
			for i := 0; i < 25; i++ {
				code := codes[(w+i)%len(codes)]
				err := store.Transaction(ctx, func(tx counterdomain.Tx) error {
					country, err := tx.ReadCountry(ctx, code)
					if err != nil {
						return err
					}
					var total int64
					if country != nil {
						total = country.TotalClicks
					}
					return tx.UpsertCountry(ctx, counterdomain.CountryCounter{Code: code, Name: code, TotalClicks: total + int64(w+1), UpdatedAt: time.Now().UTC()})
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	for r := 0; r < 2; r++ {
		p.Go(func(ctx context.Context) error {
			for i := 0; i < 50; i++ {
				top, err := store.QueryTopCountries(ctx, 3)
				if err != nil {
					return err
				}
				grand, err := store.SumAllCountryClicks(ctx)
				if err != nil {
					return err
				}
				var listed int64
				for j, entry := range top {
					if j > 0 && entry.TotalClicks > top[j-1].TotalClicks {
						return fmt.Errorf("entries not descending: %+v", top)
					}
					listed += entry.TotalClicks
				}
				if listed > grand {
					return fmt.Errorf("listed %d above grand total %d", listed, grand)
				}
			}
			return nil
		})
	}
	require.NoError(t, p.Wait())

	grand, err := store.SumAllCountryClicks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25*(1+2+3+4)), grand)
}

// Totals above 2^53 lose precision as zset scores; entries and the grand
// total come from exact integers.
func TestRedisStoreKeepsExactLargeTotals(t *testing.T) {
	_, client := countertest.NewRedis(t)
	store := NewRedisStore(client, RedisStoreOptions{}, zap.NewNop())
	ctx := context.Background()
	const big = int64(1)<<53 + 1

	require.NoError(t, store.UpsertCountry(ctx, counterdomain.CountryCounter{Code: "aa", Name: "A", TotalClicks: big, UpdatedAt: time.Now().UTC()}))

	top, err := store.QueryTopCountries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, big, top[0].TotalClicks)

	grand, err := store.SumAllCountryClicks(ctx)
	require.NoError(t, err)
	assert.Equal(t, big, grand)
}
