package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix    = "clickrank"
	defaultTxMaxRetries = 10
	deleteChunkSize     = 500
)

// ErrTxConflict is returned when optimistic retries are exhausted.
var ErrTxConflict = errors.New("redis transaction conflict")

// keyspace lays out counters as one hash per entity plus three indexes:
// a set of user ids, a sorted set of country codes scored by clicks, and
// an exact integer grand total. Hash totals are authoritative; rank scores
// are float64 and only select candidates.
type keyspace struct {
	prefix string
}

func (k keyspace) user(id string) string      { return k.prefix + ":user:" + id }
func (k keyspace) countryPrefix() string      { return k.prefix + ":country:" }
func (k keyspace) country(code string) string { return k.countryPrefix() + code }
func (k keyspace) users() string              { return k.prefix + ":users" }
func (k keyspace) rank() string               { return k.prefix + ":countries:rank" }
func (k keyspace) total() string              { return k.prefix + ":countries:total" }

// topCountriesScript reads the ranking and the matching hashes in one
// atomic step. Every member scoring at least the limit-th score is
// returned, so ties created by float rounding are resolved by the caller
// on exact totals.
const topCountriesScript = `
local rank = KEYS[1]
local prefix = ARGV[1]
local limit = tonumber(ARGV[2])

local members
if redis.call("ZCARD", rank) <= limit then
  members = redis.call("ZREVRANGE", rank, 0, -1, "WITHSCORES")
else
  local floor = redis.call("ZREVRANGE", rank, limit - 1, limit - 1, "WITHSCORES")
  members = redis.call("ZREVRANGEBYSCORE", rank, "+inf", floor[2], "WITHSCORES")
end

local out = {}
for i = 1, #members, 2 do
  local code = members[i]
  local fields = redis.call("HMGET", prefix .. code, "name", "total_clicks", "updated_at")
  table.insert(out, code)
  table.insert(out, members[i + 1])
  table.insert(out, fields[1] or "")
  table.insert(out, fields[2] or "")
  table.insert(out, fields[3] or "")
end
return out
`

var topCountries = redis.NewScript(topCountriesScript)

type RedisStoreOptions struct {
	KeyPrefix    string
	TxMaxRetries int
}

type redisStore struct {
	client     *redis.Client
	keys       keyspace
	maxRetries int
	log        *zap.Logger
}

// NewRedisStore keeps counters in Redis. Transactions use WATCH/MULTI and
// are retried with backoff when a watched key changes underneath them.
func NewRedisStore(client *redis.Client, opts RedisStoreOptions, log *zap.Logger) counterdomain.Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	retries := opts.TxMaxRetries
	if retries <= 0 {
		retries = defaultTxMaxRetries
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &redisStore{
		client:     client,
		keys:       keyspace{prefix: prefix},
		maxRetries: retries,
		log:        log.Named("counter.redis_store"),
	}
}

func (s *redisStore) Transaction(ctx context.Context, fn func(tx counterdomain.Tx) error) error {
	attempts := 0
	operation := func() error {
		attempts++
		err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := newRedisTx(s.keys, rtx)
			if err := fn(tx); err != nil {
				return err
			}
			if len(tx.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for _, write := range tx.writes {
					write(ctx, pipe)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(2*time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	), uint64(s.maxRetries))

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		s.log.Debug("redis transaction conflict, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
		)
	})
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w after %d attempts", ErrTxConflict, attempts)
	}
	return err
}

func (s *redisStore) ReadUser(ctx context.Context, userID string) (*counterdomain.UserCounter, error) {
	var out *counterdomain.UserCounter
	err := s.Transaction(ctx, func(tx counterdomain.Tx) error {
		var err error
		out, err = tx.ReadUser(ctx, userID)
		return err
	})
	return out, err
}

func (s *redisStore) ReadCountry(ctx context.Context, code string) (*counterdomain.CountryCounter, error) {
	var out *counterdomain.CountryCounter
	err := s.Transaction(ctx, func(tx counterdomain.Tx) error {
		var err error
		out, err = tx.ReadCountry(ctx, code)
		return err
	})
	return out, err
}

func (s *redisStore) UpsertUser(ctx context.Context, user counterdomain.UserCounter) error {
	return s.Transaction(ctx, func(tx counterdomain.Tx) error {
		return tx.UpsertUser(ctx, user)
	})
}

func (s *redisStore) UpsertCountry(ctx context.Context, country counterdomain.CountryCounter) error {
	return s.Transaction(ctx, func(tx counterdomain.Tx) error {
		return tx.UpsertCountry(ctx, country)
	})
}

func (s *redisStore) DeleteAllUsers(ctx context.Context) error {
	return s.Transaction(ctx, func(tx counterdomain.Tx) error {
		return tx.DeleteAllUsers(ctx)
	})
}

func (s *redisStore) DeleteAllCountries(ctx context.Context) error {
	return s.Transaction(ctx, func(tx counterdomain.Tx) error {
		return tx.DeleteAllCountries(ctx)
	})
}

func (s *redisStore) QueryTopCountries(ctx context.Context, limit int) ([]counterdomain.CountryCounter, error) {
	if limit <= 0 {
		return []counterdomain.CountryCounter{}, nil
	}
	raw, err := topCountries.Run(ctx, s.client, []string{s.keys.rank()}, s.keys.countryPrefix(), limit).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(raw)%5 != 0 {
		return nil, fmt.Errorf("top countries: unexpected reply of %d fields", len(raw))
	}

	out := make([]counterdomain.CountryCounter, 0, len(raw)/5)
	for i := 0; i < len(raw); i += 5 {
		country, err := decodeRankedCountry(raw[i], raw[i+1], raw[i+2], raw[i+3], raw[i+4])
		if err != nil {
			return nil, err
		}
		out = append(out, country)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalClicks != out[j].TotalClicks {
			return out[i].TotalClicks > out[j].TotalClicks
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// decodeRankedCountry falls back to the rank score when the hash total is
// missing.
func decodeRankedCountry(code, score, name, total, updatedAt string) (counterdomain.CountryCounter, error) {
	fields := map[string]string{"name": name, "total_clicks": total, "updated_at": updatedAt}
	country, err := decodeCountry(code, fields)
	if err != nil {
		return counterdomain.CountryCounter{}, err
	}
	if total == "" {
		f, err := strconv.ParseFloat(score, 64)
		if err != nil {
			return counterdomain.CountryCounter{}, fmt.Errorf("decode score: %w", err)
		}
		country.TotalClicks = int64(f)
	}
	return *country, nil
}

func (s *redisStore) SumAllCountryClicks(ctx context.Context) (int64, error) {
	total, err := s.client.Get(ctx, s.keys.total()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return total, err
}

func (s *redisStore) CountUsers(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.keys.users()).Result()
}

func (s *redisStore) CountCountries(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.keys.rank()).Result()
}

type queuedWrite func(ctx context.Context, pipe redis.Pipeliner)

// redisTx watches every key it reads and buffers writes until commit.
// Buffered rows are served back to later reads in the same transaction.
type redisTx struct {
	keys keyspace
	rtx  *redis.Tx

	writes    []queuedWrite
	users     map[string]counterdomain.UserCounter
	countries map[string]counterdomain.CountryCounter

	usersCleared     bool
	countriesCleared bool
}

func newRedisTx(keys keyspace, rtx *redis.Tx) *redisTx {
	return &redisTx{
		keys:      keys,
		rtx:       rtx,
		users:     make(map[string]counterdomain.UserCounter),
		countries: make(map[string]counterdomain.CountryCounter),
	}
}

func (t *redisTx) ReadUser(ctx context.Context, userID string) (*counterdomain.UserCounter, error) {
	if user, ok := t.users[userID]; ok {
		return &user, nil
	}
	if t.usersCleared {
		return nil, nil
	}
	key := t.keys.user(userID)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, err
	}
	fields, err := t.rtx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return decodeUser(userID, fields)
}

func (t *redisTx) ReadCountry(ctx context.Context, code string) (*counterdomain.CountryCounter, error) {
	if country, ok := t.countries[code]; ok {
		return &country, nil
	}
	if t.countriesCleared {
		return nil, nil
	}
	key := t.keys.country(code)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, err
	}
	fields, err := t.rtx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	return decodeCountry(code, fields)
}

func (t *redisTx) UpsertUser(_ context.Context, user counterdomain.UserCounter) error {
	if user.UserID == "" {
		return errors.New("upsert user: empty user_id")
	}
	t.users[user.UserID] = user
	key := t.keys.user(user.UserID)
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key,
			"country", user.Country,
			"total_clicks", user.TotalClicks,
			"last_click", user.LastClick.UnixMilli(),
			"updated_at", user.UpdatedAt.UnixMilli(),
		)
		pipe.SAdd(ctx, t.keys.users(), user.UserID)
	})
	return nil
}

func (t *redisTx) UpsertCountry(ctx context.Context, country counterdomain.CountryCounter) error {
	if country.Code == "" {
		return errors.New("upsert country: empty code")
	}
	prior, err := t.ReadCountry(ctx, country.Code)
	if err != nil {
		return err
	}
	delta := country.TotalClicks
	if prior != nil {
		delta -= prior.TotalClicks
	}

	t.countries[country.Code] = country
	key := t.keys.country(country.Code)
	t.writes = append(t.writes, func(ctx context.Context, pipe redis.Pipeliner) {
		pipe.HSet(ctx, key,
			"name", country.Name,
			"total_clicks", country.TotalClicks,
			"updated_at", country.UpdatedAt.UnixMilli(),
		)
		pipe.ZAdd(ctx, t.keys.rank(), redis.Z{Score: float64(country.TotalClicks), Member: country.Code})
		if delta != 0 {
			pipe.IncrBy(ctx, t.keys.total(), delta)
		}
	})
	return nil
}

func (t *redisTx) DeleteAllUsers(ctx context.Context) error {
	index := t.keys.users()
	if err := t.rtx.Watch(ctx, index).Err(); err != nil {
		return err
	}
	ids, err := t.rtx.SMembers(ctx, index).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, t.keys.user(id))
	}
	keys = append(keys, index)

	clear(t.users)
	t.usersCleared = true
	t.writes = append(t.writes, deleteKeys(keys))
	return nil
}

func (t *redisTx) DeleteAllCountries(ctx context.Context) error {
	index := t.keys.rank()
	if err := t.rtx.Watch(ctx, index).Err(); err != nil {
		return err
	}
	if err := t.rtx.Watch(ctx, t.keys.total()).Err(); err != nil {
		return err
	}
	codes, err := t.rtx.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(codes)+2)
	for _, code := range codes {
		keys = append(keys, t.keys.country(code))
	}
	keys = append(keys, index, t.keys.total())

	clear(t.countries)
	t.countriesCleared = true
	t.writes = append(t.writes, deleteKeys(keys))
	return nil
}

func deleteKeys(keys []string) queuedWrite {
	return func(ctx context.Context, pipe redis.Pipeliner) {
		for start := 0; start < len(keys); start += deleteChunkSize {
			end := min(start+deleteChunkSize, len(keys))
			pipe.Del(ctx, keys[start:end]...)
		}
	}
}

func decodeUser(userID string, fields map[string]string) (*counterdomain.UserCounter, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	total, err := parseInt(fields, "total_clicks")
	if err != nil {
		return nil, err
	}
	lastClick, err := parseInt(fields, "last_click")
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseInt(fields, "updated_at")
	if err != nil {
		return nil, err
	}
	return &counterdomain.UserCounter{
		UserID:      userID,
		Country:     fields["country"],
		TotalClicks: total,
		LastClick:   time.UnixMilli(lastClick).UTC(),
		UpdatedAt:   time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func decodeCountry(code string, fields map[string]string) (*counterdomain.CountryCounter, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	total, err := parseInt(fields, "total_clicks")
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseInt(fields, "updated_at")
	if err != nil {
		return nil, err
	}
	return &counterdomain.CountryCounter{
		Code:        code,
		Name:        fields["name"],
		TotalClicks: total,
		UpdatedAt:   time.UnixMilli(updatedAt).UTC(),
	}, nil
}

func parseInt(fields map[string]string, field string) (int64, error) {
	raw, ok := fields[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", field, err)
	}
	return v, nil
}
