package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/smallbiznis/clickrank/internal/clock"
	"github.com/smallbiznis/clickrank/internal/config"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	leaderboardcache "github.com/smallbiznis/clickrank/internal/leaderboard/cache"
	leaderboarddomain "github.com/smallbiznis/clickrank/internal/leaderboard/domain"
	obscontext "github.com/smallbiznis/clickrank/internal/observability/context"
	"github.com/smallbiznis/clickrank/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clickrank/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Store   counterdomain.Store
	Cache   *leaderboardcache.Cache
	Clock   clock.Clock
	Config  *config.LeaderboardConfigHolder `optional:"true"`
	Metrics *obsmetrics.Metrics             `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	store   counterdomain.Store
	cache   *leaderboardcache.Cache
	clock   clock.Clock
	config  *config.LeaderboardConfigHolder
	metrics *obsmetrics.Metrics

	recompute singleflight.Group
}

func New(p Params) leaderboarddomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:     p.Log.Named("leaderboard.service"),
		store:   p.Store,
		cache:   p.Cache,
		clock:   clk,
		config:  p.Config,
		metrics: p.Metrics,
	}
}

func (s *Service) size() int {
	if s.config == nil {
		return config.DefaultLeaderboardSize
	}
	return s.config.Get().Size
}

// GetLeaderboard serves the cached snapshot while it is fresh. On a miss
// concurrent callers of the same cache generation share one rebuild.
func (s *Service) GetLeaderboard(ctx context.Context) (*leaderboarddomain.Snapshot, error) {
	snapshot, age, ok := s.cache.Lookup()
	if ok && age < 0 {
		// captured in the future: the clock moved backwards
		logger.WithContext(ctx, s.log).DPanic("leaderboard cache clock skew",
			zap.Duration("age", age),
			zap.Error(counterdomain.ErrCacheInconsistency),
		)
		s.cache.Invalidate()
		ok = false
	}
	s.metrics.RecordCacheLookup(ctx, ok)
	if ok {
		return snapshot, nil
	}

	generation := s.cache.Generation()
	v, err, _ := s.recompute.Do(strconv.FormatUint(generation, 10), func() (any, error) {
		return s.rebuild(context.WithoutCancel(ctx), generation)
	})
	if err != nil {
		return nil, err
	}
	return v.(*leaderboarddomain.Snapshot), nil
}

// maxRebuildAttempts bounds how often a snapshot that failed checkSnapshot
// is recaptured before the read fails.
const maxRebuildAttempts = 3

func (s *Service) rebuild(ctx context.Context, generation uint64) (*leaderboarddomain.Snapshot, error) {
	var inconsistent error
	for attempt := 1; attempt <= maxRebuildAttempts; attempt++ {
		snapshot, err := s.capture(ctx)
		if err != nil {
			return nil, err
		}
		if inconsistent = checkSnapshot(snapshot); inconsistent != nil {
			logger.WithContext(ctx, s.log).Warn("leaderboard snapshot inconsistent, recapturing",
				zap.Int("attempt", attempt),
				zap.Int64("grand_total", snapshot.GrandTotal),
				zap.Int("entries", len(snapshot.Entries)),
			)
			continue
		}

		s.metrics.RecordRecompute(ctx)
		if !s.cache.PutIfCurrent(generation, snapshot) {
			logger.WithContext(ctx, s.log).Debug("leaderboard snapshot superseded by a newer write")
		}
		return snapshot, nil
	}

	logger.WithContext(ctx, s.log).DPanic("leaderboard snapshot inconsistent",
		zap.Int("attempts", maxRebuildAttempts),
		zap.Error(inconsistent),
	)
	return nil, s.storeError(ctx, "leaderboard_snapshot", inconsistent)
}

func (s *Service) capture(ctx context.Context) (*leaderboarddomain.Snapshot, error) {
	top, err := s.store.QueryTopCountries(ctx, s.size())
	if err != nil {
		return nil, s.storeError(ctx, "query_top_countries", err)
	}
	grandTotal, err := s.store.SumAllCountryClicks(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "sum_all_country_clicks", err)
	}

	entries := make([]leaderboarddomain.Entry, 0, len(top))
	for _, country := range top {
		entries = append(entries, leaderboarddomain.Entry{
			CountryCode: country.Code,
			CountryName: country.Name,
			TotalClicks: country.TotalClicks,
		})
	}
	return &leaderboarddomain.Snapshot{
		Entries:    entries,
		GrandTotal: grandTotal,
		CapturedAt: s.clock.Now(),
	}, nil
}

// checkSnapshot asserts ranking order and that listed countries never
// exceed the grand total.
func checkSnapshot(snapshot *leaderboarddomain.Snapshot) error {
	var listed int64
	for i, entry := range snapshot.Entries {
		if i > 0 && entry.TotalClicks > snapshot.Entries[i-1].TotalClicks {
			return counterdomain.ErrCacheInconsistency
		}
		listed += entry.TotalClicks
	}
	if listed > snapshot.GrandTotal {
		return counterdomain.ErrCacheInconsistency
	}
	return nil
}

// GetUserTotal reads straight from the store. Unknown players have zero.
func (s *Service) GetUserTotal(ctx context.Context, userID string) (*leaderboarddomain.UserTotal, error) {
	userID = strings.TrimSpace(userID)
	if !counterdomain.ValidUserID(userID) {
		return nil, counterdomain.ErrInvalidUserID
	}
	ctx = obscontext.WithUserID(ctx, userID)

	user, err := s.store.ReadUser(ctx, userID)
	if err != nil {
		return nil, s.storeError(ctx, "read_user", err)
	}
	if user == nil {
		return &leaderboarddomain.UserTotal{UserID: userID}, nil
	}

	lastClick := user.LastClick
	return &leaderboarddomain.UserTotal{
		UserID:      user.UserID,
		TotalClicks: user.TotalClicks,
		Country:     user.Country,
		LastClick:   &lastClick,
	}, nil
}

// GetStats is never cached so administrative views see committed state.
func (s *Service) GetStats(ctx context.Context) (*leaderboarddomain.Stats, error) {
	users, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "count_users", err)
	}
	countries, err := s.store.CountCountries(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "count_countries", err)
	}
	clicks, err := s.store.SumAllCountryClicks(ctx)
	if err != nil {
		return nil, s.storeError(ctx, "sum_all_country_clicks", err)
	}
	return &leaderboarddomain.Stats{
		TotalUsers:     users,
		TotalCountries: countries,
		TotalClicks:    clicks,
	}, nil
}

func (s *Service) storeError(ctx context.Context, op string, err error) error {
	s.metrics.RecordStoreError(ctx, op)
	logger.WithContext(ctx, s.log).Warn("leaderboard read failed", zap.String("op", op), zap.Error(err))
	return counterdomain.NewStoreError(op, err)
}
