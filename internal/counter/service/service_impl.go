package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/smallbiznis/clickrank/internal/clock"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/smallbiznis/clickrank/internal/counter/keylock"
	obscontext "github.com/smallbiznis/clickrank/internal/observability/context"
	"github.com/smallbiznis/clickrank/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clickrank/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	maxCountryCodeLength = 8
	maxCountryNameLength = 128
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Store   counterdomain.Store
	Cache   counterdomain.CacheInvalidator
	Clock   clock.Clock
	Locker  *keylock.Locker
	Metrics *obsmetrics.Metrics          `optional:"true"`
	Events  counterdomain.EventPublisher `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	store   counterdomain.Store
	cache   counterdomain.CacheInvalidator
	clock   clock.Clock
	locker  *keylock.Locker
	metrics *obsmetrics.Metrics
	events  counterdomain.EventPublisher
}

func New(p Params) counterdomain.Service {
	locker := p.Locker
	if locker == nil {
		locker = keylock.New()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		log:     p.Log.Named("counter.aggregator"),
		store:   p.Store,
		cache:   p.Cache,
		clock:   clk,
		locker:  locker,
		metrics: p.Metrics,
		events:  p.Events,
	}
}

type batch struct {
	userID      string
	countryCode string
	countryName string
	clicks      int64
	clientTotal *int64
}

type outcome struct {
	result       counterdomain.ApplyBatchResult
	countryName  string
	countryTotal int64
	reconciled   bool
}

func (s *Service) ApplyClick(ctx context.Context, req counterdomain.ApplyClickRequest) (*counterdomain.ApplyBatchResult, error) {
	return s.ApplyBatch(ctx, counterdomain.ApplyBatchRequest{
		UserID:      req.UserID,
		CountryCode: req.CountryCode,
		CountryName: req.CountryName,
		ClickCount:  1,
	})
}

// ApplyBatch merges clicks into the user and country totals in one
// transaction. The user total becomes max(prior+clicks, client claim); the
// country total always advances by exactly clicks.
func (s *Service) ApplyBatch(ctx context.Context, req counterdomain.ApplyBatchRequest) (*counterdomain.ApplyBatchResult, error) {
	b, err := validateBatch(req)
	if err != nil {
		return nil, err
	}
	ctx = obscontext.WithUserID(ctx, b.userID)

	unlock, err := s.locker.LockAll(ctx, "user:"+b.userID, "country:"+b.countryCode)
	if err != nil {
		return nil, counterdomain.NewStoreError("lock", err)
	}
	defer unlock()

	var out outcome
	err = s.store.Transaction(ctx, func(tx counterdomain.Tx) error {
		var txErr error
		out, txErr = s.apply(ctx, tx, b)
		return txErr
	})
	if errors.Is(err, counterdomain.ErrInvalidArgument) {
		return nil, err
	}
	if err != nil {
		s.metrics.RecordStoreError(ctx, "apply_batch")
		logger.WithContext(ctx, s.log).Warn("apply batch failed",
			zap.String("country_code", b.countryCode),
			zap.Int64("clicks", b.clicks),
			zap.Error(err),
		)
		return nil, counterdomain.NewStoreError("apply_batch", err)
	}

	s.cache.Invalidate()

	s.metrics.RecordClicksApplied(ctx, b.countryCode, b.clicks, out.reconciled)
	if out.reconciled {
		logger.WithContext(ctx, s.log).Info("client total accepted",
			zap.Int64("previous_total", out.result.PreviousUserTotal),
			zap.Int64("accepted_total", out.result.UserTotal),
		)
	}
	if s.events != nil {
		s.events.Publish(ctx, counterdomain.ClickEvent{
			UserID:       b.userID,
			CountryCode:  b.countryCode,
			CountryName:  out.countryName,
			Clicks:       b.clicks,
			UserTotal:    out.result.UserTotal,
			CountryTotal: out.countryTotal,
			RecordedAt:   s.clock.Now(),
		})
	}

	result := out.result
	return &result, nil
}

// apply may run more than once when the store retries a conflicting
// transaction, so it only derives state from what tx returns.
func (s *Service) apply(ctx context.Context, tx counterdomain.Tx, b batch) (outcome, error) {
	now := s.clock.Now()

	user, err := tx.ReadUser(ctx, b.userID)
	if err != nil {
		return outcome{}, err
	}
	var priorUser int64
	if user != nil {
		priorUser = user.TotalClicks
	}

	if b.clicks > math.MaxInt64-priorUser {
		return outcome{}, counterdomain.ErrInvalidClickCount
	}
	accepted := priorUser + b.clicks
	reconciled := false
	if b.clientTotal != nil && *b.clientTotal > accepted {
		accepted = *b.clientTotal
		reconciled = true
	}

	if err := tx.UpsertUser(ctx, counterdomain.UserCounter{
		UserID:      b.userID,
		Country:     b.countryCode,
		TotalClicks: accepted,
		LastClick:   now,
		UpdatedAt:   now,
	}); err != nil {
		return outcome{}, err
	}

	country, err := tx.ReadCountry(ctx, b.countryCode)
	if err != nil {
		return outcome{}, err
	}
	var priorCountry int64
	name := b.countryName
	if country != nil {
		priorCountry = country.TotalClicks
		if name == "" {
			name = country.Name
		}
	}
	if name == "" {
		name = strings.ToUpper(b.countryCode)
	}

	if b.clicks > math.MaxInt64-priorCountry {
		return outcome{}, counterdomain.ErrInvalidClickCount
	}
	countryTotal := priorCountry + b.clicks
	if err := tx.UpsertCountry(ctx, counterdomain.CountryCounter{
		Code:        b.countryCode,
		Name:        name,
		TotalClicks: countryTotal,
		UpdatedAt:   now,
	}); err != nil {
		return outcome{}, err
	}

	return outcome{
		result: counterdomain.ApplyBatchResult{
			UserTotal:            accepted,
			PreviousUserTotal:    priorUser,
			PreviousCountryTotal: priorCountry,
		},
		countryName:  name,
		countryTotal: countryTotal,
		reconciled:   reconciled,
	}, nil
}

// ResetAll clears both tables in one transaction. Failures are reported
// to the caller and never retried here.
func (s *Service) ResetAll(ctx context.Context) error {
	err := s.store.Transaction(ctx, func(tx counterdomain.Tx) error {
		if err := tx.DeleteAllUsers(ctx); err != nil {
			return err
		}
		return tx.DeleteAllCountries(ctx)
	})
	if err != nil {
		s.metrics.RecordStoreError(ctx, "reset_all")
		logger.WithContext(ctx, s.log).Error("reset failed", zap.Error(err))
		return counterdomain.NewStoreError("reset_all", err)
	}

	s.cache.Invalidate()
	logger.WithContext(ctx, s.log).Warn("all counters reset")
	return nil
}

func validateBatch(req counterdomain.ApplyBatchRequest) (batch, error) {
	userID := strings.TrimSpace(req.UserID)
	if !counterdomain.ValidUserID(userID) {
		return batch{}, counterdomain.ErrInvalidUserID
	}

	code := strings.ToLower(strings.TrimSpace(req.CountryCode))
	if !validCountryCode(code) {
		return batch{}, counterdomain.ErrInvalidCountryCode
	}

	name := strings.TrimSpace(req.CountryName)
	if utf8.RuneCountInString(name) > maxCountryNameLength || hasControl(name) {
		return batch{}, counterdomain.ErrInvalidCountryName
	}

	if req.ClickCount < 1 {
		return batch{}, counterdomain.ErrInvalidClickCount
	}

	if req.ClientReportedTotal != nil && *req.ClientReportedTotal < 0 {
		return batch{}, counterdomain.ErrInvalidClientTotal
	}

	var clientTotal *int64
	if req.ClientReportedTotal != nil {
		v := *req.ClientReportedTotal
		clientTotal = &v
	}

	return batch{
		userID:      userID,
		countryCode: code,
		countryName: name,
		clicks:      req.ClickCount,
		clientTotal: clientTotal,
	}, nil
}

func validCountryCode(code string) bool {
	if code == "" || len(code) > maxCountryCodeLength {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
