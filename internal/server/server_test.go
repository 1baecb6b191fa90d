package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/clickrank/internal/clock"
	"github.com/smallbiznis/clickrank/internal/config"
	"github.com/smallbiznis/clickrank/internal/counter/countertest"
	"github.com/smallbiznis/clickrank/internal/counter/keylock"
	"github.com/smallbiznis/clickrank/internal/counter/liveevents"
	"github.com/smallbiznis/clickrank/internal/counter/repository"
	counterservice "github.com/smallbiznis/clickrank/internal/counter/service"
	leaderboardcache "github.com/smallbiznis/clickrank/internal/leaderboard/cache"
	leaderboarddomain "github.com/smallbiznis/clickrank/internal/leaderboard/domain"
	leaderboardservice "github.com/smallbiznis/clickrank/internal/leaderboard/service"
	"github.com/smallbiznis/clickrank/internal/observability"
	"github.com/smallbiznis/clickrank/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	engine *gin.Engine
	db     *gorm.DB
	hub    *liveevents.Hub
}

type testOption func(*ServerParams)

func withLimiter(l *ratelimit.ClickIngestLimiter) testOption {
	return func(p *ServerParams) { p.ClickLimiter = l }
}

func newTestServer(t *testing.T, cfg config.Config, opts ...testOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := countertest.NewSQLiteDB(t)
	store := repository.NewSQLStore(db)
	clk := clock.New()
	cache := leaderboardcache.New(clk, config.DefaultLeaderboardCacheTTL)
	hub := liveevents.NewHub(nil)

	counterSvc := counterservice.New(counterservice.Params{
		Log:    zap.NewNop(),
		Store:  store,
		Cache:  cache,
		Clock:  clk,
		Locker: keylock.New(),
		Events: hub,
	})
	leaderboardSvc := leaderboardservice.New(leaderboardservice.Params{
		Log:   zap.NewNop(),
		Store: store,
		Cache: cache,
		Clock: clk,
	})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	params := ServerParams{
		Gin:            NewEngine(observability.Config{}),
		Cfg:            cfg,
		CounterSvc:     counterSvc,
		LeaderboardSvc: leaderboardSvc,
		GenID:          node,
		LiveEvents:     hub,
	}
	for _, opt := range opts {
		opt(&params)
	}
	srv := NewServer(params)

	return &testServer{engine: srv.Engine(), db: db, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var payload struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var payload errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload.Error
}

type batchResult struct {
	UserTotal            int64 `json:"user_total"`
	PreviousUserTotal    int64 `json:"previous_user_total"`
	PreviousCountryTotal int64 `json:"previous_country_total"`
}

func TestApplyBatchThenLeaderboard(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "development"})

	rec := ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, batchResult{UserTotal: 5}, decodeData[batchResult](t, rec))

	rec = ts.do(t, http.MethodGet, "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	board := decodeData[leaderboarddomain.Snapshot](t, rec)
	require.Len(t, board.Entries, 1)
	assert.Equal(t, "mx", board.Entries[0].CountryCode)
	assert.Equal(t, "México", board.Entries[0].CountryName)
	assert.Equal(t, int64(5), board.Entries[0].TotalClicks)
	assert.Equal(t, int64(5), board.GrandTotal)
}

func TestApplyBatchReconcilesClientTotal(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 10,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 2, "client_total": 15,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, batchResult{UserTotal: 15, PreviousUserTotal: 10, PreviousCountryTotal: 10}, decodeData[batchResult](t, rec))

	rec = ts.do(t, http.MethodGet, "/api/users/u1/clicks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(15), decodeData[leaderboarddomain.UserTotal](t, rec).TotalClicks)
}

func TestApplyClickAddsOne(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/api/click", map[string]any{
			"user_id": "u1", "country_code": "br", "country_name": "Brasil",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/users/u1/clicks", nil)
	assert.Equal(t, int64(2), decodeData[leaderboarddomain.UserTotal](t, rec).TotalClicks)
}

func TestApplyBatchValidation(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	cases := []struct {
		name  string
		body  any
		field string
	}{
		{"zero clicks", map[string]any{"user_id": "u1", "country_code": "mx", "clicks": 0}, "clicks"},
		{"missing user", map[string]any{"country_code": "mx", "clicks": 1}, "user_id"},
		{"bad country", map[string]any{"user_id": "u1", "country_code": "m x", "clicks": 1}, "country_code"},
		{"negative claim", map[string]any{"user_id": "u1", "country_code": "mx", "clicks": 1, "client_total": -1}, "client_total"},
		{"malformed", `{"user_id":`, "request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/clicks", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			payload := decodeError(t, rec)
			assert.Equal(t, "validation_error", payload.Type)
			require.Len(t, payload.Errors, 1)
			assert.Equal(t, tc.field, payload.Errors[0].Field)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, leaderboarddomain.Stats{}, decodeData[leaderboarddomain.Stats](t, rec))
}

func TestStoreFailureIsRetryable(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	sqlDB, err := ts.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	rec := ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 1,
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	payload := decodeError(t, rec)
	assert.Equal(t, "service_unavailable", payload.Type)
	assert.NotContains(t, rec.Body.String(), "sql")

	rec = ts.do(t, http.MethodGet, "/api/leaderboard", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResetAll(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "development"})

	rec := ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 3,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/admin/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/stats", nil)
	assert.Equal(t, leaderboarddomain.Stats{}, decodeData[leaderboarddomain.Stats](t, rec))
	rec = ts.do(t, http.MethodGet, "/api/leaderboard", nil)
	assert.Empty(t, decodeData[leaderboarddomain.Snapshot](t, rec).Entries)
}

func TestResetAllHiddenInProduction(t *testing.T) {
	ts := newTestServer(t, config.Config{Environment: "production"})

	rec := ts.do(t, http.MethodPost, "/api/admin/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestIssuePlayerID(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	first := decodeData[playerResponse](t, ts.do(t, http.MethodPost, "/api/players", nil))
	second := decodeData[playerResponse](t, ts.do(t, http.MethodPost, "/api/players", nil))

	_, err := strconv.ParseInt(first.UserID, 10, 64)
	require.NoError(t, err)
	assert.NotEqual(t, first.UserID, second.UserID)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClickIngestRateLimit(t *testing.T) {
	_, client := countertest.NewRedis(t)
	limiter, err := ratelimit.NewClickIngestLimiter(config.Config{RateLimit: config.RateLimitConfig{
		Enabled:     true,
		ClientRate:  100,
		ClientBurst: 100,
		UserRate:    0.001,
		UserBurst:   1,
	}}, client)
	require.NoError(t, err)
	ts := newTestServer(t, config.Config{}, withLimiter(limiter))

	body := map[string]any{"user_id": "u1", "country_code": "mx", "country_name": "México", "clicks": 1}
	rec := ts.do(t, http.MethodPost, "/api/clicks", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/clicks", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, rateLimitReasonUserRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
		"user_id": "u2", "country_code": "mx", "country_name": "México", "clicks": 1,
	})
	assert.Equal(t, http.StatusOK, rec.Code, "other players keep their own budget")
}

func TestStreamLeaderboardEvents(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	httpSrv := httptest.NewServer(ts.engine)
	t.Cleanup(httpSrv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/leaderboard/live?country=MX", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "retry: 2000\n", line)

	for _, code := range []string{"br", "mx"} {
		rec := ts.do(t, http.MethodPost, "/api/clicks", map[string]any{
			"user_id": "u-" + code, "country_code": code, "clicks": 4,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	var data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	var event struct {
		UserID       string `json:"user_id"`
		CountryCode  string `json:"country_code"`
		Clicks       int64  `json:"clicks"`
		CountryTotal int64  `json:"country_total"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, "u-mx", event.UserID)
	assert.Equal(t, "mx", event.CountryCode)
	assert.Equal(t, int64(4), event.CountryTotal)
}

func TestStreamWithoutHub(t *testing.T) {
	ts := newTestServer(t, config.Config{}, func(p *ServerParams) { p.LiveEvents = nil })

	rec := ts.do(t, http.MethodGet, "/api/leaderboard/live", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMapError(t *testing.T) {
	status, payload := mapError(ErrNotFound)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", payload.Type)

	status, _ = mapError(nil)
	assert.Equal(t, http.StatusInternalServerError, status)

	typ, code := classifyErrorForLog(ErrRateLimited)
	assert.Equal(t, "rate_limited", typ)
	assert.Equal(t, "rate_limited", code)
}
