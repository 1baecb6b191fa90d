package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/clickrank/internal/observability/logger"
	"github.com/smallbiznis/clickrank/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonClientRate = "client-rate"
	rateLimitReasonUserRate   = "user-rate"

	maxClickBodyBytes = 64 << 10
)

type clickRateLimitKey struct {
	UserID string `json:"user_id"`
}

// ClickIngestRateLimit throttles click submissions per client address and
// per player when a limiter is configured.
func (s *Server) ClickIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.clickLimiter == nil || !s.clickLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.clickLimiter.AllowClient(ctx, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("click ingest client rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyClickRateLimit(c, endpoint, rateLimitReasonClientRate, result)
			return
		}

		userID, err := readClickRateLimitKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("click ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}

		result, err = s.clickLimiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("click ingest user rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyClickRateLimit(c, endpoint, rateLimitReasonUserRate, result)
			return
		}

		c.Next()
	}
}

func denyClickRateLimit(c *gin.Context, endpoint, reason string, result *ratelimit.RateLimitResult) {
	logger.FromContext(c.Request.Context()).Warn("click ingest rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)

	c.Header("Retry-After", retryAfterSeconds(result))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(result *ratelimit.RateLimitResult) string {
	if result == nil || result.RetryAfter <= 0 {
		return "1"
	}
	return strconv.Itoa(int(math.Ceil(result.RetryAfter.Seconds())))
}

func readClickRateLimitKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxClickBodyBytes))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload clickRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.UserID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
