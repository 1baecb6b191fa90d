package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/clickrank/internal/config"
	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	"github.com/smallbiznis/clickrank/internal/counter/liveevents"
	leaderboarddomain "github.com/smallbiznis/clickrank/internal/leaderboard/domain"
	"github.com/smallbiznis/clickrank/internal/observability"
	obsmiddleware "github.com/smallbiznis/clickrank/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/clickrank/internal/observability/metrics"
	obstracing "github.com/smallbiznis/clickrank/internal/observability/tracing"
	"github.com/smallbiznis/clickrank/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	counterSvc     counterdomain.Service
	leaderboardSvc leaderboarddomain.Service
	genID          *snowflake.Node
	liveEvents     *liveevents.Hub
	obsMetrics     *obsmetrics.Metrics
	clickLimiter   *ratelimit.ClickIngestLimiter
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	CounterSvc     counterdomain.Service
	LeaderboardSvc leaderboarddomain.Service
	GenID          *snowflake.Node
	LiveEvents     *liveevents.Hub               `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics           `optional:"true"`
	ClickLimiter   *ratelimit.ClickIngestLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		counterSvc:     p.CounterSvc,
		leaderboardSvc: p.LeaderboardSvc,
		genID:          p.GenID,
		liveEvents:     p.LiveEvents,
		obsMetrics:     p.ObsMetrics,
		clickLimiter:   p.ClickLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	// -------- Clicks --------
	api.POST("/clicks", s.ClickIngestRateLimit(), s.ApplyBatch)
	api.POST("/click", s.ClickIngestRateLimit(), s.ApplyClick)
	api.GET("/users/:id/clicks", s.GetUserTotal)

	// -------- Leaderboard --------
	api.GET("/leaderboard", s.GetLeaderboard)
	api.GET("/leaderboard/live", s.StreamLeaderboardEvents)
	api.GET("/stats", s.GetStats)

	// -------- Players --------
	api.POST("/players", s.IssuePlayerID)

	if !s.cfg.IsProduction() {
		api.POST("/admin/reset", s.ResetAll)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
