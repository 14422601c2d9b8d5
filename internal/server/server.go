package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/fxrates/internal/config"
	migrationdomain "github.com/smallbiznis/fxrates/internal/currencymigration/domain"
	ratedomain "github.com/smallbiznis/fxrates/internal/exchangerate/domain"
	"github.com/smallbiznis/fxrates/internal/observability"
	obslogger "github.com/smallbiznis/fxrates/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/fxrates/internal/observability/metrics"
	obstracing "github.com/smallbiznis/fxrates/internal/observability/tracing"
	"github.com/smallbiznis/fxrates/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(func(s *scheduler.Scheduler) SyncController { return s }),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

// SyncController is the part of the scheduler exposed over HTTP.
type SyncController interface {
	SyncStatus(ctx context.Context) (scheduler.SyncStatus, error)
	TriggerManualSync(ctx context.Context, base string) error
}

func NewEngine(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(log.Named("http")))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, log, httpMetrics)
}

type Params struct {
	fx.In

	Engine    *gin.Engine
	Log       *zap.Logger
	Resolver  ratedomain.Resolver
	Converter ratedomain.Converter
	Overrides ratedomain.OverrideService
	Sync      SyncController
	Migration migrationdomain.Service
}

type Server struct {
	engine    *gin.Engine
	log       *zap.Logger
	resolver  ratedomain.Resolver
	converter ratedomain.Converter
	overrides ratedomain.OverrideService
	sync      SyncController
	migration migrationdomain.Service
}

func NewServer(p Params) *Server {
	s := &Server{
		engine:    p.Engine,
		log:       p.Log.Named("http.server"),
		resolver:  p.Resolver,
		converter: p.Converter,
		overrides: p.Overrides,
		sync:      p.Sync,
		migration: p.Migration,
	}
	s.RegisterRoutes()
	return s
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/v1")

	rates := api.Group("/exchange-rates")
	rates.GET("/status", s.SyncStatus)
	rates.POST("/sync/:base", s.TriggerSync)
	rates.GET("/resolve", s.ResolveRate)
	rates.GET("/convert", s.ConvertAmount)

	overrides := api.Group("/organizations/:org_id/exchange-rates")
	overrides.PUT("/:base/:target", s.SetOverride)
	overrides.DELETE("/:base/:target", s.ClearOverride)

	migrations := api.Group("/currency-migrations")
	migrations.POST("/preview", s.PreviewMigration)
	migrations.POST("", s.RunMigration)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
