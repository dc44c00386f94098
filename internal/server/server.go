package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/drawledger/internal/blobstore"
	"github.com/smallbiznis/drawledger/internal/clock"
	"github.com/smallbiznis/drawledger/internal/config"
	drawingdomain "github.com/smallbiznis/drawledger/internal/drawing/domain"
	"github.com/smallbiznis/drawledger/internal/jobqueue"
	"github.com/smallbiznis/drawledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/drawledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/drawledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/drawledger/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
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
			log.Info("http server listening", zap.String("addr", addr))
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
	engine     *gin.Engine
	cfg        config.Config
	ledgerCfg  *config.LedgerConfigHolder
	log        *zap.Logger
	clock      clock.Clock
	drawingSvc drawingdomain.Service
	blobs      blobstore.Store
	publisher  *jobqueue.Publisher
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	LedgerCfg  *config.LedgerConfigHolder
	Log        *zap.Logger
	Clock      clock.Clock
	DrawingSvc drawingdomain.Service
	Blobs      blobstore.Store     `optional:"true"`
	Publisher  *jobqueue.Publisher `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		ledgerCfg:  p.LedgerCfg,
		log:        log.Named("http.server"),
		clock:      clk,
		drawingSvc: p.DrawingSvc,
		blobs:      p.Blobs,
		publisher:  p.Publisher,
		obsMetrics: p.ObsMetrics,
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

	// -------- Drawings --------
	api.POST("/drawings/attach", s.AttachDrawings)
	api.POST("/drawings/publish", s.PublishDrawings)
	api.GET("/drawings/:id", s.GetDrawingByID)
	api.GET("/drawings/:id/lineage", s.GetDrawingLineage)

	// -------- Projects --------
	api.GET("/projects/:projectId/drawings", s.ListProjectDrawings)
	api.POST("/projects/:projectId/drawings/upload", s.UploadDrawings)
	api.GET("/projects/:projectId/drawings/integrity", s.VerifyProjectDrawings)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
