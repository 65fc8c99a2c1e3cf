// Package server exposes the hybrid predictor over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hed1ad/hybridguard/internal/config"
	"github.com/hed1ad/hybridguard/internal/history"
	"github.com/hed1ad/hybridguard/internal/metrics"
	"github.com/hed1ad/hybridguard/pkg/artifacts"
	"github.com/hed1ad/hybridguard/pkg/hybrid"
)

// Deps are the collaborators a Server is built on. History and Metrics are optional.
type Deps struct {
	Predictor *hybrid.Predictor
	Manifest  artifacts.Manifest
	History   *history.Store
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Server is the HTTP decision service.
type Server struct {
	cfg       config.ServerConfig
	engine    *gin.Engine
	predictor *hybrid.Predictor
	manifest  artifacts.Manifest
	history   *history.Store
	metrics   *metrics.Metrics
	hub       *Hub
	logger    *zap.Logger
	started   time.Time
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Predictor == nil {
		return nil, errors.New("predictor is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	s := &Server{
		cfg:       cfg,
		predictor: deps.Predictor,
		manifest:  deps.Manifest,
		history:   deps.History,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		started:   time.Now(),
	}
	s.hub = NewHub(cfg.BroadcastQueue, cfg.CORSOrigins, s.logger, s.metrics)
	s.metrics.SetThreshold(s.predictor.Threshold())
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()

	r.Use(requestLogger(s.logger))
	r.Use(gin.Recovery())
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))
	}

	r.POST("/predict", s.predict)
	r.POST("/predict/batch", s.predictBatch)
	r.GET("/health", s.health)
	r.GET("/model", s.model)
	r.GET("/predictions", s.predictions)
	r.GET("/stats", s.stats)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/ws/predictions", gin.WrapH(s.hub))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Hub returns the live prediction feed.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
