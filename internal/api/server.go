package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/config"
	"github.com/vulnscan/vulnscan/internal/handlers"
	"github.com/vulnscan/vulnscan/internal/middleware"
)

// Server owns the HTTP surface: routing, CORS and graceful shutdown.
type Server struct {
	engine *gin.Engine
	cfg    *config.Config
	log    logrus.FieldLogger
}

func NewServer(cfg *config.Config, log logrus.FieldLogger, scans *handlers.ScanHandler, dashboard *handlers.DashboardHandler, db handlers.Pinger) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(corsMiddleware(cfg.CORSOrigins))

	engine.GET("/health", handlers.Health(db))

	v1 := engine.Group("/api/v1")
	{
		v1.POST("/scan", scans.Submit)
		v1.GET("/scan/:id", scans.Get)
		v1.GET("/scan/:id/status", scans.Status)
		v1.GET("/scan/:id/audit", scans.Audit)
		v1.GET("/scan/:id/vulnerabilities", scans.Vulnerabilities)
		v1.DELETE("/scan/:id", scans.Delete)
		v1.GET("/scans", scans.List)
		v1.GET("/vulnerability/:cve_id", scans.CVE)
		v1.GET("/dashboard/stats", dashboard.Stats)
		v1.GET("/dashboard/trend/*image", dashboard.Trend)
	}

	return &Server{engine: engine, cfg: cfg, log: log}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"X-Cache", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	return cors.New(corsConfig)
}

// Engine exposes the router for httptest-based tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("http server draining")
	return srv.Shutdown(shutdownCtx)
}
