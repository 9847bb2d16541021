// Package api serves the public HTTP surface: gated schema routes, branch
// state, and lock administration.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ludia8888/warden/internal/gate"
	"github.com/ludia8888/warden/internal/locks"
)

// Config holds HTTP server settings.
type Config struct {
	Port       int    `yaml:"port"`
	Mode       string `yaml:"mode"` // debug, release, test
	AdminToken string `yaml:"admin_token"`
}

// Server is the public API listener.
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer builds the router and wraps it in an http.Server ready to start.
func NewServer(cfg Config, manager *locks.Manager, gateCfg gate.Config, logger *slog.Logger) *Server {
	if cfg.Mode == "" {
		cfg.Mode = gin.ReleaseMode
	}
	gin.SetMode(cfg.Mode)

	engine := gin.New()
	engine.Use(RequestID(), AccessLog(logger), Recovery(logger))
	registerRoutes(engine, manager, gateCfg, cfg.AdminToken, logger)

	return &Server{
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "api"),
	}
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
