// Package sidecar serves the HTTP health endpoint beside the WebSocket core.
// It shares nothing with the core beyond read-only configuration, the
// registry's session count, and the hook runner's capability info.
package sidecar

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/grahama1970/cc-executor/internal/common/config"
	"github.com/grahama1970/cc-executor/internal/common/logger"
	"github.com/grahama1970/cc-executor/internal/executor/hooks"
	"github.com/grahama1970/cc-executor/internal/executor/session"
)

// Server is the HTTP health sidecar.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	hooks    *hooks.Runner
	logger   *logger.Logger
	srv      *http.Server
}

// New creates the sidecar over read-only views of executor state.
func New(cfg *config.Config, registry *session.Registry, hookRunner *hooks.Runner, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		hooks:    hookRunner,
		logger:   log.WithFields(zap.String("component", "http-sidecar")),
	}
}

// routes builds the sidecar's HTTP router.
func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/v1/capabilities", s.handleCapabilities)
	return router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	router := s.routes()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HealthPort)
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		s.logger.Info("health sidecar listening", zap.String("addr", addr))
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health sidecar failed", zap.Error(err))
		}
	}()
}

// Stop shuts the sidecar down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("health sidecar shutdown failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": s.registry.Len(),
		"max_sessions":    s.cfg.Executor.MaxSessions,
	})
}

func (s *Server) handleCapabilities(c *gin.Context) {
	hooksConfigured := []string{}
	enabled := false
	if s.hooks != nil && s.hooks.Enabled() {
		enabled = true
		hooksConfigured = s.hooks.Names()
	}
	c.JSON(http.StatusOK, gin.H{
		"hooks_enabled":    enabled,
		"hooks_configured": hooksConfigured,
		"max_buffer_bytes": s.cfg.Executor.MaxBufferBytes,
		"max_buffer_lines": s.cfg.Executor.MaxBufferLines,
		"session_timeout":  s.cfg.Executor.SessionTimeout,
	})
}
