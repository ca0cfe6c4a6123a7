// Package api serves the agent's local health and status endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/muaviaUsmani/backupagent/internal/logger"
	"github.com/muaviaUsmani/backupagent/internal/metrics"
)

// PlanCounter reports how many plans are cached
type PlanCounter interface {
	Count() int
}

// Sizer reports the size of an in-memory structure
type Sizer interface {
	Len() int
}

// Config wires the server to the state it reports on
type Config struct {
	// Token guards /status; an empty token rejects every status request
	Token     string
	Metrics   *metrics.Collector
	Plans     PlanCounter
	Pending   Sizer
	DedupKeys Sizer
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status         string          `json:"status"`
	UptimeMs       int64           `json:"uptimeMs"`
	Plans          int             `json:"plans"`
	PendingReports int             `json:"pendingReports"`
	DedupKeys      int             `json:"dedupKeys"`
	Metrics        metrics.Metrics `json:"metrics"`
}

// Server is the local API
type Server struct {
	cfg    Config
	engine *gin.Engine
	log    logger.Logger
}

// NewServer builds the gin engine and routes
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		log:    logger.Default().WithComponent(logger.ComponentAPI),
	}

	s.engine.Use(s.countRequests(), s.requestLogger(), gin.Recovery())
	s.engine.GET("/health", s.health)

	authed := s.engine.Group("/", s.bearerAuth())
	authed.GET("/status", s.status)

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Local API listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("local api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("local api shutdown: %w", err)
	}
	s.log.Info("Local API stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) status(c *gin.Context) {
	resp := StatusResponse{
		Status:   "online",
		UptimeMs: s.cfg.Metrics.Uptime().Milliseconds(),
		Metrics:  s.cfg.Metrics.GetMetrics(),
	}
	if s.cfg.Plans != nil {
		resp.Plans = s.cfg.Plans.Count()
	}
	if s.cfg.Pending != nil {
		resp.PendingReports = s.cfg.Pending.Len()
	}
	if s.cfg.DedupKeys != nil {
		resp.DedupKeys = s.cfg.DedupKeys.Len()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) bearerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || s.cfg.Token == "" ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// countRequests feeds requestsTotal/errorTotal for the heartbeat
func (s *Server) countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.cfg.Metrics.RecordRequest(c.Writer.Status())
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("Request failed", fields...)
			return
		}
		s.log.Debug("Request served", fields...)
	}
}
