// Package ops is the operator-facing HTTP surface: liveness/readiness and
// Prometheus metrics, plus a small read-only proxy-pool status endpoint.
// Grounded on the teacher's internal/handlers.HealthCheck (gin handler,
// database ping) and cmd/server/main.go's router/middleware/shutdown
// shape, scoped down to ops concerns since presentation/admin HTTP is out
// of scope here.
package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/restockwatch/core/internal/proxypool"
)

// Pinger is satisfied by *store.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// Server wraps a gin engine serving health, metrics and proxy status.
type Server struct {
	httpServer *http.Server
	logger     zerolog.Logger
}

// Config tunes the ops HTTP listener.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New builds the ops Server. proxies may be nil when running without a pool.
func New(cfg Config, db Pinger, proxies *proxypool.Pool, logger zerolog.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", healthHandler(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/proxies", proxiesHandler(proxies))

	addr := cfg.Host
	if cfg.Port != 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Start begins serving in the background. Listen errors other than a
// graceful Shutdown are sent to errCh.
func (s *Server) Start(errCh chan<- error) {
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("ops server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
}

// Shutdown gracefully stops the listener within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok"}
		if db == nil {
			resp.Database = "not configured"
			c.JSON(http.StatusOK, resp)
			return
		}
		if err := db.Ping(c.Request.Context()); err != nil {
			resp.Database = "disconnected"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "connected"
		c.JSON(http.StatusOK, resp)
	}
}

func proxiesHandler(pool *proxypool.Pool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pool == nil {
			c.JSON(http.StatusOK, gin.H{"proxies": []proxypool.Stats{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"proxies": pool.Stats()})
	}
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("ops HTTP request")
	}
}
