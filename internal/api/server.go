package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivemind-io/hivemind/pkg/auth"
	"github.com/hivemind-io/hivemind/pkg/common/config"
	"github.com/hivemind-io/hivemind/pkg/database"
	"github.com/hivemind-io/hivemind/pkg/observability"
)

// ServerDeps collects everything the HTTP server mounts
type ServerDeps struct {
	Auth    *auth.Service
	MCP     *MCPHandler
	Stream  *StreamHandler
	Review  *ReviewHandler
	Stats   *StatsHandler
	DB      *database.Database
	Logger  observability.Logger
	Metrics observability.MetricsClient

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Server is the HiveMind HTTP server
type Server struct {
	server *http.Server
	router *gin.Engine
	logger observability.Logger
}

// NewServer builds the router and the http.Server around it
func NewServer(cfg config.APIConfig, environment string, deps ServerDeps) *Server {
	if environment == "prod" || environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(correlationMiddleware())
	router.Use(observeMiddleware(deps.Logger, deps.Metrics))

	router.GET("/health", func(c *gin.Context) {
		if err := deps.DB.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "reason": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	authRequired := deps.Auth.GinMiddleware()

	// The stream stays outside the request timeout: SSE connections live for
	// the life of the subscription.
	router.GET("/api/v1/stream", authRequired, deps.Stream.Handle)

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timed := router.Group("", timeoutMiddleware(timeout))

	timed.POST("/mcp", authRequired, deps.MCP.Handle)

	review := timed.Group("/api/v1/review", authRequired, auth.RequireOperator())
	deps.Review.Register(review)

	stats := timed.Group("/api/v1/stats", authRequired)
	deps.Stats.Register(stats)

	return &Server{
		server: &http.Server{
			Addr:        cfg.ListenAddress,
			Handler:     router,
			ReadTimeout: cfg.ReadTimeout,
			IdleTimeout: cfg.IdleTimeout,
			// No server-wide write timeout: it would sever long-lived SSE
			// connections. Non-streaming routes are bounded per request.
			WriteTimeout: 0,
		},
		router: router,
		logger: deps.Logger,
	}
}

// Router exposes the gin engine, used by tests
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until Shutdown or a listener error
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", map[string]interface{}{
		"address": s.server.Addr,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains connections and stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}
