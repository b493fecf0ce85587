// Package api is the ops HTTP surface: health, monitoring snapshots, alert
// management, and queue statistics. Handlers are thin wrappers over the
// coordinator's component handles.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/developer-mesh/coordination/pkg/coordinator"
	"github.com/developer-mesh/coordination/pkg/health"
	"github.com/developer-mesh/coordination/pkg/observability"
)

// Config covers the HTTP listener.
type Config struct {
	ListenAddress string
	// PrometheusExport mounts promhttp on /metrics.
	PrometheusExport bool
}

// Server serves the ops API.
type Server struct {
	router *gin.Engine
	server *http.Server
	coord  *coordinator.Coordinator
	logger observability.Logger
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(coord *coordinator.Coordinator, cfg Config, logger observability.Logger) *Server {
	if logger == nil {
		logger = observability.NewStandardLogger("api")
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))

	s := &Server{
		router: router,
		coord:  coord,
		logger: logger,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	router.GET("/healthz", s.handleHealth)
	if cfg.PrometheusExport {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	v1.Use(RateLimitMiddleware(coord.RateLimiter(), logger))

	v1.GET("/monitoring/snapshot", s.handleSnapshot)
	v1.GET("/monitoring/memory", s.handleMemoryHistory)
	v1.GET("/monitoring/connections", s.handleConnectionHistory)
	v1.GET("/monitoring/commands", s.handleCommandStats)
	v1.GET("/monitoring/pools", s.handlePoolStats)

	v1.GET("/alerts", s.handleActiveAlerts)
	v1.GET("/alerts/history", s.handleAlertHistory)
	v1.POST("/alerts/:id/acknowledge", s.handleAcknowledge)
	v1.POST("/alerts/:id/resolve", s.handleResolve)
	v1.POST("/alerts/rules/:rule/suppress", s.handleSuppress)

	v1.GET("/queues/:taskType/stats", s.handleQueueStats)
	v1.GET("/queues/dead-letters/count", s.handleDeadLetterCount)
	v1.GET("/tasks/:id/status", s.handleTaskStatus)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Ops API listening", map[string]interface{}{"addr": s.server.Addr})
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	s.coord.Checker().RunChecks(c.Request.Context())
	agg := s.coord.Checker().GetAggregatedHealth()
	code := http.StatusOK
	if agg.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, agg)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Monitor().Snapshot())
}

func (s *Server) handleMemoryHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Monitor().MemoryHistory())
}

func (s *Server) handleConnectionHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Monitor().ConnectionHistory())
}

func (s *Server) handleCommandStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.CommandStats().Summaries())
}

func (s *Server) handlePoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Factory().PoolStats())
}

func (s *Server) handleActiveAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Alerts().ActiveAlerts())
}

func (s *Server) handleAlertHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Alerts().History())
}

type acknowledgeRequest struct {
	By string `json:"by" binding:"required"`
}

func (s *Server) handleAcknowledge(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.Alerts().Acknowledge(c.Param("id"), req.By); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResolve(c *gin.Context) {
	if err := s.coord.Alerts().Resolve(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type suppressRequest struct {
	Hours int `json:"hours" binding:"required"`
}

func (s *Server) handleSuppress(c *gin.Context) {
	var req suppressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.coord.Alerts().Suppress(c.Param("rule"), req.Hours); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	stats, err := s.coord.Queue().QueueStats(c.Request.Context(), c.Param("taskType"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDeadLetterCount(c *gin.Context) {
	count, err := s.coord.Queue().DeadLetterCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	status, err := s.coord.Queue().GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}
