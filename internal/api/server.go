// Package api wires the gin engine: routes, middleware and server deps.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/user/ucr/internal/api/handler"
	"github.com/user/ucr/internal/api/middleware"
	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/metrics"
	"github.com/user/ucr/internal/repository"
	"github.com/user/ucr/internal/service"
	"go.uber.org/zap"
)

// Server wraps the configured gin engine.
type Server struct {
	engine *gin.Engine
	logger *zap.Logger
}

// ServerDeps holds the server's dependencies. RequestLog may be nil
// when request logging is disabled.
type ServerDeps struct {
	Snapshot   func() *config.Config
	Proxy      *service.Proxy
	Metrics    *metrics.Metrics
	Layered    *service.LayeredCache
	RequestLog repository.RequestLogRepository
	Logger     *zap.Logger
}

// NewServer creates the server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	cfg := deps.Snapshot()
	if deps.Layered == nil {
		deps.Layered = service.NewLayeredCache(deps.Logger)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.SecurityHeaders())
	if cfg.Server.CORS {
		r.Use(middleware.CORS())
	}
	r.Use(middleware.RateLimit(cfg.Server.RateLimit))

	messages := handler.NewMessagesHandler(deps.Proxy, deps.Logger)
	info := handler.NewInfoHandler(deps.Snapshot, deps.Proxy, deps.Metrics, deps.Layered, deps.RequestLog)

	v1 := r.Group("/v1")
	{
		v1.POST("/messages", messages.Handle)
		v1.GET("/providers", info.Providers)
		v1.GET("/config", info.ConfigSummary)
	}

	r.GET("/health", info.Health)
	r.GET("/metrics", info.Metrics)
	r.GET("/cache/stats", info.CacheStats)
	r.DELETE("/cache", info.FlushCache)
	r.GET("/debug/metrics", info.DebugMetrics)

	return &Server{engine: r, logger: deps.Logger}
}

// Handler returns the http.Handler for the listener.
func (s *Server) Handler() *gin.Engine {
	return s.engine
}
