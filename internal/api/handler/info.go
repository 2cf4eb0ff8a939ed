package handler

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/ucr/internal/config"
	"github.com/user/ucr/internal/metrics"
	"github.com/user/ucr/internal/repository"
	"github.com/user/ucr/internal/service"
	"github.com/user/ucr/internal/version"
)

// InfoHandler serves the operational endpoints: health, metrics,
// provider and config summaries, and cache administration. Summary
// payloads are cached per config snapshot in the layered cache.
type InfoHandler struct {
	snapshot func() *config.Config
	proxy    *service.Proxy
	metrics  *metrics.Metrics
	cache    *service.LayeredCache
	logs     repository.RequestLogRepository
}

// NewInfoHandler creates the handler. logs may be nil when request
// logging is disabled.
func NewInfoHandler(
	snapshot func() *config.Config,
	proxy *service.Proxy,
	m *metrics.Metrics,
	cache *service.LayeredCache,
	logs repository.RequestLogRepository,
) *InfoHandler {
	return &InfoHandler{snapshot: snapshot, proxy: proxy, metrics: m, cache: cache, logs: logs}
}

// Health serves GET /health.
func (h *InfoHandler) Health(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"version":       version.Short(),
		"uptimeSeconds": h.metrics.Uptime().Seconds(),
		"memory": gin.H{
			"heapAllocBytes": mem.HeapAlloc,
			"heapSysBytes":   mem.HeapSys,
			"numGC":          mem.NumGC,
		},
	})
}

// Providers serves GET /v1/providers. The payload is keyed to the
// snapshot pointer so a reload naturally invalidates it.
func (h *InfoHandler) Providers(c *gin.Context) {
	cfg := h.snapshot()
	key := fmt.Sprintf("providers:%p", cfg)
	if v, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, v)
		return
	}

	out := make([]gin.H, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, gin.H{
			"id":      p.ID,
			"name":    p.Name,
			"enabled": p.Enabled,
			"models":  p.Models,
		})
	}
	payload := gin.H{"providers": out}
	h.cache.Set(service.LayerL1, key, payload)
	c.JSON(http.StatusOK, payload)
}

// ConfigSummary serves GET /v1/config. Secrets never appear.
func (h *InfoHandler) ConfigSummary(c *gin.Context) {
	cfg := h.snapshot()
	key := fmt.Sprintf("config:%p", cfg)
	if v, ok := h.cache.Get(key); ok {
		c.JSON(http.StatusOK, v)
		return
	}

	providers := make([]gin.H, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, gin.H{
			"id":       p.ID,
			"enabled":  p.Enabled,
			"baseUrl":  p.BaseURL,
			"authType": p.AuthType,
			"priority": p.Priority,
			"hasKey":   p.APIKey != "",
		})
	}

	payload := gin.H{
		"version": cfg.Version,
		"server": gin.H{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		},
		"router":    cfg.Router,
		"providers": providers,
		"features":  cfg.Features,
	}
	h.cache.Set(service.LayerL2, key, payload)
	c.JSON(http.StatusOK, payload)
}

// Metrics serves GET /metrics.
func (h *InfoHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// CacheStats serves GET /cache/stats.
func (h *InfoHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.proxy.CacheStats())
}

// FlushCache serves DELETE /cache.
func (h *InfoHandler) FlushCache(c *gin.Context) {
	h.proxy.FlushCache()
	c.JSON(http.StatusOK, gin.H{"flushed": true})
}

// DebugMetrics serves GET /debug/metrics: performance counters, cache
// occupancy, runtime memory, and when request logging is enabled the
// recent persisted requests with a 24h usage summary.
func (h *InfoHandler) DebugMetrics(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := gin.H{
		"metrics": h.metrics.Snapshot(),
		"cache":   h.proxy.CacheStats(),
		"runtime": gin.H{
			"goroutines":     runtime.NumGoroutine(),
			"heapAllocBytes": mem.HeapAlloc,
			"heapSysBytes":   mem.HeapSys,
			"gcPauseTotalNs": mem.PauseTotalNs,
			"numGC":          mem.NumGC,
		},
	}

	if h.logs != nil {
		ctx := c.Request.Context()
		logInfo := gin.H{}
		if summary, err := h.logs.Summary(ctx, time.Now().Add(-24*time.Hour)); err == nil {
			logInfo["summary24h"] = summary
		}
		if recent, err := h.logs.List(ctx, 20, 0); err == nil {
			logInfo["recent"] = recent
		}
		out["requestLog"] = logInfo
	}

	c.JSON(http.StatusOK, out)
}
