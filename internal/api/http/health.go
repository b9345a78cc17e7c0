package http

import (
	"net/http"
	"time"

	"github.com/GriffinCanCode/FrameProxy/internal/proxy/cache"
	"github.com/gin-gonic/gin"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// HealthSnapshot is the /health payload
type HealthSnapshot struct {
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Cache     CacheHealth    `json:"cache"`
	Breakers  BreakerHealth  `json:"breakers"`
	Summary   MetricsSummary `json:"summary"`
}

// CacheHealth reports the response cache
type CacheHealth struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

// BreakerHealth reports per-origin circuit breakers
type BreakerHealth struct {
	States map[string]string `json:"states"`
	Open   []string          `json:"open"`
}

// MetricsSummary provides high-level request metrics
type MetricsSummary struct {
	TotalRequests    int64   `json:"total_requests"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	ErrorRate        float64 `json:"error_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

// Health reports cache, breaker and request state. An open breaker marks
// the proxy degraded but still answers 200; the proxy itself is serving.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.snapshot())
}

func (h *Handlers) snapshot() HealthSnapshot {
	s := HealthSnapshot{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Breakers:  BreakerHealth{States: map[string]string{}, Open: []string{}},
		Summary:   h.summary(),
	}

	if h.cache != nil {
		s.Cache = CacheHealth{Enabled: true, Stats: h.cache.Stats()}
	}
	if h.breakers != nil {
		s.Breakers.States = h.breakers.States()
		if open := h.breakers.Open(); len(open) > 0 {
			s.Breakers.Open = open
			s.Status = StatusDegraded
		}
	}
	return s
}

func (h *Handlers) summary() MetricsSummary {
	if h.metrics == nil {
		return MetricsSummary{UptimeSeconds: time.Since(h.started).Seconds()}
	}

	snap := h.metrics.Snapshot()
	summary := MetricsSummary{
		TotalRequests:    snap.TotalRequests,
		AverageLatencyMs: snap.AvgDurationMs,
		UptimeSeconds:    snap.UptimeSeconds,
	}
	if snap.TotalRequests > 0 {
		summary.ErrorRate = float64(snap.TotalErrors) / float64(snap.TotalRequests)
	}
	if lookups := snap.CacheHits + snap.CacheMisses; lookups > 0 {
		summary.CacheHitRate = float64(snap.CacheHits) / float64(lookups)
	}
	return summary
}
