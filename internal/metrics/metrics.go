// Package metrics keeps process-wide request counters. Counters are
// updated with atomic increments; readers take a consistent-enough
// snapshot without locking writers.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics aggregates request, latency and cache counters.
type Metrics struct {
	startedAt time.Time

	total        atomic.Int64
	streaming    atomic.Int64
	nonStreaming atomic.Int64
	errors       atomic.Int64

	latencyTotalMs atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
}

// New creates a metrics sink anchored at the current time.
func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

// RecordRequest counts one finished request.
func (m *Metrics) RecordRequest(streaming bool, latency time.Duration, failed bool) {
	m.total.Add(1)
	if streaming {
		m.streaming.Add(1)
	} else {
		m.nonStreaming.Add(1)
	}
	if failed {
		m.errors.Add(1)
	}
	m.latencyTotalMs.Add(latency.Milliseconds())
}

// RecordCacheHit counts one response-cache hit.
func (m *Metrics) RecordCacheHit() { m.cacheHits.Add(1) }

// RecordCacheMiss counts one response-cache miss.
func (m *Metrics) RecordCacheMiss() { m.cacheMisses.Add(1) }

// Uptime reports time since startup.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.startedAt) }

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	Requests struct {
		Total        int64 `json:"total"`
		Streaming    int64 `json:"streaming"`
		NonStreaming int64 `json:"nonStreaming"`
		Errors       int64 `json:"errors"`
	} `json:"requests"`
	Performance struct {
		AvgLatencyMs      float64 `json:"avgLatencyMs"`
		RequestsPerSecond float64 `json:"requestsPerSecond"`
		ErrorRate         float64 `json:"errorRate"`
	} `json:"performance"`
	Cache struct {
		Hits    int64   `json:"hits"`
		Misses  int64   `json:"misses"`
		HitRate float64 `json:"hitRate"`
	} `json:"cache"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Snapshot returns the current counter values with derived rates.
func (m *Metrics) Snapshot() Snapshot {
	var s Snapshot
	s.Requests.Total = m.total.Load()
	s.Requests.Streaming = m.streaming.Load()
	s.Requests.NonStreaming = m.nonStreaming.Load()
	s.Requests.Errors = m.errors.Load()

	uptime := time.Since(m.startedAt).Seconds()
	s.UptimeSeconds = uptime
	if s.Requests.Total > 0 {
		s.Performance.AvgLatencyMs = float64(m.latencyTotalMs.Load()) / float64(s.Requests.Total)
		s.Performance.ErrorRate = float64(s.Requests.Errors) / float64(s.Requests.Total)
	}
	if uptime > 0 {
		s.Performance.RequestsPerSecond = float64(s.Requests.Total) / uptime
	}

	s.Cache.Hits = m.cacheHits.Load()
	s.Cache.Misses = m.cacheMisses.Load()
	if total := s.Cache.Hits + s.Cache.Misses; total > 0 {
		s.Cache.HitRate = float64(s.Cache.Hits) / float64(total)
	}
	return s
}
