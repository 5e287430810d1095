package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// appMetrics owns its registry so tests can build many apps in one process.
type appMetrics struct {
	registry          *prometheus.Registry
	rendersTotal      *prometheus.CounterVec
	renderDurationMs  prometheus.Histogram
	editsTotal        prometheus.Counter
	togglesTotal      prometheus.Counter
	renderCacheHits   prometheus.Counter
	renderCacheMisses prometheus.Counter
}

func newAppMetrics() *appMetrics {
	m := &appMetrics{
		registry: prometheus.NewRegistry(),
		rendersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "asistentes_renders_total",
			Help: "Total number of map renders",
		}, []string{"source"}),
		renderDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "asistentes_render_duration_ms",
			Help:    "Map render duration in milliseconds",
			Buckets: []float64{5, 10, 20, 50, 100, 200, 500, 1000, 2000},
		}),
		editsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asistentes_edits_total",
			Help: "Total number of attendance values merged from the table",
		}),
		togglesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asistentes_region_toggles_total",
			Help: "Total number of region filter changes",
		}),
		renderCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asistentes_render_cache_hits_total",
			Help: "Total render cache hits",
		}),
		renderCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "asistentes_render_cache_misses_total",
			Help: "Total render cache misses",
		}),
	}
	m.registry.MustRegister(
		m.rendersTotal,
		m.renderDurationMs,
		m.editsTotal,
		m.togglesTotal,
		m.renderCacheHits,
		m.renderCacheMisses,
	)
	return m
}

func (m *appMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
