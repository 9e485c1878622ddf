// Package metrics holds the Prometheus collectors for the pricing
// service and adapts them to the per-package observer interfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector. One instance is wired through the
// whole service graph; each subsystem sees only its observer slice.
type Registry struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHits        *prometheus.CounterVec
	cacheMisses      *prometheus.CounterVec
	cacheStoreErrors *prometheus.CounterVec

	adapterRequests *prometheus.CounterVec
	adapterDuration *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec

	rateLimitDecisions *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	auditAppends       *prometheus.CounterVec
}

// New builds and registers all collectors on a private registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "requests_total",
		Help:      "Pricing requests by outcome.",
	}, []string{"outcome"})
	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "locatepricer",
		Name:      "request_duration_seconds",
		Help:      "End-to-end pricing latency by outcome.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"outcome"})

	r.cacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "cache_hits_total",
		Help:      "Cache hits by tier and entry kind.",
	}, []string{"tier", "kind"})
	r.cacheMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "cache_misses_total",
		Help:      "Full cache misses by entry kind.",
	}, []string{"kind"})
	r.cacheStoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "cache_store_errors_total",
		Help:      "Shared-store failures by operation.",
	}, []string{"op"})

	r.adapterRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "upstream_requests_total",
		Help:      "Provider fetches by provider and outcome.",
	}, []string{"provider", "outcome"})
	r.adapterDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "locatepricer",
		Name:      "upstream_duration_seconds",
		Help:      "Provider fetch latency including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})
	r.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "locatepricer",
		Name:      "breaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"provider"})

	r.rateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter decisions by outcome.",
	}, []string{"outcome"})
	r.fallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "fallbacks_total",
		Help:      "Degraded-input events by input kind and ladder rung.",
	}, []string{"kind", "rung"})
	r.auditAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "locatepricer",
		Name:      "audit_appends_total",
		Help:      "Audit chain appends by outcome.",
	}, []string{"outcome"})

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.requests, r.requestDuration,
		r.cacheHits, r.cacheMisses, r.cacheStoreErrors,
		r.adapterRequests, r.adapterDuration, r.breakerState,
		r.rateLimitDecisions, r.fallbacks, r.auditAppends,
	)
	return r
}

// Handler serves the /metrics scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// PriceRequest implements application.Observer.
func (r *Registry) PriceRequest(outcome string, elapsed time.Duration) {
	r.requests.WithLabelValues(outcome).Inc()
	r.requestDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// CacheHit implements cache.Observer.
func (r *Registry) CacheHit(tier, kind string) {
	r.cacheHits.WithLabelValues(tier, kind).Inc()
}

// CacheMiss implements cache.Observer.
func (r *Registry) CacheMiss(kind string) {
	r.cacheMisses.WithLabelValues(kind).Inc()
}

// CacheStoreError implements cache.Observer.
func (r *Registry) CacheStoreError(op string) {
	r.cacheStoreErrors.WithLabelValues(op).Inc()
}

// AdapterRequest implements upstream.Observer.
func (r *Registry) AdapterRequest(kind, outcome string, elapsed time.Duration) {
	r.adapterRequests.WithLabelValues(kind, outcome).Inc()
	r.adapterDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// BreakerState implements upstream.Observer.
func (r *Registry) BreakerState(kind, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	r.breakerState.WithLabelValues(kind).Set(v)
}

// RateLimitDecision implements ratelimit.Observer.
func (r *Registry) RateLimitDecision(outcome string) {
	r.rateLimitDecisions.WithLabelValues(outcome).Inc()
}

// Fallback implements resolver.Observer.
func (r *Registry) Fallback(kind, rung string) {
	r.fallbacks.WithLabelValues(kind, rung).Inc()
}

// AuditAppend implements audit.Observer.
func (r *Registry) AuditAppend(outcome string) {
	r.auditAppends.WithLabelValues(outcome).Inc()
}
