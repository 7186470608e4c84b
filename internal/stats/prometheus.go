package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter publishes rate-limit decision metrics for /metrics,
// parallel to the in-process Engine snapshot consumed by /stats and
// /performance. Kept separate so a Prometheus scrape never competes with
// the JSON snapshot's cache window.
type PrometheusExporter struct {
	requestsTotal *prometheus.CounterVec
	deniedTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	failOpens     prometheus.Counter
	breakerState  *prometheus.GaugeVec
	quotaUsage    *prometheus.GaugeVec
}

// NewPrometheusExporter registers the rate limiter's metric family on reg.
// Pass prometheus.NewRegistry() in tests to avoid global-registry collisions.
func NewPrometheusExporter(reg prometheus.Registerer) *PrometheusExporter {
	factory := promauto.With(reg)

	return &PrometheusExporter{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimiter",
			Name:      "requests_total",
			Help:      "Total requests evaluated by the rate limiter, labeled by endpoint and algorithm.",
		}, []string{"endpoint", "algorithm"}),

		deniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimiter",
			Name:      "denied_total",
			Help:      "Total requests denied by the rate limiter.",
		}, []string{"endpoint", "algorithm"}),

		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ratelimiter",
			Name:      "decision_duration_seconds",
			Help:      "Time to evaluate a rate limit decision, including the Redis round trip.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"shard"}),

		failOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ratelimiter",
			Name:      "fail_opens_total",
			Help:      "Requests allowed because both the distributed and local limiters were unavailable.",
		}),

		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratelimiter",
			Name:      "circuit_breaker_state",
			Help:      "Per-shard circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"shard"}),

		quotaUsage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ratelimiter",
			Name:      "quota_usage_ratio",
			Help:      "Fraction of an API key's monthly quota consumed, sampled on request.",
		}, []string{"tier"}),
	}
}

// ObserveDecision records one evaluated decision.
func (p *PrometheusExporter) ObserveDecision(endpoint, algorithm, shard string, denied bool, durationSeconds float64) {
	p.requestsTotal.WithLabelValues(endpoint, algorithm).Inc()
	if denied {
		p.deniedTotal.WithLabelValues(endpoint, algorithm).Inc()
	}
	p.latency.WithLabelValues(shard).Observe(durationSeconds)
}

// ObserveFailOpen increments the fail-open counter.
func (p *PrometheusExporter) ObserveFailOpen() {
	p.failOpens.Inc()
}

// SetBreakerState publishes the numeric state of a shard's circuit breaker.
// Values follow resilience.State's own ordering (Closed=0, Open=1, HalfOpen=2).
func (p *PrometheusExporter) SetBreakerState(shard string, state int) {
	p.breakerState.WithLabelValues(shard).Set(float64(state))
}

// SetQuotaUsage publishes the current usage ratio for a given tier sample.
func (p *PrometheusExporter) SetQuotaUsage(tier string, ratio float64) {
	p.quotaUsage.WithLabelValues(tier).Set(ratio)
}
