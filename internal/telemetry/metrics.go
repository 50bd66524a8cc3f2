// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	ActiveStreams      prometheus.Gauge
	UpstreamDuration   *prometheus.HistogramVec
	UpstreamErrors     *prometheus.CounterVec
	FailoversTotal     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	TokensProcessed    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llm_gateway",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llm_gateway",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "llm_gateway",
			Name:      "active_streams",
			Help:      "Number of SSE streams currently being relayed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "llm_gateway",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"upstream", "provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "upstream_errors_total",
			Help:      "Total failed upstream attempts by error type.",
		}, []string{"upstream", "error_type"}),

		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "failovers_total",
			Help:      "Total requests that needed more than one upstream attempt.",
		}, []string{"provider"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions by target state.",
		}, []string{"upstream_id", "to"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llm_gateway",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed by model and token type.",
		}, []string{"model", "type"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ActiveStreams,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.FailoversTotal,
		m.BreakerTransitions,
		m.TokensProcessed,
	)

	return m
}
