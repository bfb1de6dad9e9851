package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
	RequestDuration   *prometheus.HistogramVec
	RetryAttempts     *prometheus.CounterVec
}

// NewMetrics registers the gateway instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpgate",
			Name:      "sessions_active",
			Help:      "Number of live backend sessions.",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "sessions_created_total",
			Help:      "Backend sessions created since start.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "sessions_closed_total",
			Help:      "Backend sessions closed, by reason.",
		}, []string{"reason"}),
		HandshakeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "handshake_duration_seconds",
			Help:      "Time spent in the initialize handshake.",
			Buckets:   prometheus.DefBuckets,
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "request_duration_seconds",
			Help:      "End-to-end backend operation latency, by operation and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		RetryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "retry_attempts_total",
			Help:      "Operation retries, by failure category.",
		}, []string{"category"}),
	}
}
