// Package health exposes the operational surface of the credential
// engine: Prometheus metrics and the HTTP endpoint that serves them.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verifyTotal     *prometheus.CounterVec
	verifyDuration  prometheus.Histogram
	lifecycleTotal  *prometheus.CounterVec
	usageQueueDepth prometheus.Gauge

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// InitMetrics registers all Prometheus metrics. Call once at startup when
// metrics are enabled; every Record* function is a no-op until then, so
// library consumers and tests pay nothing.
func InitMetrics() {
	metricsOnce.Do(func() {
		verifyTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_verify_total",
				Help: "Total credential verification attempts by outcome",
			},
			[]string{"result"},
		)

		verifyDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keywarden_verify_duration_seconds",
				Help:    "Latency of credential verification",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		lifecycleTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keywarden_lifecycle_operations_total",
				Help: "Total credential lifecycle operations by kind and status",
			},
			[]string{"operation", "status"},
		)

		usageQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "keywarden_usage_queue_depth",
				Help: "Pending usage-counter increments awaiting the background worker",
			},
		)

		metricsRegistered = true
	})
}

// RecordVerify records one verification attempt and its latency.
func RecordVerify(result string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}
	verifyTotal.WithLabelValues(result).Inc()
	verifyDuration.Observe(durationSeconds)
}

// RecordLifecycleOp records one create/rotate/revoke outcome.
func RecordLifecycleOp(operation, status string) {
	if !metricsRegistered {
		return
	}
	lifecycleTotal.WithLabelValues(operation, status).Inc()
}

// SetUsageQueueDepth reports the usage recorder's backlog.
func SetUsageQueueDepth(depth int) {
	if !metricsRegistered {
		return
	}
	usageQueueDepth.Set(float64(depth))
}
