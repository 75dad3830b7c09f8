// Package metrics provides Prometheus metrics for operation tracking.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OperationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_operations_started_total",
			Help: "Total number of operations started",
		},
		[]string{"kind"},
	)
	OperationsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_operations_finished_total",
			Help: "Total number of operations that reached a terminal status",
		},
		[]string{"kind", "status"},
	)
	OperationsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_operations_recovered_total",
			Help: "Total number of recovery attempts by outcome",
		},
		[]string{"kind", "outcome"},
	)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lancache_operation_duration_seconds",
			Help:    "Observed operation duration from start to terminal status",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind", "status"},
	)
	PollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_poll_failures_total",
			Help: "Total number of failed status polls",
		},
		[]string{"kind"},
	)
	PushFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_push_fallbacks_total",
			Help: "Total number of times the push channel was unavailable and polling was used",
		},
		[]string{"kind"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_store_errors_total",
			Help: "Total number of operation store failures",
		},
		[]string{"op"},
	)
	ActiveOperations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lancache_active_operations",
			Help: "Operations currently tracked as active, by kind",
		},
		[]string{"kind"},
	)
	ActivePollers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lancache_active_pollers",
			Help: "Number of running status pollers",
		},
	)
	Notifications = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lancache_notifications",
			Help: "Number of notifications currently held by the aggregator",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lancache_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lancache_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordOperationStarted(kind string) {
	OperationsStarted.WithLabelValues(kind).Inc()
}

func RecordOperationFinished(kind, status string, duration time.Duration) {
	OperationsFinished.WithLabelValues(kind, status).Inc()
	if duration > 0 {
		OperationDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	}
}

func RecordRecovery(kind, outcome string) {
	OperationsRecovered.WithLabelValues(kind, outcome).Inc()
}

func RecordPollFailure(kind string) {
	PollFailures.WithLabelValues(kind).Inc()
}

func RecordPushFallback(kind string) {
	PushFallbacks.WithLabelValues(kind).Inc()
}

func RecordStoreError(op string) {
	StoreErrors.WithLabelValues(op).Inc()
}

func SetOperationActive(kind string, active bool) {
	v := 0.0
	if active {
		v = 1
	}
	ActiveOperations.WithLabelValues(kind).Set(v)
}

func UpdateActivePollers(count int) {
	ActivePollers.Set(float64(count))
}

func UpdateNotifications(count int) {
	Notifications.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
