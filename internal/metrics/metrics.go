// Package metrics exposes Prometheus collectors for the backfill service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	backfillRequestsTotal          *prometheus.CounterVec
	backfillRequestDurationSeconds *prometheus.HistogramVec
	backfillInflightRequests       *prometheus.GaugeVec
	backfillRetriesTotal           *prometheus.CounterVec
	backfillNetworkErrorsTotal     *prometheus.CounterVec
	backfillIdentitiesTotal        *prometheus.CounterVec
	backfillRecordsTotal           *prometheus.CounterVec
	backfillQueueDepth             *prometheus.GaugeVec
	backfillTokensRemaining        *prometheus.GaugeVec
	backfillFlushDurationSeconds   *prometheus.HistogramVec
	backfillSuccessRatio           *prometheus.GaugeVec
	backfillActiveWorkers          prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		backfillRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_requests_total",
				Help: "Total number of protocol requests, labeled by endpoint and status.",
			},
			[]string{"endpoint", "status"},
		)

		backfillRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_request_duration_seconds",
				Help:    "Histogram of protocol request latencies, labeled by endpoint.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		)

		backfillInflightRequests = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_inflight_requests",
				Help: "Number of protocol requests currently in flight, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		backfillRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_retries_total",
				Help: "Total number of retried fetches, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		backfillNetworkErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_network_errors_total",
				Help: "Total number of network errors, labeled by endpoint and error type.",
			},
			[]string{"endpoint", "type"},
		)

		backfillIdentitiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_identities_total",
				Help: "Identity outcomes, labeled by endpoint and final status.",
			},
			[]string{"endpoint", "status"},
		)

		backfillRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "backfill_records_total",
				Help: "Total number of records persisted, labeled by endpoint and kind.",
			},
			[]string{"endpoint", "kind"},
		)

		backfillQueueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_queue_depth",
				Help: "Depth of the durable queues, labeled by endpoint and queue type.",
			},
			[]string{"endpoint", "queue"},
		)

		backfillTokensRemaining = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_tokens_remaining",
				Help: "Tokens remaining in the per-endpoint rate limit bucket.",
			},
			[]string{"endpoint"},
		)

		backfillFlushDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "backfill_flush_duration_seconds",
				Help:    "Histogram of buffer flush and persist durations, labeled by operation.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"endpoint", "operation"},
		)

		backfillSuccessRatio = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "backfill_success_ratio",
				Help: "Ratio of successfully processed identities per endpoint.",
			},
			[]string{"endpoint"},
		)

		backfillActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "backfill_active_workers",
				Help: "Number of endpoint workers currently running.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRequest records one protocol request and its latency.
func ObserveRequest(endpoint, status string, duration time.Duration) {
	backfillRequestsTotal.WithLabelValues(endpoint, status).Inc()
	backfillRequestDurationSeconds.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// IncInflight increments the in-flight request gauge for the endpoint.
func IncInflight(endpoint string) {
	backfillInflightRequests.WithLabelValues(endpoint).Inc()
}

// DecInflight decrements the in-flight request gauge for the endpoint.
func DecInflight(endpoint string) {
	backfillInflightRequests.WithLabelValues(endpoint).Dec()
}

// ObserveRetry increments the retry counter for the endpoint.
func ObserveRetry(endpoint string) {
	backfillRetriesTotal.WithLabelValues(endpoint).Inc()
}

// ObserveNetworkError increments the network error counter by error type.
func ObserveNetworkError(endpoint, errType string) {
	backfillNetworkErrorsTotal.WithLabelValues(endpoint, errType).Inc()
}

// ObserveIdentity records the final status of an identity.
func ObserveIdentity(endpoint, status string) {
	backfillIdentitiesTotal.WithLabelValues(endpoint, status).Inc()
}

// ObserveRecords adds persisted record counts for a kind.
func ObserveRecords(endpoint, kind string, n int) {
	if n > 0 {
		backfillRecordsTotal.WithLabelValues(endpoint, kind).Add(float64(n))
	}
}

// SetQueueDepth sets the durable queue depth gauge.
func SetQueueDepth(endpoint, queue string, depth int) {
	backfillQueueDepth.WithLabelValues(endpoint, queue).Set(float64(depth))
}

// SetTokensRemaining sets the rate limit token gauge.
func SetTokensRemaining(endpoint string, tokens int) {
	backfillTokensRemaining.WithLabelValues(endpoint).Set(float64(tokens))
}

// ObserveFlush records the duration of a flush or persist operation.
func ObserveFlush(endpoint, operation string, duration time.Duration) {
	backfillFlushDurationSeconds.WithLabelValues(endpoint, operation).Observe(duration.Seconds())
}

// SetSuccessRatio sets the per-endpoint success ratio gauge.
func SetSuccessRatio(endpoint string, ratio float64) {
	backfillSuccessRatio.WithLabelValues(endpoint).Set(ratio)
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	backfillActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	backfillActiveWorkers.Dec()
}
