package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	DatabaseOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_database_operations_total",
			Help: "Total number of store operations",
		},
		[]string{"operation", "entity"},
	)

	DatabaseOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditflow_database_operation_duration_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "entity"},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_webhook_events_total",
			Help: "Payment notifications processed, by provider event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	WebhookProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creditflow_webhook_processing_duration_seconds",
			Help:    "Time spent reconciling one payment notification",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	SignatureVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_signature_verifications_total",
			Help: "Webhook signature verification results",
		},
		[]string{"result"},
	)

	BalanceAdjustmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_balance_adjustments_total",
			Help: "Atomic balance adjustments, by direction and result",
		},
		[]string{"direction", "result"},
	)

	CertificateFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creditflow_certificate_fetches_total",
			Help: "Provider certificate lookups, by source",
		},
		[]string{"source"},
	)

	OrdersExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creditflow_orders_expired_total",
			Help: "Pending orders moved to failed by the expiry sweep",
		},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creditflow_cache_hits_total",
			Help: "Balance cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "creditflow_cache_misses_total",
			Help: "Balance cache misses",
		},
	)
)

func RecordHttpRequest(method, endpoint, status string, duration time.Duration) {
	HttpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HttpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func RecordDatabaseOperation(operation, entity string, duration time.Duration) {
	DatabaseOperationsTotal.WithLabelValues(operation, entity).Inc()
	DatabaseOperationDuration.WithLabelValues(operation, entity).Observe(duration.Seconds())
}

func RecordWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func ObserveWebhookProcessing(kind string, duration time.Duration) {
	WebhookProcessingDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordSignatureVerification(result string) {
	SignatureVerificationsTotal.WithLabelValues(result).Inc()
}

func RecordBalanceAdjustment(direction, result string) {
	BalanceAdjustmentsTotal.WithLabelValues(direction, result).Inc()
}

func RecordCertificateFetch(source string) {
	CertificateFetchesTotal.WithLabelValues(source).Inc()
}

func RecordOrdersExpired(n int) {
	OrdersExpiredTotal.Add(float64(n))
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}
