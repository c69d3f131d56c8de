package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry, the generic operation meters and the
// signing-lifecycle counters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	BytesProcessed    *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec

	DocumentsCreated   prometheus.Counter
	DocumentsRevoked   prometheus.Counter
	SignaturesRecorded prometheus.Counter
	MetadataFailures   *prometheus.CounterVec
	RateLimited        prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
}

// NewMetrics creates a custom registry with the arc-sign metrics registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arc_sign_operation_duration_seconds",
			Help:    "Duration of operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),
		OperationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_operation_total",
			Help: "Total number of operations.",
		}, []string{"operation", "status"}),
		BytesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_bytes_processed_total",
			Help: "Total bytes processed.",
		}, []string{"direction"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_errors_total",
			Help: "Total number of errors by kind.",
		}, []string{"operation", "kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arc_sign_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		DocumentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_sign_documents_created_total",
			Help: "Documents registered on the ledger.",
		}),
		DocumentsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_sign_documents_revoked_total",
			Help: "Documents revoked.",
		}),
		SignaturesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_sign_signatures_recorded_total",
			Help: "Signatures recorded on the ledger.",
		}),
		MetadataFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_metadata_failures_total",
			Help: "Absorbed off-ledger metadata store failures.",
		}, []string{"op"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_sign_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arc_sign_events_published_total",
			Help: "Ledger events published to the hub.",
		}, []string{"kind"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arc_sign_events_dropped_total",
			Help: "Events dropped for slow subscribers.",
		}),
	}

	reg.MustRegister(
		m.OperationDuration, m.OperationTotal, m.BytesProcessed, m.ErrorsTotal,
		m.HTTPRequests, m.HTTPDuration,
		m.DocumentsCreated, m.DocumentsRevoked, m.SignaturesRecorded,
		m.MetadataFailures, m.RateLimited, m.EventsPublished, m.EventsDropped,
	)
	return m
}
