// Package middleware provides metrics for HTTP middleware components.
package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitStoreErrors  = "rate_limit_store_errors_total"
	MetricSessionsStarted       = "verification_sessions_started_total"
	MetricWebhookEvents         = "verification_webhook_events_total"
	MetricWebhookSigFailures    = "verification_webhook_signature_failures_total"
	MetricManualOverrides       = "verification_manual_overrides_total"
	MetricSignedURLsIssued      = "signed_urls_issued_total"
	MetricSignedURLsDenied      = "signed_urls_denied_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
)

// Metrics contains Prometheus metrics for the verification pipeline and HTTP
// layer. All operations are thread-safe.
type Metrics struct {
	rateLimitRequests    prometheus.Counter
	rateLimitBlocked     prometheus.Counter
	rateLimitStoreErrors prometheus.Counter
	sessionsStarted      *prometheus.CounterVec
	webhookEvents        *prometheus.CounterVec
	webhookSigFailures   *prometheus.CounterVec
	manualOverrides      *prometheus.CounterVec
	signedURLsIssued     prometheus.Counter
	signedURLsDenied     prometheus.Counter
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestSize      *prometheus.HistogramVec
	httpResponseSize     *prometheus.HistogramVec
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitRequests,
				Help: "Total number of rate limit checks on verification starts",
			},
		),
		rateLimitBlocked: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitBlocked,
				Help: "Total number of rate limited (denied) verification starts",
			},
		),
		rateLimitStoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRateLimitStoreErrors,
				Help: "Total number of rate limit store errors (fail-open events)",
			},
		),
		sessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSessionsStarted,
				Help: "Total number of verification sessions started by provider",
			},
			[]string{"provider"},
		),
		webhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookEvents,
				Help: "Total number of webhook events applied by provider and status",
			},
			[]string{"provider", "status"},
		),
		webhookSigFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricWebhookSigFailures,
				Help: "Total number of webhook signature verification failures by provider",
			},
			[]string{"provider"},
		),
		manualOverrides: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricManualOverrides,
				Help: "Total number of manual review overrides by action",
			},
			[]string{"action"},
		),
		signedURLsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricSignedURLsIssued,
				Help: "Total number of signed asset URLs issued",
			},
		),
		signedURLsDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricSignedURLsDenied,
				Help: "Total number of signed asset URL requests denied for missing verification",
			},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestDuration,
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1.0, 2.0},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricHTTPRequestsTotal,
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPRequestSizeBytes,
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8), // 100 B to ~100 MB
			},
			[]string{"method", "path", "status"},
		),
		httpResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricHTTPResponseSizeBytes,
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8), // 100 B to ~100 MB
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Register registers all metrics with the given registry.
// Returns an error if registration fails.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IncRateLimitRequests increments the rate limit check counter.
func (m *Metrics) IncRateLimitRequests() {
	m.rateLimitRequests.Inc()
}

// IncRateLimitBlocked increments the rate limit denial counter.
func (m *Metrics) IncRateLimitBlocked() {
	m.rateLimitBlocked.Inc()
}

// IncRateLimitStoreErrors increments the store error counter.
// This tracks fail-open events when the counter store is unavailable.
func (m *Metrics) IncRateLimitStoreErrors() {
	m.rateLimitStoreErrors.Inc()
}

// IncSessionsStarted increments the sessions-started counter for a provider.
func (m *Metrics) IncSessionsStarted(provider string) {
	m.sessionsStarted.WithLabelValues(provider).Inc()
}

// IncWebhookEvents increments the applied webhook event counter.
func (m *Metrics) IncWebhookEvents(provider, status string) {
	m.webhookEvents.WithLabelValues(provider, status).Inc()
}

// IncWebhookSignatureFailures increments the signature failure counter.
// Watched for security monitoring; a spike means someone is probing.
func (m *Metrics) IncWebhookSignatureFailures(provider string) {
	m.webhookSigFailures.WithLabelValues(provider).Inc()
}

// IncManualOverrides increments the manual override counter for an action.
func (m *Metrics) IncManualOverrides(action string) {
	m.manualOverrides.WithLabelValues(action).Inc()
}

// IncSignedURLsIssued increments the signed URL issuance counter.
func (m *Metrics) IncSignedURLsIssued() {
	m.signedURLsIssued.Inc()
}

// IncSignedURLsDenied increments the signed URL denial counter.
func (m *Metrics) IncSignedURLsDenied() {
	m.signedURLsDenied.Inc()
}

// ObserveHTTPRequest records HTTP request metrics.
// method: HTTP method (e.g., "GET", "POST")
// path: Request path (e.g., "/verify/start")
// status: HTTP status code (e.g., 200, 404)
// duration: Request duration in seconds
// requestSize: Request body size in bytes
// responseSize: Response body size in bytes
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": status,
	}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitStoreErrors,
		m.sessionsStarted,
		m.webhookEvents,
		m.webhookSigFailures,
		m.manualOverrides,
		m.signedURLsIssued,
		m.signedURLsDenied,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
	}
}
