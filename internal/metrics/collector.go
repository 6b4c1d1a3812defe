// Package metrics provides internal Prometheus metrics collection for the
// proxy's HTTP surface, its upstream provider calls, and the account pool's
// health state. Internal only: not meant to be imported outside this module.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector owns every metric this build exports. There is no database and
// no agent-execution concept in this proxy (unlike the teacher's framework),
// so those metric families are replaced with ones that describe a
// protocol-translating gateway: the account pool's health and the
// two-stage refresh pipeline's activity.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	providerRequestsTotal   *prometheus.CounterVec
	providerRequestDuration *prometheus.HistogramVec
	providerTokensUsed      *prometheus.CounterVec

	accountPoolSize    *prometheus.GaugeVec
	accountHealthy     *prometheus.GaugeVec
	accountErrorsTotal *prometheus.CounterVec

	refreshTriggeredTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector builds and registers every metric under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by the router.",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response body size in bytes.",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of upstream provider requests, by outcome.",
		},
		[]string{"provider", "model", "status"},
	)

	c.providerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Upstream provider request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"provider", "model"},
	)

	c.providerTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens exchanged with upstream providers.",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	c.accountPoolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_pool_size",
			Help:      "Number of accounts configured per provider type.",
		},
		[]string{"provider"},
	)

	c.accountHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_pool_healthy",
			Help:      "Number of currently healthy, selectable accounts per provider type.",
		},
		[]string{"provider"},
	)

	c.accountErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_errors_total",
			Help:      "Total account-level failures observed by the health sweep.",
		},
		[]string{"provider"},
	)

	c.refreshTriggeredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_triggered_total",
			Help:      "Total token refreshes triggered, by reason.",
		},
		[]string{"provider", "reason"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one completed request through the router.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// RecordProviderRequest records one completed upstream call, successful or
// not, made through a Service Adapter.
func (c *Collector) RecordProviderRequest(provider, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.providerRequestsTotal.WithLabelValues(provider, model, status).Inc()
	c.providerRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	c.providerTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	c.providerTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
}

// RecordAccountPool sets the current pool-size and healthy-count gauges for
// a provider type, called after each periodic health sweep.
func (c *Collector) RecordAccountPool(provider string, healthy, total int) {
	c.accountPoolSize.WithLabelValues(provider).Set(float64(total))
	c.accountHealthy.WithLabelValues(provider).Set(float64(healthy))
}

// RecordAccountError increments the failure counter for a provider type.
func (c *Collector) RecordAccountError(provider string) {
	c.accountErrorsTotal.WithLabelValues(provider).Inc()
}

// RecordRefreshTriggered increments the refresh-triggered counter for a
// provider type and reason (e.g. "near_expiry", "failure").
func (c *Collector) RecordRefreshTriggered(provider, reason string) {
	c.refreshTriggeredTotal.WithLabelValues(provider, reason).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
