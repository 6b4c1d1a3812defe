/*
Package metrics provides Prometheus-based metrics collection covering the
router's HTTP surface, upstream provider calls, and the account pool's
health state.

Collector registers every metric once via promauto, so callers never manage
a Registry directly. Metrics are grouped by concern:

  - HTTP: request count, duration, and request/response size, labelled by
    method/path/status (status collapsed to 2xx/3xx/4xx/5xx).
  - Provider: request count, duration, and token usage (prompt/completion),
    labelled by provider/model.
  - Account pool: pool size and healthy-account gauges, plus an account
    error counter, labelled by provider.
  - Refresh: a triggered-refresh counter labelled by provider and reason.
*/
package metrics
