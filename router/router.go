// Package router implements the Request Router / Handler (C6): the single
// http.Handler every incoming request passes through, resolving routes in a
// fixed order (CORS, health, Ollama family, provider override, auth, native
// API dispatch, 404 fallback) before handing off to the Kiro handler, the
// forward-api pass-through, or a Service Adapter.
package router

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/ctxkeys"
	"github.com/aiclient/goproxy/internal/metrics"
	"github.com/aiclient/goproxy/internal/retry"
	"github.com/aiclient/goproxy/kiro"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/providers/forward"
	"github.com/aiclient/goproxy/store"
)

// Config bounds the router's own behaviour: the API key accepted from
// callers and the default provider used absent an override. The CORS
// allow-list is not configured here; it is the fixed corsMethods and
// corsHeaders set below.
type Config struct {
	APIKey           string
	DefaultProviders []account.ProviderType
	ModelProvider    account.ProviderType
}

// RecoveryChecker runs the scheduled-recovery sweep, throttled to whatever
// rate its implementation chooses. internal/tasks.Runner satisfies this;
// router depends only on the one method it needs rather than importing that
// package outright.
type RecoveryChecker interface {
	CheckRecoveries(ctx context.Context)
}

// Router is the C6 Request Router / Handler.
type Router struct {
	cfg      Config
	st       store.Store
	pm       *pool.Manager
	adapters map[account.ProviderType]providers.Adapter
	forward  *forward.Provider
	kiro     *kiro.Handler
	auth     []AuthPlugin
	recovery RecoveryChecker
	metrics  *metrics.Collector
	retryer  *retry.Retryer
	logger   *zap.Logger
}

// New builds a Router. adapters must have one entry per ProviderType this
// deployment serves natively (everything except forward-api and
// claude-kiro-oauth, which are dispatched directly).
func New(cfg Config, st store.Store, pm *pool.Manager, adapters map[account.ProviderType]providers.Adapter, fwd *forward.Provider, kiroHandler *kiro.Handler, logger *zap.Logger) *Router {
	r := &Router{
		cfg:      cfg,
		st:       st,
		pm:       pm,
		adapters: adapters,
		forward:  fwd,
		kiro:     kiroHandler,
		retryer:  retry.New(retry.DefaultPolicy(), logger),
		logger:   logger,
	}
	r.auth = []AuthPlugin{APIKeyPlugin(cfg.APIKey)}
	return r
}

// SetRecoveryChecker wires the periodic-tasks scheduled-recovery sweep into
// the request path (spec.md §4.9: "per-request, throttled to 1 Hz"). Optional:
// a Router with none configured simply relies on RecordFailure/RecordSuccess
// transitions alone.
func (rt *Router) SetRecoveryChecker(rc RecoveryChecker) {
	rt.recovery = rc
}

// SetMetrics wires a Collector into the router; every request's HTTP-level
// metrics (and, via dispatchNative, every upstream provider call's metrics)
// are recorded against it. Optional: a nil Collector means metrics are
// simply not recorded.
func (rt *Router) SetMetrics(c *metrics.Collector) {
	rt.metrics = c
}

// statusRecorder captures the status code and bytes written so ServeHTTP
// can report them to the metrics Collector without every handler having to
// do so itself.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += int64(n)
	return n, err
}

// Flush delegates to the underlying writer's http.Flusher, if any, so
// wrapping a Router in metrics instrumentation never silently breaks SSE or
// NDJSON streaming's incremental flush.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// corsHeaders are the fixed allow-list spec.md §6 names; unlike the
// teacher's configurable per-origin CORS middleware, this surface is a
// public API gateway with no cookie-based session to protect, so every
// origin is allowed.
const (
	corsMethods = "GET,POST,PUT,DELETE,OPTIONS,PATCH"
	corsHeaders = "Content-Type, Authorization, x-goog-api-key, Model-Provider, X-Requested-With, Accept, Origin"
)

func writeCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", corsMethods)
	h.Set("Access-Control-Allow-Headers", corsHeaders)
	h.Set("Access-Control-Max-Age", "86400")
}

// ServeHTTP resolves one request through the fixed ten-step order spec.md
// §4.6 names. Steps 2 (static/UI) and 3 (plugin routes) have no external
// surface in this deployment (no bundled UI, no plugin host), so they are
// no-ops here, preserved as explicit comments rather than silently dropped.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	traceID := uuid.New().String()
	req = req.WithContext(ctxkeys.WithTraceID(req.Context(), traceID))
	w.Header().Set("X-Request-Id", traceID)

	if rt.metrics != nil {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		defer func() {
			rt.metrics.RecordHTTPRequest(req.Method, req.URL.Path, rec.status, time.Since(start), req.ContentLength, rec.bytes)
		}()
		w = rec
	}

	writeCORSHeaders(w)

	if rt.recovery != nil {
		rt.recovery.CheckRecoveries(req.Context())
	}

	// 1. CORS preflight.
	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// 2. Static / UI paths — external, not part of this deployment.
	// 3. Plugin routes — external, not part of this deployment.

	// 4. Health endpoints.
	switch req.URL.Path {
	case "/health":
		rt.handleHealth(w, req)
		return
	case "/provider_health":
		rt.handleProviderHealth(w, req)
		return
	}

	// /api/event_logging/batch is a documented no-op, checked ahead of the
	// Ollama family match below since it also starts with /api/.
	if req.URL.Path == "/api/event_logging/batch" {
		w.WriteHeader(http.StatusOK)
		return
	}

	// 5. Ollama path family: no fixed provider, resolved per endpoint.
	if isOllamaPath(req.URL.Path) {
		rt.handleOllama(w, req)
		return
	}

	// 6. Provider-override resolution.
	pt, path := rt.resolveProviderOverride(req)

	// 7. Auth plugin chain.
	authorized := false
	for _, plugin := range rt.auth {
		if plugin(req) {
			authorized = true
			break
		}
	}
	if !authorized {
		writeJSONError(w, http.StatusUnauthorized, "missing or invalid API key")
		return
	}

	// 8. /count_tokens.
	if strings.HasSuffix(path, "/count_tokens") {
		rt.handleCountTokens(w, req)
		return
	}

	// 9. API dispatch by native endpoint.
	if rt.dispatch(w, req, path, pt) {
		return
	}

	// 10. Fallback.
	writeJSONError(w, http.StatusNotFound, "no route for "+path)
}

// resolveProviderOverride applies spec.md §4.6 step 6: the Model-Provider
// header wins over a matching first path segment; an unrecognised value in
// either is ignored rather than rejected, since it is advisory only — the
// default provider still applies. The matched path segment is stripped so
// downstream dispatch sees the canonical path.
func (rt *Router) resolveProviderOverride(req *http.Request) (account.ProviderType, string) {
	path := req.URL.Path

	if h := req.Header.Get("Model-Provider"); h != "" {
		if pt := account.ProviderType(h); pt.Valid() {
			return pt, path
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	segment, rest, _ := strings.Cut(trimmed, "/")
	if pt := account.ProviderType(segment); pt.Valid() {
		if rest == "" {
			return pt, "/"
		}
		return pt, "/" + rest
	}

	return rt.defaultProvider(), path
}

// defaultProvider returns the configured default when no override applies:
// the explicit ModelProvider setting if one is configured, else the first
// entry of DefaultProviders.
func (rt *Router) defaultProvider() account.ProviderType {
	if rt.cfg.ModelProvider != "" {
		return rt.cfg.ModelProvider
	}
	if len(rt.cfg.DefaultProviders) > 0 {
		return rt.cfg.DefaultProviders[0]
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":` + jsonQuote(message) + `}}`))
}

func jsonQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
