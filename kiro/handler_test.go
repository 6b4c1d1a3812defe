package kiro

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/store"
)

func httpBody(s string) io.Reader { return strings.NewReader(s) }

func newTestHandler(t *testing.T, upstream string) (*Handler, store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := store.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	st, err := store.NewRedisStore(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	acc := &account.Account{UUID: "acc-1", ProviderType: account.ClaudeKiroOAuth, IsHealthy: true}
	require.NoError(t, st.SetProviderPool(ctx, account.ClaudeKiroOAuth, []*account.Account{acc}))
	require.NoError(t, st.AtomicTokenUpdate(ctx, account.ClaudeKiroOAuth, acc.UUID, &account.TokenCredential{AccessToken: "tok-1"}, "", 0))

	pm := pool.New(st, account.FallbackConfiguration{}, zap.NewNop())
	require.NoError(t, pm.LoadAll(ctx))

	h := New(st, pm, Config{
		APITimeout:      5 * time.Second,
		AccountCacheTTL: time.Minute,
		MaxRetries:      2,
		DebugDump:       false,
		ErrorDump:       false,
		DebugDir:        t.TempDir(),
	}, zap.NewNop())

	if upstream != "" {
		prev := upstreamEndpoint
		upstreamEndpoint = upstream
		t.Cleanup(func() { upstreamEndpoint = prev })
	}
	return h, st, mr
}

func TestHandler_ServeHTTP_StreamsSuccessfulResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(encodeFrame(t, nil, []byte(`{"content":"hi"}`)))
		w.Write(encodeFrame(t, nil, []byte(`{"content":" there","stop":true}`)))
	}))
	defer upstream.Close()

	h, _, mr := newTestHandler(t, upstream.URL)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", httpBody(`{"model":"claude-haiku-4-5","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	resp := rec.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "message_start")
	assert.Contains(t, string(body), "hi")
	assert.Contains(t, string(body), "message_stop")
}

func TestHandler_ServeHTTP_GhostExceptionAfterStopIsNotTerminal(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(encodeFrame(t, nil, []byte(`{"content":"done","stop":true}`)))
		w.Write(encodeFrame(t, map[string]string{":exception-type": "InternalServerException"}, []byte(`{}`)))
	}))
	defer upstream.Close()

	h, st, mr := newTestHandler(t, upstream.URL)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", httpBody(`{"model":"claude-haiku-4-5","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Result().StatusCode)

	accs, err := st.GetProviderPool(context.Background(), account.ClaudeKiroOAuth)
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, 0, accs[0].ErrorCount)
}

func TestHandler_ServeHTTP_RealExceptionBeforeStopIsRetried(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(encodeFrame(t, map[string]string{":exception-type": "ValidationException"}, []byte(`{}`)))
	}))
	defer upstream.Close()

	h, _, mr := newTestHandler(t, upstream.URL)
	defer mr.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", httpBody(`{"model":"claude-haiku-4-5","max_tokens":32,"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Result().StatusCode)
}
