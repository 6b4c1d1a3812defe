package router

import (
	"context"
	"encoding/json"
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
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/providers/forward"
	"github.com/aiclient/goproxy/store"
	"github.com/aiclient/goproxy/types"
)

// fakeAdapter is a minimal providers.Adapter stub for dispatch tests; it
// never talks to a real upstream, returning a fixed reply instead.
type fakeAdapter struct {
	pt    account.ProviderType
	reply string
}

func (f *fakeAdapter) ProviderType() account.ProviderType { return f.pt }

func (f *fakeAdapter) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	return &types.ChatResponse{
		Model:   req.Model,
		Choices: []types.ChatChoice{{Index: 0, FinishReason: "stop", Message: types.Message{Role: types.RoleAssistant, Content: f.reply}}},
		Usage:   types.ChatUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}, nil
}

func (f *fakeAdapter) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	ch := make(chan types.StreamChunk, 2)
	ch <- types.StreamChunk{Model: req.Model, Delta: types.Message{Content: f.reply}}
	ch <- types.StreamChunk{Model: req.Model, FinishReason: "stop", Usage: &types.ChatUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	return []types.Model{{ID: "fake-model-1"}}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	return types.HealthStatus{Healthy: true}
}

var _ providers.Adapter = (*fakeAdapter)(nil)

func newTestRouter(t *testing.T) (*Router, store.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := store.DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	st, err := store.NewRedisStore(cfg, zap.NewNop(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	acc := &account.Account{UUID: "acc-1", ProviderType: account.OpenAICustom, IsHealthy: true}
	require.NoError(t, st.SetProviderPool(ctx, account.OpenAICustom, []*account.Account{acc}))
	require.NoError(t, st.AtomicTokenUpdate(ctx, account.OpenAICustom, acc.UUID, &account.TokenCredential{AccessToken: "tok"}, "", 0))

	pm := pool.New(st, account.FallbackConfiguration{}, zap.NewNop())
	require.NoError(t, pm.LoadAll(ctx))

	adapters := map[account.ProviderType]providers.Adapter{
		account.OpenAICustom: &fakeAdapter{pt: account.OpenAICustom, reply: "hello from fake"},
	}
	fwd := forward.New(providers.ForwardConfig{Timeout: 5 * time.Second}, zap.NewNop())

	r := New(Config{APIKey: "secret", ModelProvider: account.OpenAICustom}, st, pm, adapters, fwd, nil, zap.NewNop())
	return r, st
}

func TestRouter_CORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_Health_NoAuthRequired(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_MissingAuth_Returns401(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouter_Dispatch_OpenAIChatCompletions(t *testing.T) {
	r, _ := newTestRouter(t)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello from fake")
}

func TestRouter_ProviderOverrideHeader_IgnoredWhenInvalid(t *testing.T) {
	r, _ := newTestRouter(t)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Model-Provider", "not-a-real-provider")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ProviderHealth_ReportsSummaryHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/provider_health?provider=openai-custom", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp providerHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.TotalCount)
	assert.Equal(t, 1, resp.HealthyCount)
	assert.True(t, resp.SummaryHealth)
}

func TestRouter_UnknownPath_Returns404(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CountTokens_EstimatesFromMessages(t *testing.T) {
	r, _ := newTestRouter(t)
	body := `{"messages":[{"role":"user","content":"hello world"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages/count_tokens", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Greater(t, resp["input_tokens"], float64(0))
}

func TestRouter_OllamaTags_UnauthenticatedAndAggregates(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/tags", nil)
	rec := httptest.NewRecorder()

	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fake-model-1")
}
