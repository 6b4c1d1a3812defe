// Package qwen implements the Service Adapter (C4) for Alibaba Qwen's
// DashScope endpoint, serving openai-qwen-oauth accounts over the
// OpenAI-compatible chat-completions wire format.
package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/tlsutil"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/providers/openaicompat"
	"github.com/aiclient/goproxy/types"
)

// Provider implements providers.Adapter for Qwen's DashScope
// compatible-mode API. Qwen accounts authenticate via OAuth, so GenerateContent
// always takes its bearer token from the credential the pool manager hands in
// rather than a static config key.
type Provider struct {
	cfg    providers.OAuthConfig
	client *http.Client
	logger *zap.Logger
}

func New(cfg providers.OAuthConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("adapter", "qwen")),
	}
}

func (p *Provider) ProviderType() account.ProviderType { return account.OpenAIQwenOAuth }

func (p *Provider) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: time.Since(start)}
	}
	openaicompat.BuildHeaders(httpReq, credentialKey(cred))

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: latency}
	}
	defer resp.Body.Close()
	return types.HealthStatus{Healthy: resp.StatusCode == http.StatusOK, Latency: latency}
}

func credentialKey(cred *account.TokenCredential) string {
	if cred == nil {
		return ""
	}
	return cred.AccessToken
}

func (p *Provider) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "qwen3-235b-a22b")
	body := openaicompat.BuildRequest(req, model, false)
	resp, err := openaicompat.Do(ctx, p.client, p.cfg.BaseURL, credentialKey(cred), body, string(account.OpenAIQwenOAuth))
	if err != nil {
		return nil, err
	}
	return openaicompat.ToChatResponse(*resp, string(account.OpenAIQwenOAuth)), nil
}

func (p *Provider) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	model := providers.ChooseModel(req, p.cfg.Model, "qwen3-235b-a22b")
	body := openaicompat.BuildRequest(req, model, true)
	return openaicompat.Stream(ctx, p.client, p.cfg.BaseURL, credentialKey(cred), body, string(account.OpenAIQwenOAuth))
}

func (p *Provider) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	endpoint := fmt.Sprintf("%s/models", strings.TrimRight(p.cfg.BaseURL, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error())
	}
	openaicompat.BuildHeaders(httpReq, credentialKey(cred))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(string(account.OpenAIQwenOAuth))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, openaicompat.MapError(resp.StatusCode, openaicompat.ReadErrMsg(resp.Body), string(account.OpenAIQwenOAuth))
	}

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(string(account.OpenAIQwenOAuth))
	}

	out := make([]types.Model, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		out = append(out, types.Model{ID: m.ID, Object: "model", OwnedBy: "alibaba"})
	}
	return out, nil
}

var _ providers.Adapter = (*Provider)(nil)
