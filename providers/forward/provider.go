// Package forward implements the Service Adapter (C4) for forward-api
// accounts: a protocol-agnostic relay that forwards the caller's body
// verbatim to acc.CredentialPath (the full upstream base URL) and streams
// the response back unmodified. It has no wire format of its own, so it
// cannot populate types.ChatResponse/StreamChunk from a parsed upstream
// shape; GenerateContent and GenerateContentStream exist to satisfy
// providers.Adapter but the router bypasses them and calls RawForward
// directly for this provider type.
package forward

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/internal/tlsutil"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

type Provider struct {
	cfg    providers.ForwardConfig
	client *http.Client
	logger *zap.Logger
}

func New(cfg providers.ForwardConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Provider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(cfg.Timeout),
		logger: logger.With(zap.String("adapter", "forward")),
	}
}

func (p *Provider) ProviderType() account.ProviderType { return account.ForwardAPI }

// RawForward relays method+path+body to acc's configured base URL, copying
// headers both ways, and returns the raw upstream response for the router
// to stream to the client without protocol translation.
func (p *Provider) RawForward(ctx context.Context, acc *account.Account, method, path string, headers http.Header, body io.Reader) (*http.Response, error) {
	base := strings.TrimRight(acc.CredentialPath, "/")
	endpoint := base + path

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error())
	}
	for k, vv := range headers {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(string(account.ForwardAPI))
	}
	return resp, nil
}

func (p *Provider) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	return nil, types.NewError(types.ErrInvalidRequest, "forward-api accounts are relayed raw; call RawForward instead")
}

func (p *Provider) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	return nil, types.NewError(types.ErrInvalidRequest, "forward-api accounts are relayed raw; call RawForward instead")
}

func (p *Provider) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	return nil, nil
}

func (p *Provider) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	start := time.Now()
	resp, err := p.RawForward(ctx, acc, http.MethodGet, "/", nil, nil)
	latency := time.Since(start)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: latency}
	}
	defer resp.Body.Close()
	return types.HealthStatus{Healthy: resp.StatusCode < 500, Latency: latency}
}

var _ providers.Adapter = (*Provider)(nil)
