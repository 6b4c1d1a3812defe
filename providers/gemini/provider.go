// Package gemini implements the Service Adapter (C4) for the Gemini
// generateContent wire protocol, serving gemini-cli-oauth and
// gemini-antigravity accounts, via the google.golang.org/genai client.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"google.golang.org/genai"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

// Provider implements providers.Adapter for the Gemini generateContent API.
// Both gemini-cli-oauth and gemini-antigravity speak the same REST shape;
// they differ only in how the caller obtains a bearer credential, which is
// why this adapter takes the credential as a parameter rather than holding
// a static key.
//
// One adapter instance serves every account of this provider type. The SDK
// client is built around a single fixed key, so clients caches one
// *genai.Client per credential, built lazily on first use, rather than
// paying a fresh handshake on every call.
type Provider struct {
	pt     account.ProviderType
	cfg    providers.OAuthConfig
	logger *zap.Logger

	clientMu sync.Mutex
	clients  map[string]*genai.Client
}

func New(pt account.ProviderType, cfg providers.OAuthConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com"
	}
	return &Provider{
		pt:      pt,
		cfg:     cfg,
		logger:  logger.With(zap.String("adapter", "gemini")),
		clients: make(map[string]*genai.Client),
	}
}

func (p *Provider) ProviderType() account.ProviderType { return p.pt }

func credentialKey(cred *account.TokenCredential) string {
	if cred == nil {
		return ""
	}
	if cred.AccessToken != "" {
		return cred.AccessToken
	}
	return cred.GeminiAccessToken
}

// clientFor returns the cached SDK client for cred's credential, building
// one on first use via the Gemini Developer API backend so the credential
// flows as the x-goog-api-key header, matching how this build obtains it
// (an OAuth access token that the upstream API accepts in that header).
func (p *Provider) clientFor(ctx context.Context, cred *account.TokenCredential) (*genai.Client, error) {
	key := credentialKey(cred)

	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: p.cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	p.clients[key] = client
	return client, nil
}

func (p *Provider) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	start := time.Now()
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return types.HealthStatus{Healthy: false, Latency: time.Since(start)}
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{})
	latency := time.Since(start)
	return types.HealthStatus{Healthy: err == nil, Latency: latency}
}

func convertToGeminiContents(msgs []types.Message) (*genai.Content, []*genai.Content) {
	var systemInstruction *genai.Content
	var contents []*genai.Content

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			systemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			continue
		}

		role := genai.RoleUser
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		if m.Content != "" && !(m.Role == types.RoleTool && m.ToolCallID != "") {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}

		for _, tc := range m.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Arguments, &args); err == nil {
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
		}

		if m.Role == types.RoleTool && m.ToolCallID != "" {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			parts = append(parts, genai.NewPartFromFunctionResponse(m.Name, response))
		}

		if len(parts) > 0 {
			contents = append(contents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return systemInstruction, contents
}

func convertToGeminiTools(tools []types.ToolSchema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: schema,
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func buildGenerateConfig(req *types.ChatRequest, systemInstruction *genai.Content, tools []*genai.Tool) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
		Tools:             tools,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	if req.TopP > 0 {
		tp := req.TopP
		cfg.TopP = &tp
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	return cfg
}

func (p *Provider) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	systemInstruction, contents := convertToGeminiContents(req.Messages)
	model := providers.ChooseModel(req, p.cfg.Model, "gemini-2.5-flash")
	cfg := buildGenerateConfig(req, systemInstruction, convertToGeminiTools(req.Tools))

	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, mapGeminiSDKError(err, string(p.pt))
	}

	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, mapGeminiSDKError(err, string(p.pt))
	}

	return toChatResponse(resp, string(p.pt), model), nil
}

func (p *Provider) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	systemInstruction, contents := convertToGeminiContents(req.Messages)
	model := providers.ChooseModel(req, p.cfg.Model, "gemini-2.5-flash")
	cfg := buildGenerateConfig(req, systemInstruction, convertToGeminiTools(req.Tools))

	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, mapGeminiSDKError(err, string(p.pt))
	}

	ch := make(chan types.StreamChunk)
	go func() {
		defer close(ch)

		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				ch <- types.StreamChunk{Err: mapGeminiSDKError(err, string(p.pt))}
				return
			}

			for _, candidate := range resp.Candidates {
				if candidate.Content == nil {
					continue
				}
				chunk := types.StreamChunk{
					Provider:     string(p.pt),
					Model:        model,
					Index:        int(candidate.Index),
					FinishReason: string(candidate.FinishReason),
					Delta:        types.Message{Role: types.RoleAssistant},
				}

				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						chunk.Delta.Content += part.Text
					}
					if part.FunctionCall != nil {
						argsJSON, _ := json.Marshal(part.FunctionCall.Args)
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{
							Name:      part.FunctionCall.Name,
							Arguments: argsJSON,
						})
					}
				}

				ch <- chunk
			}

			if resp.UsageMetadata != nil {
				ch <- types.StreamChunk{
					Provider: string(p.pt),
					Model:    model,
					Usage: &types.ChatUsage{
						PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
						CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
						TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
					},
				}
			}
		}
	}()

	return ch, nil
}

func (p *Provider) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	client, err := p.clientFor(ctx, cred)
	if err != nil {
		return nil, mapGeminiSDKError(err, string(p.pt))
	}

	page, err := client.Models.List(ctx, &genai.ListModelsConfig{})
	if err != nil {
		return nil, mapGeminiSDKError(err, string(p.pt))
	}

	out := make([]types.Model, 0, len(page.Items))
	for _, m := range page.Items {
		out = append(out, types.Model{ID: strings.TrimPrefix(m.Name, "models/"), Object: "model", OwnedBy: "google"})
	}
	return out, nil
}

func toChatResponse(resp *genai.GenerateContentResponse, provider, model string) *types.ChatResponse {
	choices := make([]types.ChatChoice, 0, len(resp.Candidates))

	for _, candidate := range resp.Candidates {
		msg := types.Message{Role: types.RoleAssistant}
		if candidate.Content != nil {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					msg.Content += part.Text
				}
				if part.FunctionCall != nil {
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
						Name:      part.FunctionCall.Name,
						Arguments: argsJSON,
					})
				}
			}
		}

		choices = append(choices, types.ChatChoice{
			Index:        int(candidate.Index),
			FinishReason: string(candidate.FinishReason),
			Message:      msg,
		})
	}

	out := &types.ChatResponse{
		ID:       resp.ResponseID,
		Provider: provider,
		Model:    model,
		Choices:  choices,
	}

	if resp.UsageMetadata != nil {
		out.Usage = types.ChatUsage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return out
}

// mapGeminiSDKError translates the SDK's *genai.APIError (populated from the
// upstream JSON error envelope: code/message/status) into this build's
// types.Error taxonomy. A non-API error (context cancellation, transport
// failure, client construction failure) falls back to a retryable upstream
// error.
func mapGeminiSDKError(err error, provider string) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)
	}

	status := apiErr.Code
	msg := apiErr.Message
	return mapGeminiError(status, msg, provider)
}

// mapGeminiError maps an upstream HTTP status and error message to this
// build's types.Error taxonomy.
func mapGeminiError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimitHit, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "limit") {
			return types.NewError(types.ErrQuotaExhausted, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstream5xx, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}

var _ providers.Adapter = (*Provider)(nil)
