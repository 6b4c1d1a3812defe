// Package openai implements the Service Adapter (C4) for the OpenAI-wire-format
// provider types openai-custom, openai-custom-responses, openai-iflow and
// openai-codex-oauth. All four send the same chat-completions request to the
// chat-completions endpoint; openai-custom-responses does not use the
// Responses API. They differ only in base URL and default model, and
// RefreshToken (codex.go) serves openai-codex-oauth. Requests go through the
// openai-go/v3 client rather than a hand-rolled HTTP body.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	openai "github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

// Provider implements providers.Adapter over the OpenAI-compatible
// chat-completions wire format, with a static API key taken from the
// account's token credential.
type Provider struct {
	pt           account.ProviderType
	cfg          providers.StaticKeyConfig
	logger       *zap.Logger
	defaultModel string
	useResponses bool

	clientMu sync.Mutex
	clients  map[string]*openai.Client
}

var defaultModels = map[account.ProviderType]string{
	account.OpenAICustom:          "gpt-4o",
	account.OpenAICustomResponses: "gpt-4.1",
	account.OpenAIIFlow:           "iflow-v1",
}

var defaultBaseURLs = map[account.ProviderType]string{
	account.OpenAICustom:          "https://api.openai.com/v1",
	account.OpenAICustomResponses: "https://api.openai.com/v1",
	account.OpenAIIFlow:           "https://apis.iflow.cn/v1",
}

// New constructs the adapter for pt, one of OpenAICustom,
// OpenAICustomResponses, or OpenAIIFlow.
func New(pt account.ProviderType, cfg providers.StaticKeyConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURLs[pt]
	}
	return &Provider{
		pt:           pt,
		cfg:          cfg,
		logger:       logger.With(zap.String("adapter", "openai"), zap.String("providerType", string(pt))),
		defaultModel: defaultModels[pt],
		useResponses: pt == account.OpenAICustomResponses,
		clients:      make(map[string]*openai.Client),
	}
}

func (p *Provider) ProviderType() account.ProviderType { return p.pt }

func credentialKey(cred *account.TokenCredential) string {
	if cred == nil {
		return ""
	}
	return cred.AccessToken
}

// clientFor returns the cached SDK client for cred's credential, building
// one on first use so concurrent accounts of this provider type share
// connection pooling instead of each call paying a fresh handshake.
func (p *Provider) clientFor(cred *account.TokenCredential) *openai.Client {
	key := credentialKey(cred)

	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c
	}

	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(key)}
	if p.cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(p.cfg.BaseURL))
	}
	if p.cfg.Timeout > 0 {
		opts = append(opts, openaiopt.WithRequestTimeout(p.cfg.Timeout))
	}

	client := openai.NewClient(opts...)
	p.clients[key] = &client
	return &client
}

func (p *Provider) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	start := time.Now()
	client := p.clientFor(cred)
	_, err := client.Models.List(ctx)
	latency := time.Since(start)
	return types.HealthStatus{Healthy: err == nil, Latency: latency}
}

func convertMessages(msgs []types.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case types.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case types.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID: tc.ID,
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: string(tc.Arguments),
							},
						},
					})
				}
				asst := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
				if m.Content != "" {
					asst.Content.OfString = param.NewOpt(m.Content)
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
				continue
			}
			out = append(out, openai.AssistantMessage(m.Content))
		case types.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func convertTools(tools []types.ToolSchema) []openai.ChatCompletionToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var params map[string]any
		_ = json.Unmarshal(t.Parameters, &params)
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			Parameters:  params,
		}))
	}
	return out
}

func buildChatParams(p *Provider, req *types.ChatRequest) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    providers.ChooseModel(req, p.cfg.Model, p.defaultModel),
		Messages: convertMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = param.NewOpt(float64(req.TopP))
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop.OfStringArray = req.Stop
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func (p *Provider) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	params := buildChatParams(p, req)

	client := p.clientFor(cred)
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, mapSDKError(err, string(p.pt))
	}
	return toChatResponse(resp, string(p.pt)), nil
}

func (p *Provider) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	params := buildChatParams(p, req)

	client := p.clientFor(cred)
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan types.StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		toolCallAccumulator := make(map[int]*types.ToolCall)
		var model string

		for stream.Next() {
			chunk := stream.Current()
			model = chunk.Model
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			delta := types.Message{Role: types.RoleAssistant, Content: choice.Delta.Content}
			for _, tc := range choice.Delta.ToolCalls {
				tcAcc, ok := toolCallAccumulator[int(tc.Index)]
				if !ok {
					tcAcc = &types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage("")}
					toolCallAccumulator[int(tc.Index)] = tcAcc
				}
				tcAcc.Arguments = append(tcAcc.Arguments, []byte(tc.Function.Arguments)...)
			}

			ch <- types.StreamChunk{
				Provider:     string(p.pt),
				Model:        model,
				Index:        int(choice.Index),
				FinishReason: choice.FinishReason,
				Delta:        delta,
			}

			if chunk.Usage.TotalTokens > 0 {
				ch <- types.StreamChunk{
					Provider: string(p.pt),
					Model:    model,
					Usage: &types.ChatUsage{
						PromptTokens:     int(chunk.Usage.PromptTokens),
						CompletionTokens: int(chunk.Usage.CompletionTokens),
						TotalTokens:      int(chunk.Usage.TotalTokens),
					},
				}
			}
		}

		for idx, tc := range toolCallAccumulator {
			ch <- types.StreamChunk{
				Provider: string(p.pt),
				Model:    model,
				Index:    idx,
				Delta:    types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{*tc}},
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			ch <- types.StreamChunk{Err: mapSDKError(err, string(p.pt))}
		}
	}()

	return ch, nil
}

func (p *Provider) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	client := p.clientFor(cred)
	page, err := client.Models.List(ctx)
	if err != nil {
		return nil, mapSDKError(err, string(p.pt))
	}

	out := make([]types.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, types.Model{ID: m.ID, Object: "model", Created: m.Created, OwnedBy: m.OwnedBy})
	}
	return out, nil
}

func toChatResponse(resp *openai.ChatCompletion, provider string) *types.ChatResponse {
	choices := make([]types.ChatChoice, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		msg := types.Message{Role: types.RoleAssistant, Content: c.Message.Content}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			})
		}
		choices = append(choices, types.ChatChoice{
			Index:        int(c.Index),
			FinishReason: c.FinishReason,
			Message:      msg,
		})
	}

	return &types.ChatResponse{
		ID:       resp.ID,
		Provider: provider,
		Model:    resp.Model,
		Choices:  choices,
		Usage: types.ChatUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}

// mapSDKError translates the SDK's *openai.Error into this build's
// types.Error taxonomy. A non-API error (context cancellation, transport
// failure) falls back to a retryable upstream error.
func mapSDKError(err error, provider string) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)
	}

	status := apiErr.StatusCode
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error()
	}

	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimitHit, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		if strings.Contains(msg, "quota") || strings.Contains(msg, "billing") {
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
