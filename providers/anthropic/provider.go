// Package claude implements the Service Adapter (C4) for the Anthropic
// Messages wire protocol, serving claude-custom and claude-orchids-oauth
// accounts, via the anthropic-sdk-go client.
package claude

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

// Provider implements providers.Adapter for the Anthropic Messages API.
// Authentication differs from OpenAI-style providers in three ways this
// adapter has to account for: the x-api-key header instead of Bearer, a
// system message carried outside the messages array, and an SSE event
// vocabulary keyed by content-block lifecycle rather than one flat delta.
//
// One adapter instance serves every account of this provider type, each
// with its own bearer credential, while the SDK client is constructed
// around a single fixed API key. clients caches one *anthropic.Client per
// credential so concurrent accounts don't pay a fresh TLS handshake, and
// unknown/rotated credentials just add a new cache entry.
type Provider struct {
	pt     account.ProviderType
	cfg    providers.StaticKeyConfig
	logger *zap.Logger

	clientMu sync.Mutex
	clients  map[string]*anthropic.Client
}

// New constructs the Anthropic adapter for pt (claude-custom or
// claude-orchids-oauth; the two differ only in how their accounts obtain a
// credential, not in wire format).
func New(pt account.ProviderType, cfg providers.StaticKeyConfig, logger *zap.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	return &Provider{
		pt:      pt,
		cfg:     cfg,
		logger:  logger.With(zap.String("adapter", "claude")),
		clients: make(map[string]*anthropic.Client),
	}
}

func (p *Provider) ProviderType() account.ProviderType { return p.pt }

// credentialKey extracts the bearer secret from the account's token
// credential: static-key accounts store their API key in AccessToken, the
// same field OAuth flows populate from a refresh exchange.
func credentialKey(cred *account.TokenCredential) string {
	if cred == nil {
		return ""
	}
	return cred.AccessToken
}

// clientFor returns the cached SDK client for cred's credential, building
// one on first use. Mirrors the single-client-per-key caching idiom rather
// than constructing a client per request, which would throw away the SDK's
// own connection pooling on every call.
func (p *Provider) clientFor(cred *account.TokenCredential) *anthropic.Client {
	key := credentialKey(cred)

	p.clientMu.Lock()
	defer p.clientMu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c
	}

	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(key)}
	if p.cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(p.cfg.BaseURL))
	}
	if p.cfg.Timeout > 0 {
		opts = append(opts, anthropicopt.WithRequestTimeout(p.cfg.Timeout))
	}

	client := anthropic.NewClient(opts...)
	p.clients[key] = &client
	return &client
}

func (p *Provider) HealthCheck(ctx context.Context, acc *account.Account, cred *account.TokenCredential) types.HealthStatus {
	start := time.Now()
	client := p.clientFor(cred)
	_, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: param.NewOpt(int64(1))})
	latency := time.Since(start)
	return types.HealthStatus{Healthy: err == nil, Latency: latency}
}

// convertToClaudeMessages lifts a system message out of the conversation and
// folds tool-role turns into user-role tool_result blocks, matching the
// shape the Messages API requires.
func convertToClaudeMessages(msgs []types.Message) (string, []anthropic.MessageParam) {
	var system string
	var out []anthropic.MessageParam

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = m.Content
			continue
		}

		if m.Role == types.RoleTool {
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)},
			})
			continue
		}

		role := anthropic.MessageParamRoleUser
		if m.Role == types.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input any
			_ = json.Unmarshal(tc.Arguments, &input)
			blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(blocks) > 0 {
			out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
		}
	}

	return system, out
}

func convertToClaudeTools(tools []types.ToolSchema) []anthropic.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		_ = json.Unmarshal(t.Parameters, &schema)
		props, _ := schema["properties"].(map[string]any)

		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func buildMessageParams(p *Provider, req *types.ChatRequest, stream bool) anthropic.MessageNewParams {
	system, messages := convertToClaudeMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(providers.ChooseModel(req, p.cfg.Model, "claude-3-5-sonnet-20241022")),
		MaxTokens: int64(chooseMaxTokens(req)),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = param.NewOpt(float64(req.Temperature))
	}
	if req.TopP > 0 {
		params.TopP = param.NewOpt(float64(req.TopP))
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if tools := convertToClaudeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func (p *Provider) GenerateContent(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (*types.ChatResponse, error) {
	params := buildMessageParams(p, req, false)

	client := p.clientFor(cred)
	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapClaudeSDKError(err, string(p.pt))
	}

	return toChatResponse(msg, string(p.pt)), nil
}

func (p *Provider) GenerateContentStream(ctx context.Context, req *types.ChatRequest, acc *account.Account, cred *account.TokenCredential) (<-chan types.StreamChunk, error) {
	params := buildMessageParams(p, req, true)

	client := p.clientFor(cred)
	stream := client.Messages.NewStreaming(ctx, params)

	ch := make(chan types.StreamChunk)
	go func() {
		defer close(ch)
		defer stream.Close()

		var currentID, currentModel string
		toolCallAccumulator := make(map[int]*types.ToolCall)

		for stream.Next() {
			event := stream.Current()

			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				currentID = variant.Message.ID
				currentModel = string(variant.Message.Model)

			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolCallAccumulator[int(variant.Index)] = &types.ToolCall{
						ID:        block.ID,
						Name:      block.Name,
						Arguments: json.RawMessage("{}"),
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				index := int(variant.Index)
				switch variant.Delta.Type {
				case "text_delta":
					ch <- types.StreamChunk{
						ID:       currentID,
						Provider: string(p.pt),
						Model:    currentModel,
						Index:    index,
						Delta:    types.Message{Role: types.RoleAssistant, Content: variant.Delta.AsTextDelta().Text},
					}
				case "input_json_delta":
					if tc, ok := toolCallAccumulator[index]; ok {
						tc.Arguments = append(tc.Arguments, []byte(variant.Delta.AsInputJSONDelta().PartialJSON)...)
					}
				}

			case anthropic.ContentBlockStopEvent:
				index := int(variant.Index)
				if tc, ok := toolCallAccumulator[index]; ok {
					ch <- types.StreamChunk{
						ID:       currentID,
						Provider: string(p.pt),
						Model:    currentModel,
						Index:    index,
						Delta:    types.Message{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{*tc}},
					}
					delete(toolCallAccumulator, index)
				}

			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					ch <- types.StreamChunk{
						ID:           currentID,
						Provider:     string(p.pt),
						Model:        currentModel,
						FinishReason: string(variant.Delta.StopReason),
					}
				}
				if variant.Usage.OutputTokens > 0 {
					ch <- types.StreamChunk{
						ID:       currentID,
						Provider: string(p.pt),
						Model:    currentModel,
						Usage: &types.ChatUsage{
							CompletionTokens: int(variant.Usage.OutputTokens),
						},
					}
				}

			case anthropic.MessageStopEvent:
				// terminal event; nothing further to report beyond usage
				// already carried on the preceding message_delta.
			}
		}

		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			ch <- types.StreamChunk{Err: mapClaudeSDKError(err, string(p.pt))}
		}
	}()

	return ch, nil
}

func (p *Provider) ListModels(ctx context.Context, acc *account.Account, cred *account.TokenCredential) ([]types.Model, error) {
	client := p.clientFor(cred)
	page, err := client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, mapClaudeSDKError(err, string(p.pt))
	}

	out := make([]types.Model, 0, len(page.Data))
	for _, m := range page.Data {
		out = append(out, types.Model{ID: m.ID, Object: "model", OwnedBy: "anthropic"})
	}
	return out, nil
}

func toChatResponse(msg *anthropic.Message, provider string) *types.ChatResponse {
	out := types.Message{Role: types.RoleAssistant}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += variant.Text
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(variant.Input)
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: input,
			})
		}
	}

	resp := &types.ChatResponse{
		ID:       msg.ID,
		Provider: provider,
		Model:    string(msg.Model),
		Choices: []types.ChatChoice{{
			Index:        0,
			FinishReason: string(msg.StopReason),
			Message:      out,
		}},
		Usage: types.ChatUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	return resp
}

// mapClaudeSDKError translates the SDK's *anthropic.Error (populated from
// the upstream HTTP status and JSON error body) into this build's
// types.Error taxonomy. A non-API error (context cancellation, transport
// failure) falls back to a retryable upstream error.
func mapClaudeSDKError(err error, provider string) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)
	}

	status := apiErr.StatusCode
	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error()
	}
	return mapClaudeError(status, msg, provider)
}

// mapClaudeError maps an upstream HTTP status and error message to this
// build's types.Error taxonomy.
func mapClaudeError(status int, msg, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimitHit, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		if strings.Contains(msg, "credit") || strings.Contains(msg, "quota") {
			return types.NewError(types.ErrQuotaExhausted, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstream5xx, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case 529: // Anthropic-specific overloaded status
		return types.NewError(types.ErrModelOverloaded, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}

func chooseMaxTokens(req *types.ChatRequest) int {
	if req != nil && req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}

var _ providers.Adapter = (*Provider)(nil)
