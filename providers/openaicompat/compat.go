// Package openaicompat holds a hand-rolled OpenAI chat-completions wire
// format. Its one user is the openai-qwen-oauth adapter (providers/qwen),
// which wraps these helpers with its own authentication and defaults; the
// other OpenAI-wire provider types go through providers/openai instead.
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aiclient/goproxy/types"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  any       `json:"tool_choice,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	TopP        float32   `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	FinishReason string   `json:"finish_reason"`
	Message      Message  `json:"message"`
	Delta        *Message `json:"delta,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Created int64    `json:"created,omitempty"`
}

type ErrorResp struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
		Param   string `json:"param"`
	} `json:"error"`
}

func ConvertMessages(msgs []types.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		om := Message{
			Role:       string(m.Role),
			Name:       m.Name,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: Function{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, om)
	}
	return out
}

func ConvertTools(tools []types.ToolSchema) []Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, Tool{
			Type:     "function",
			Function: Function{Name: t.Name, Arguments: t.Parameters},
		})
	}
	return out
}

func BuildRequest(req *types.ChatRequest, model string, stream bool) Request {
	body := Request{
		Model:       model,
		Messages:    ConvertMessages(req.Messages),
		Tools:       ConvertTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = req.ToolChoice
	}
	return body
}

func ToChatResponse(oa Response, provider string) *types.ChatResponse {
	choices := make([]types.ChatChoice, 0, len(oa.Choices))
	for _, c := range oa.Choices {
		msg := types.Message{Role: types.RoleAssistant, Content: c.Message.Content, Name: c.Message.Name}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		choices = append(choices, types.ChatChoice{Index: c.Index, FinishReason: c.FinishReason, Message: msg})
	}
	resp := &types.ChatResponse{ID: oa.ID, Provider: provider, Model: oa.Model, Choices: choices}
	if oa.Usage != nil {
		resp.Usage = types.ChatUsage{PromptTokens: oa.Usage.PromptTokens, CompletionTokens: oa.Usage.CompletionTokens, TotalTokens: oa.Usage.TotalTokens}
	}
	if oa.Created != 0 {
		resp.CreatedAt = time.Unix(oa.Created, 0)
	}
	return resp
}

func ReadErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp ErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return string(data)
}

func MapError(status int, msg string, provider string) *types.Error {
	switch status {
	case http.StatusUnauthorized:
		return types.NewError(types.ErrUnauthorized, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusForbidden:
		return types.NewError(types.ErrForbidden, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusTooManyRequests:
		return types.NewError(types.ErrRateLimitHit, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(msg), "quota") || strings.Contains(strings.ToLower(msg), "credit") {
			return types.NewError(types.ErrQuotaExhausted, msg).WithHTTPStatus(status).WithProvider(provider)
		}
		return types.NewError(types.ErrInvalidRequest, msg).WithHTTPStatus(status).WithProvider(provider)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return types.NewError(types.ErrUpstream5xx, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	case 529:
		return types.NewError(types.ErrModelOverloaded, msg).WithHTTPStatus(status).WithRetryable(true).WithProvider(provider)
	default:
		return types.NewError(types.ErrUpstreamError, msg).WithHTTPStatus(status).WithRetryable(status >= 500).WithProvider(provider)
	}
}

func BuildHeaders(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// Do performs the POST and returns the parsed non-streaming response,
// translating transport and upstream errors into *types.Error.
func Do(ctx context.Context, client *http.Client, baseURL, apiKey string, body Request, provider string) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/chat/completions", strings.TrimRight(baseURL, "/")), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error())
	}
	BuildHeaders(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, MapError(resp.StatusCode, ReadErrMsg(resp.Body), provider)
	}

	var oaResp Response
	if err := json.NewDecoder(resp.Body).Decode(&oaResp); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)
	}
	return &oaResp, nil
}

// Stream performs the POST with stream=true and returns a channel of
// unified StreamChunks decoded from the upstream's SSE body.
func Stream(ctx context.Context, client *http.Client, baseURL, apiKey string, body Request, provider string) (<-chan types.StreamChunk, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/chat/completions", strings.TrimRight(baseURL, "/")), bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, err.Error())
	}
	BuildHeaders(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, MapError(resp.StatusCode, ReadErrMsg(resp.Body), provider)
	}

	ch := make(chan types.StreamChunk)
	go func() {
		defer resp.Body.Close()
		defer close(ch)
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					ch <- types.StreamChunk{Err: types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)}
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}
			var oaResp Response
			if err := json.Unmarshal([]byte(data), &oaResp); err != nil {
				ch <- types.StreamChunk{Err: types.NewError(types.ErrUpstreamError, err.Error()).WithRetryable(true).WithProvider(provider)}
				return
			}
			for _, choice := range oaResp.Choices {
				chunk := types.StreamChunk{
					ID:           oaResp.ID,
					Provider:     provider,
					Model:        oaResp.Model,
					Index:        choice.Index,
					FinishReason: choice.FinishReason,
					Delta:        types.Message{Role: types.RoleAssistant},
				}
				if choice.Delta != nil {
					chunk.Delta.Content = choice.Delta.Content
					for _, tc := range choice.Delta.ToolCalls {
						chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
					}
				}
				ch <- chunk
			}
			if oaResp.Usage != nil {
				ch <- types.StreamChunk{
					Provider: provider,
					Model:    oaResp.Model,
					Usage:    &types.ChatUsage{PromptTokens: oaResp.Usage.PromptTokens, CompletionTokens: oaResp.Usage.CompletionTokens, TotalTokens: oaResp.Usage.TotalTokens},
				}
			}
		}
	}()
	return ch, nil
}
