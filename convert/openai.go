package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiclient/goproxy/account"
)

type openaiMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

// FromOpenAIRequest converts an OpenAI chat-completions request body into
// the Gemini-native pivot.
func FromOpenAIRequest(body []byte) (*PivotRequest, error) {
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert: invalid openai request: %w", err)
	}

	p := &PivotRequest{
		Model:  req.Model,
		Stream: req.Stream,
		GenerationConfig: PivotGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.Stop,
		},
	}

	for _, m := range req.Messages {
		if m.Role == "system" {
			p.SystemInstruction = &PivotContent{Role: "system", Parts: []PivotPart{{Text: m.Content}}}
			continue
		}
		p.Contents = append(p.Contents, openaiMessageToPivot(m))
	}

	for _, t := range req.Tools {
		p.Tools = append(p.Tools, PivotTool{FunctionDeclarations: []PivotFunctionDeclaration{{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}}})
	}

	return p, nil
}

func openaiMessageToPivot(m openaiMessage) PivotContent {
	role := "user"
	switch m.Role {
	case "assistant":
		role = "model"
	case "tool":
		role = "function"
	}
	c := PivotContent{Role: role}
	if m.Content != "" {
		c.Parts = append(c.Parts, PivotPart{Text: m.Content})
	}
	if m.Role == "tool" {
		c.Parts = append(c.Parts, PivotPart{FunctionResponse: &PivotFunctionResponse{
			ID: m.ToolCallID, Name: m.Name, Response: json.RawMessage(m.Content),
		}})
	}
	for _, tc := range m.ToolCalls {
		c.Parts = append(c.Parts, PivotPart{FunctionCall: &PivotFunctionCall{
			ID: tc.ID, Name: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments),
		}})
	}
	return c
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openaiChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

// ToOpenAIResponse re-expresses a pivot response as an OpenAI
// chat-completions response body.
func ToOpenAIResponse(p *PivotResponse, requestID string) openaiChatResponse {
	msg := openaiMessage{Role: "assistant"}
	for _, part := range p.Content.Parts {
		if part.Text != "" {
			msg.Content += part.Text
		}
		if part.FunctionCall != nil {
			tc := openaiToolCall{ID: part.FunctionCall.ID, Type: "function"}
			tc.Function.Name = part.FunctionCall.Name
			tc.Function.Arguments = string(part.FunctionCall.Args)
			msg.ToolCalls = append(msg.ToolCalls, tc)
		}
	}

	return openaiChatResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   p.Model,
		Choices: []openaiChoice{{Message: msg, FinishReason: mapFinishReasonOpenAI(p.FinishReason)}},
		Usage: openaiUsage{
			PromptTokens:     p.Usage.PromptTokens,
			CompletionTokens: p.Usage.CompletionTokens,
			TotalTokens:      p.Usage.TotalTokens,
		},
	}
}

func mapFinishReasonOpenAI(r string) string {
	switch r {
	case "STOP", "stop", "":
		return "stop"
	case "MAX_TOKENS", "length":
		return "length"
	case "tool_calls", "TOOL_CALLS":
		return "tool_calls"
	default:
		return "stop"
	}
}

// ToOpenAIStreamChunk renders a pivot stream delta as one OpenAI
// `data: {...}\n\n` SSE frame.
func ToOpenAIStreamChunk(delta PivotStreamDelta, requestID string, index int) string {
	type deltaMsg struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}
	type choice struct {
		Index        int      `json:"index"`
		Delta        deltaMsg `json:"delta"`
		FinishReason *string  `json:"finish_reason"`
	}
	var finish *string
	if delta.FinishReason != "" {
		v := mapFinishReasonOpenAI(delta.FinishReason)
		finish = &v
	}
	chunk := struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Created int64    `json:"created"`
		Model   string   `json:"model"`
		Choices []choice `json:"choices"`
	}{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   delta.Model,
		Choices: []choice{{Index: index, Delta: deltaMsg{Content: delta.Part.Text}, FinishReason: finish}},
	}
	b, _ := json.Marshal(chunk)
	return "data: " + string(b) + "\n\n"
}

// ToOpenAIModelList renders a unified, prefixed model list as the OpenAI
// `/v1/models` body.
func ToOpenAIModelList(models map[account.ProviderType][]string) []byte {
	type entry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	var out struct {
		Object string  `json:"object"`
		Data   []entry `json:"data"`
	}
	out.Object = "list"
	for pt, names := range models {
		for _, name := range names {
			out.Data = append(out.Data, entry{ID: PrefixModel(pt, name), Object: "model", OwnedBy: string(pt)})
		}
	}
	b, _ := json.Marshal(out)
	return b
}
