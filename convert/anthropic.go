package convert

import (
	"encoding/json"
	"fmt"
)

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

// UnmarshalJSON accepts both the plain-string and content-block-array forms
// Anthropic's Messages API allows for a message's content.
func (m *anthropicMessage) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role

	var asString string
	if err := json.Unmarshal(raw.Content, &asString); err == nil {
		m.Content = []anthropicContentBlock{{Type: "text", Text: asString}}
		return nil
	}
	return json.Unmarshal(raw.Content, &m.Content)
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	StopSeqs    []string           `json:"stop_sequences,omitempty"`
}

// FromAnthropicRequest converts an Anthropic Messages API request body into
// the Gemini-native pivot.
func FromAnthropicRequest(body []byte) (*PivotRequest, error) {
	var req anthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert: invalid anthropic request: %w", err)
	}

	p := &PivotRequest{
		Model:  req.Model,
		Stream: req.Stream,
		GenerationConfig: PivotGenConfig{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSeqs,
		},
	}
	if req.System != "" {
		p.SystemInstruction = &PivotContent{Role: "system", Parts: []PivotPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		p.Contents = append(p.Contents, anthropicMessageToPivot(m))
	}
	for _, t := range req.Tools {
		p.Tools = append(p.Tools, PivotTool{FunctionDeclarations: []PivotFunctionDeclaration{{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}}})
	}
	return p, nil
}

func anthropicMessageToPivot(m anthropicMessage) PivotContent {
	role := "user"
	if m.Role == "assistant" {
		role = "model"
	}
	c := PivotContent{Role: role}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			c.Parts = append(c.Parts, PivotPart{Text: block.Text})
		case "tool_use":
			c.Parts = append(c.Parts, PivotPart{FunctionCall: &PivotFunctionCall{
				ID: block.ID, Name: block.Name, Args: block.Input,
			}})
		case "tool_result":
			c.Role = "function"
			c.Parts = append(c.Parts, PivotPart{FunctionResponse: &PivotFunctionResponse{
				ID: block.ToolUseID, Response: json.RawMessage(`"` + block.Content + `"`),
			}})
		}
	}
	return c
}

// ToAnthropicResponse re-expresses a pivot response as a non-streaming
// Anthropic Messages API response body. withKiroDistribution applies the
// 1:2:25 cache-token split (spec §4.7) to the usage block; other protocol
// families pass withKiroDistribution=false and report plain token totals.
func ToAnthropicResponse(p *PivotResponse, messageID string, withKiroDistribution bool) map[string]any {
	var content []anthropicContentBlock
	for _, part := range p.Content.Parts {
		if part.Text != "" {
			content = append(content, anthropicContentBlock{Type: "text", Text: part.Text})
		}
		if part.FunctionCall != nil {
			content = append(content, anthropicContentBlock{
				Type: "tool_use", ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Input: part.FunctionCall.Args,
			})
		}
	}

	usage := map[string]any{"output_tokens": p.Usage.CompletionTokens}
	if withKiroDistribution {
		input, cacheCreation, cacheRead := DistributeKiroTokens(p.Usage.PromptTokens)
		usage["input_tokens"] = input
		usage["cache_creation_input_tokens"] = cacheCreation
		usage["cache_read_input_tokens"] = cacheRead
	} else {
		usage["input_tokens"] = p.Usage.PromptTokens
	}

	return map[string]any{
		"id":            messageID,
		"type":          "message",
		"role":          "assistant",
		"model":         p.Model,
		"content":       content,
		"stop_reason":   mapFinishReasonAnthropic(p.FinishReason),
		"stop_sequence": nil,
		"usage":         usage,
	}
}

func mapFinishReasonAnthropic(r string) string {
	switch r {
	case "MAX_TOKENS", "length":
		return "max_tokens"
	case "tool_calls", "TOOL_CALLS":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// AnthropicSSEEvents renders one pivot stream delta as the sequence of
// Anthropic SSE events it corresponds to (spec §4.7 step 3): the first
// content delta emits message_start + content_block_start +
// content_block_delta; subsequent deltas emit content_block_delta only;
// isFirst/isFinal bracket the stream. withKiroDistribution applies the
// 1:2:25 cache-token split (spec §4.7) to the final usage block, same as
// ToAnthropicResponse; other protocol families pass withKiroDistribution=false
// and report plain token totals.
func AnthropicSSEEvents(delta PivotStreamDelta, messageID string, isFirst, isFinal, withKiroDistribution bool) string {
	var out string
	if isFirst {
		start := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id": messageID, "type": "message", "role": "assistant",
				"model": delta.Model, "content": []any{}, "usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}
		out += sseEvent("message_start", start)
		out += sseEvent("content_block_start", map[string]any{
			"type": "content_block_start", "index": 0,
			"content_block": map[string]any{"type": "text", "text": ""},
		})
	}

	if delta.Part.Text != "" {
		out += sseEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "text_delta", "text": delta.Part.Text},
		})
	}
	if delta.Part.FunctionCall != nil {
		out += sseEvent("content_block_delta", map[string]any{
			"type": "content_block_delta", "index": 0,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": string(delta.Part.FunctionCall.Args)},
		})
	}

	if isFinal {
		out += sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0})

		usage := map[string]any{"output_tokens": 0}
		if delta.Usage != nil {
			if withKiroDistribution {
				input, cacheCreation, cacheRead := DistributeKiroTokens(delta.Usage.PromptTokens)
				usage = map[string]any{
					"output_tokens":               delta.Usage.CompletionTokens,
					"input_tokens":                input,
					"cache_creation_input_tokens": cacheCreation,
					"cache_read_input_tokens":     cacheRead,
				}
			} else {
				usage = map[string]any{
					"output_tokens": delta.Usage.CompletionTokens,
					"input_tokens":  delta.Usage.PromptTokens,
				}
			}
		}
		out += sseEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{"stop_reason": mapFinishReasonAnthropic(delta.FinishReason)},
			"usage": usage,
		})
		out += sseEvent("message_stop", map[string]any{"type": "message_stop"})
	}
	return out
}

func sseEvent(name string, payload any) string {
	b, _ := json.Marshal(payload)
	return "event: " + name + "\ndata: " + string(b) + "\n\n"
}
