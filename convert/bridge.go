package convert

import (
	"encoding/json"

	"github.com/aiclient/goproxy/types"
)

// ToChatRequest lowers a pivot request into the types.ChatRequest shape the
// Service Adapter layer (C4) consumes. This is the one place the C5
// converter graph and the C4 adapter contract meet: every source protocol
// reaches an adapter through this same conversion, regardless of which
// client-facing protocol it arrived in.
func ToChatRequest(p *PivotRequest) *types.ChatRequest {
	req := &types.ChatRequest{
		Model:    p.Model,
		Stream:   p.Stream,
		Metadata: p.Metadata,
	}
	if p.GenerationConfig.Temperature != nil {
		req.Temperature = float32(*p.GenerationConfig.Temperature)
	}
	if p.GenerationConfig.TopP != nil {
		req.TopP = float32(*p.GenerationConfig.TopP)
	}
	req.MaxTokens = p.GenerationConfig.MaxOutputTokens
	req.Stop = p.GenerationConfig.StopSequences

	if p.SystemInstruction != nil {
		req.Messages = append(req.Messages, types.Message{
			Role:    types.RoleSystem,
			Content: joinText(p.SystemInstruction.Parts),
		})
	}
	for _, c := range p.Contents {
		req.Messages = append(req.Messages, contentToMessage(c))
	}

	for _, tool := range p.Tools {
		for _, fn := range tool.FunctionDeclarations {
			req.Tools = append(req.Tools, types.ToolSchema{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  SanitizeToolSchema(fn.Parameters),
			})
		}
	}
	return req
}

func joinText(parts []PivotPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

func contentToMessage(c PivotContent) types.Message {
	role := types.RoleUser
	switch c.Role {
	case "model":
		role = types.RoleAssistant
	case "function":
		role = types.RoleTool
	}

	msg := types.Message{Role: role}
	for _, part := range c.Parts {
		switch {
		case part.Text != "":
			msg.Content += part.Text
		case part.FunctionCall != nil:
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{
				ID:        part.FunctionCall.ID,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		case part.FunctionResponse != nil:
			msg.Role = types.RoleTool
			msg.ToolCallID = part.FunctionResponse.ID
			msg.Name = part.FunctionResponse.Name
			msg.Content = string(part.FunctionResponse.Response)
		}
	}
	return msg
}

// FromChatResponse raises a types.ChatResponse back into pivot shape after
// an adapter call completes.
func FromChatResponse(resp *types.ChatResponse) *PivotResponse {
	out := &PivotResponse{
		Model: resp.Model,
		Usage: PivotUsage{
			PromptTokens:     int64(resp.Usage.PromptTokens),
			CompletionTokens: int64(resp.Usage.CompletionTokens),
			TotalTokens:      int64(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	out.Content = messageToContent(choice.Message)
	return out
}

func messageToContent(m types.Message) PivotContent {
	role := "model"
	if m.Role == types.RoleUser || m.Role == types.RoleTool {
		role = "user"
	}
	c := PivotContent{Role: role}
	if m.Content != "" {
		c.Parts = append(c.Parts, PivotPart{Text: m.Content})
	}
	for _, tc := range m.ToolCalls {
		c.Parts = append(c.Parts, PivotPart{
			FunctionCall: &PivotFunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
		})
	}
	return c
}

// FromStreamChunk raises one types.StreamChunk into a pivot streaming delta.
func FromStreamChunk(chunk types.StreamChunk) PivotStreamDelta {
	delta := PivotStreamDelta{
		Model:        chunk.Model,
		Part:         messageToContent(chunk.Delta).onlyPart(),
		FinishReason: chunk.FinishReason,
	}
	if chunk.Err != nil {
		delta.Err = chunk.Err
	}
	if chunk.Usage != nil {
		delta.Usage = &PivotUsage{
			PromptTokens:     int64(chunk.Usage.PromptTokens),
			CompletionTokens: int64(chunk.Usage.CompletionTokens),
			TotalTokens:      int64(chunk.Usage.TotalTokens),
		}
	}
	return delta
}

func (c PivotContent) onlyPart() PivotPart {
	if len(c.Parts) == 0 {
		return PivotPart{}
	}
	return c.Parts[0]
}

// MarshalArgs is a small helper for converters that need to re-wrap already
// structured tool arguments as json.RawMessage.
func MarshalArgs(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}
