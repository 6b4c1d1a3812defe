package convert

import (
	"encoding/json"
	"fmt"
)

type geminiWireRequest struct {
	Contents          []PivotContent `json:"contents"`
	SystemInstruction *PivotContent  `json:"systemInstruction,omitempty"`
	Tools             []PivotTool    `json:"tools,omitempty"`
	GenerationConfig  struct {
		Temperature     *float64 `json:"temperature,omitempty"`
		TopP            *float64 `json:"topP,omitempty"`
		MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
		StopSequences   []string `json:"stopSequences,omitempty"`
	} `json:"generationConfig,omitempty"`
}

// FromGeminiRequest converts a Gemini generateContent request body into the
// pivot. Because the pivot is itself Gemini-native, this conversion is
// close to identity; model and streaming-ness are supplied separately since
// Gemini's wire body carries neither (both come from the URL path).
func FromGeminiRequest(body []byte, model string, stream bool) (*PivotRequest, error) {
	var req geminiWireRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert: invalid gemini request: %w", err)
	}
	return &PivotRequest{
		Model:             model,
		Stream:            stream,
		Contents:          req.Contents,
		SystemInstruction: req.SystemInstruction,
		Tools:             req.Tools,
		GenerationConfig: PivotGenConfig{
			Temperature:     req.GenerationConfig.Temperature,
			TopP:            req.GenerationConfig.TopP,
			MaxOutputTokens: req.GenerationConfig.MaxOutputTokens,
			StopSequences:   req.GenerationConfig.StopSequences,
		},
	}, nil
}

// ToGeminiResponse re-expresses a pivot response as a Gemini generateContent
// response body.
func ToGeminiResponse(p *PivotResponse) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content":      p.Content,
			"finishReason": p.FinishReason,
			"index":        0,
		}},
		"usageMetadata": map[string]any{
			"promptTokenCount":     p.Usage.PromptTokens,
			"candidatesTokenCount": p.Usage.CompletionTokens,
			"totalTokenCount":      p.Usage.TotalTokens,
		},
	}
}

// ToGeminiStreamChunk renders one pivot delta as a single Gemini
// streamGenerateContent chunk object, with no SSE framing and no enclosing
// array; the router writes each chunk as its own newline-terminated line.
func ToGeminiStreamChunk(delta PivotStreamDelta) []byte {
	chunk := map[string]any{
		"candidates": []map[string]any{{
			"content":      PivotContent{Role: "model", Parts: []PivotPart{delta.Part}},
			"finishReason": delta.FinishReason,
			"index":        0,
		}},
	}
	if delta.Usage != nil {
		chunk["usageMetadata"] = map[string]any{
			"promptTokenCount":     delta.Usage.PromptTokens,
			"candidatesTokenCount": delta.Usage.CompletionTokens,
			"totalTokenCount":      delta.Usage.TotalTokens,
		}
	}
	b, _ := json.Marshal(chunk)
	return b
}

// ToGeminiModelList renders a unified, prefixed model list as Gemini's
// `/v1beta/models` body.
func ToGeminiModelList(names []string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	var out struct {
		Models []entry `json:"models"`
	}
	for _, n := range names {
		out.Models = append(out.Models, entry{Name: "models/" + n})
	}
	b, _ := json.Marshal(out)
	return b
}
