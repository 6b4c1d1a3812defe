package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGeminiRequest_NearIdentity(t *testing.T) {
	body := []byte(`{
		"contents": [{"role": "user", "parts": [{"text": "hi"}]}],
		"generationConfig": {"maxOutputTokens": 128}
	}`)

	p, err := FromGeminiRequest(body, "gemini-2.5-pro", true)
	require.NoError(t, err)

	assert.Equal(t, "gemini-2.5-pro", p.Model)
	assert.True(t, p.Stream)
	require.Len(t, p.Contents, 1)
	assert.Equal(t, "hi", p.Contents[0].Parts[0].Text)
	assert.Equal(t, 128, p.GenerationConfig.MaxOutputTokens)
}

func TestToGeminiResponse_CarriesUsage(t *testing.T) {
	resp := &PivotResponse{
		Model:        "gemini-2.5-pro",
		Content:      PivotContent{Role: "model", Parts: []PivotPart{{Text: "hi"}}},
		FinishReason: "STOP",
		Usage:        PivotUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
	out := ToGeminiResponse(resp)
	usage := out["usageMetadata"].(map[string]any)
	assert.Equal(t, int64(7), usage["totalTokenCount"])
	candidates := out["candidates"].([]map[string]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, "STOP", candidates[0]["finishReason"])
}
