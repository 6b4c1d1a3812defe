package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOpenAIRequest_ExtractsSystemAndToolCalls(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be concise"},
			{"role": "user", "content": "what's the weather"},
			{"role": "assistant", "content": "", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "name": "get_weather", "content": "sunny"}
		],
		"stream": true
	}`)

	p, err := FromOpenAIRequest(body)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", p.Model)
	assert.True(t, p.Stream)
	require.NotNil(t, p.SystemInstruction)
	assert.Equal(t, "be concise", p.SystemInstruction.Parts[0].Text)
	require.Len(t, p.Contents, 3)
	assert.Equal(t, "get_weather", p.Contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "get_weather", p.Contents[2].Parts[0].FunctionResponse.Name)
}

func TestOpenAIRoundTrip_PreservesModelAndUsage(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)
	p, err := FromOpenAIRequest(body)
	require.NoError(t, err)

	resp := &PivotResponse{
		Model:        p.Model,
		Content:      PivotContent{Role: "model", Parts: []PivotPart{{Text: "hello"}}},
		FinishReason: "STOP",
		Usage:        PivotUsage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7},
	}
	out := ToOpenAIResponse(resp, "req-1")

	assert.Equal(t, "gpt-4o", out.Model)
	assert.Equal(t, int64(7), out.Usage.TotalTokens)
	assert.Equal(t, "hello", out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)

	b, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(b), "chat.completion")
}
