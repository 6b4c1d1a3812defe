package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiclient/goproxy/types"
)

func TestToChatRequest_SystemAndToolsCarryThrough(t *testing.T) {
	p := &PivotRequest{
		Model:             "claude-haiku-4-5",
		SystemInstruction: &PivotContent{Parts: []PivotPart{{Text: "be terse"}}},
		Contents: []PivotContent{
			{Role: "user", Parts: []PivotPart{{Text: "hi"}}},
		},
		Tools: []PivotTool{{FunctionDeclarations: []PivotFunctionDeclaration{
			{Name: "lookup", Parameters: []byte(`{"type":"object","properties":{"q":{"type":"string"}}}`)},
		}}},
		GenerationConfig: PivotGenConfig{MaxOutputTokens: 256},
	}

	req := ToChatRequest(p)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, types.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Content)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Name)
	assert.Equal(t, 256, req.MaxTokens)
}

func TestFromChatResponse_TakesFirstChoice(t *testing.T) {
	resp := &types.ChatResponse{
		Model: "claude-haiku-4-5",
		Choices: []types.ChatChoice{
			{FinishReason: "stop", Message: types.Message{Role: types.RoleAssistant, Content: "hi there"}},
		},
		Usage: types.ChatUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}

	p := FromChatResponse(resp)

	assert.Equal(t, "stop", p.FinishReason)
	assert.Equal(t, "hi there", p.Content.Parts[0].Text)
	assert.Equal(t, int64(5), p.Usage.TotalTokens)
}

func TestFromStreamChunk_CarriesUsageWhenPresent(t *testing.T) {
	chunk := types.StreamChunk{
		Model: "claude-haiku-4-5",
		Delta: types.Message{Role: types.RoleAssistant, Content: "hel"},
		Usage: &types.ChatUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}

	delta := FromStreamChunk(chunk)

	assert.Equal(t, "hel", delta.Part.Text)
	require.NotNil(t, delta.Usage)
	assert.Equal(t, int64(2), delta.Usage.TotalTokens)
}
