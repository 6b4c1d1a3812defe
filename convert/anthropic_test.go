package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAnthropicRequest_SystemAndToolUse(t *testing.T) {
	body := []byte(`{
		"model": "claude-haiku-4-5",
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "t1", "name": "lookup", "input": {"q": "x"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "t1", "content": "result"}]}
		],
		"max_tokens": 256
	}`)

	p, err := FromAnthropicRequest(body)
	require.NoError(t, err)

	require.NotNil(t, p.SystemInstruction)
	assert.Equal(t, "be terse", p.SystemInstruction.Parts[0].Text)
	require.Len(t, p.Contents, 3)
	assert.Equal(t, "lookup", p.Contents[1].Parts[0].FunctionCall.Name)
	assert.Equal(t, "function", p.Contents[2].Role)
}

func TestToAnthropicResponse_KiroDistributionApplied(t *testing.T) {
	resp := &PivotResponse{
		Model:   "claude-haiku-4-5",
		Content: PivotContent{Parts: []PivotPart{{Text: "hi there"}}},
		Usage:   PivotUsage{PromptTokens: 2800, CompletionTokens: 10},
	}
	out := ToAnthropicResponse(resp, "msg_1", true)
	usage := out["usage"].(map[string]any)
	assert.Equal(t, int64(100), usage["input_tokens"])
	assert.Equal(t, int64(200), usage["cache_creation_input_tokens"])
	assert.Equal(t, int64(2500), usage["cache_read_input_tokens"])
}

func TestAnthropicSSEEvents_FirstAndFinalBracket(t *testing.T) {
	delta := PivotStreamDelta{Model: "claude-haiku-4-5", Part: PivotPart{Text: "hel"}}
	first := AnthropicSSEEvents(delta, "msg_1", true, false, false)
	assert.Contains(t, first, "message_start")
	assert.Contains(t, first, "content_block_start")

	final := AnthropicSSEEvents(PivotStreamDelta{Model: "claude-haiku-4-5"}, "msg_1", false, true, false)
	assert.Contains(t, final, "content_block_stop")
	assert.Contains(t, final, "message_stop")
}

func TestAnthropicSSEEvents_KiroDistributionGated(t *testing.T) {
	usage := &PivotUsage{PromptTokens: 2800, CompletionTokens: 10}

	plain := AnthropicSSEEvents(PivotStreamDelta{Model: "claude-haiku-4-5", Usage: usage}, "msg_1", false, true, false)
	assert.Contains(t, plain, `"input_tokens":2800`)
	assert.NotContains(t, plain, "cache_creation_input_tokens")

	distributed := AnthropicSSEEvents(PivotStreamDelta{Model: "claude-haiku-4-5", Usage: usage}, "msg_1", false, true, true)
	assert.Contains(t, distributed, `"input_tokens":100`)
	assert.Contains(t, distributed, `"cache_creation_input_tokens":200`)
	assert.Contains(t, distributed, `"cache_read_input_tokens":2500`)
}
