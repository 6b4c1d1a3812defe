package kiro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiclient/goproxy/convert"
)

func TestMapModelName_DashesAndDotsBecomeUnderscores(t *testing.T) {
	assert.Equal(t, "CLAUDE_HAIKU_4_5_20251001_V1_0", MapModelName("claude-haiku-4.5-20251001"))
}

func TestFilterHistoryToolUses_DropsEmptyInputWithRequiredSchema(t *testing.T) {
	uses := []ToolUse{
		{ToolUseID: "t1", Name: "lookup", Input: []byte(`{}`)},
		{ToolUseID: "t2", Name: "lookup", Input: []byte(`{"q":"x"}`)},
	}
	schemas := map[string]ToolSchema{
		"lookup": {Name: "lookup", Schema: []byte(`{"required":["q"]}`)},
	}

	out := FilterHistoryToolUses(uses, schemas, nil)

	require.Len(t, out, 1)
	assert.Equal(t, "t2", out[0].ToolUseID)
}

func TestFilterHistoryToolUses_KeepsEmptyInputIfReferencedByToolResult(t *testing.T) {
	uses := []ToolUse{{ToolUseID: "t1", Name: "lookup", Input: []byte(`{}`)}}
	schemas := map[string]ToolSchema{"lookup": {Schema: []byte(`{"required":["q"]}`)}}

	out := FilterHistoryToolUses(uses, schemas, map[string]bool{"t1": true})

	require.Len(t, out, 1)
}

func TestFilterHistoryToolUses_KeepsEmptyInputWhenSchemaHasNoRequired(t *testing.T) {
	uses := []ToolUse{{ToolUseID: "t1", Name: "ping", Input: []byte(`{}`)}}
	schemas := map[string]ToolSchema{"ping": {Schema: []byte(`{}`)}}

	out := FilterHistoryToolUses(uses, schemas, nil)

	require.Len(t, out, 1)
}

func TestBuildRequest_SplitsHistoryAndCurrentMessage(t *testing.T) {
	p := &convert.PivotRequest{
		Model: "claude-haiku-4-5",
		Contents: []convert.PivotContent{
			{Role: "user", Parts: []convert.PivotPart{{Text: "hi"}}},
			{Role: "model", Parts: []convert.PivotPart{{Text: "hello"}}},
			{Role: "user", Parts: []convert.PivotPart{{Text: "how are you"}}},
		},
		Tools: []convert.PivotTool{{FunctionDeclarations: []convert.PivotFunctionDeclaration{
			{Name: "lookup", Parameters: []byte(`{"type":"object","properties":{"$schema":{},"q":{"type":"string"}}}`)},
		}}},
	}

	req := BuildRequest(p, "conv-1")

	assert.Equal(t, "conv-1", req.ConversationState.ConversationID)
	require.Len(t, req.ConversationState.History, 2)
	assert.Equal(t, "hi", req.ConversationState.History[0].UserInputMessage.Content)
	assert.Equal(t, "hello", req.ConversationState.History[1].AssistantResponseMessage.Content)
	assert.Equal(t, "how are you", req.ConversationState.CurrentMessage.UserInputMessage.Content)
	assert.Equal(t, MapModelName("claude-haiku-4-5"), req.ConversationState.CurrentMessage.UserInputMessage.ModelID)

	require.Len(t, req.Tools, 1)
	assert.NotContains(t, string(req.Tools[0].ToolSpecification.InputSchema), "$schema")
}
