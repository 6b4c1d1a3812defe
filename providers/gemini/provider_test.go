package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

func TestProvider_ProviderType(t *testing.T) {
	p := New(account.GeminiCLIOAuth, providers.OAuthConfig{}, zap.NewNop())
	assert.Equal(t, account.GeminiCLIOAuth, p.ProviderType())
}

func TestProvider_DefaultBaseURL(t *testing.T) {
	p := New(account.GeminiAntigravity, providers.OAuthConfig{}, zap.NewNop())
	assert.Equal(t, "https://generativelanguage.googleapis.com", p.cfg.BaseURL)
}

func TestConvertToGeminiContents_SystemAndToolResult(t *testing.T) {
	msgs := []types.Message{
		types.NewSystemMessage("be terse"),
		types.NewUserMessage("hi"),
		types.NewToolMessage("call-1", "lookup", `{"value":42}`),
	}
	sys, contents := convertToGeminiContents(msgs)
	require.NotNil(t, sys)
	assert.Equal(t, "be terse", sys.Parts[0].Text)
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	require.NotNil(t, contents[1].Parts[0].FunctionResponse)
	assert.Equal(t, "lookup", contents[1].Parts[0].FunctionResponse.Name)
}

func TestConvertToGeminiTools_ParsesSchema(t *testing.T) {
	tools := []types.ToolSchema{{Name: "lookup", Parameters: json.RawMessage(`{"type":"object"}`)}}
	out := convertToGeminiTools(tools)
	require.Len(t, out, 1)
	require.Len(t, out[0].FunctionDeclarations, 1)
	assert.Equal(t, "lookup", out[0].FunctionDeclarations[0].Name)
}

func TestMapGeminiError_StatusCodes(t *testing.T) {
	assert.Equal(t, types.ErrUnauthorized, mapGeminiError(401, "", "gemini-cli-oauth").Code)
	assert.Equal(t, types.ErrRateLimitHit, mapGeminiError(429, "", "gemini-cli-oauth").Code)
	assert.True(t, mapGeminiError(503, "", "gemini-cli-oauth").Retryable)
}
