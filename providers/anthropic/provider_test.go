package claude

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
	"github.com/aiclient/goproxy/types"
)

func TestProvider_ProviderType(t *testing.T) {
	p := New(account.ClaudeCustom, providers.StaticKeyConfig{}, zap.NewNop())
	assert.Equal(t, account.ClaudeCustom, p.ProviderType())
}

func TestProvider_DefaultBaseURL(t *testing.T) {
	p := New(account.ClaudeCustom, providers.StaticKeyConfig{}, zap.NewNop())
	assert.Equal(t, "https://api.anthropic.com", p.cfg.BaseURL)
}

func TestChooseMaxTokens_Default(t *testing.T) {
	assert.Equal(t, 4096, chooseMaxTokens(nil))
	assert.Equal(t, 4096, chooseMaxTokens(&types.ChatRequest{}))
	assert.Equal(t, 128, chooseMaxTokens(&types.ChatRequest{MaxTokens: 128}))
}

func TestConvertToClaudeMessages_ExtractsSystemAndToolResult(t *testing.T) {
	msgs := []types.Message{
		types.NewSystemMessage("be terse"),
		types.NewUserMessage("hi"),
		types.NewToolMessage("call-1", "lookup", "42"),
	}
	system, claudeMsgs := convertToClaudeMessages(msgs)
	assert.Equal(t, "be terse", system)
	require.Len(t, claudeMsgs, 2)
	assert.Equal(t, "user", string(claudeMsgs[0].Role))
	assert.Equal(t, "user", string(claudeMsgs[1].Role))
	assert.Equal(t, "tool_result", *claudeMsgs[1].Content[0].GetType())
	assert.Equal(t, "call-1", *claudeMsgs[1].Content[0].GetToolUseID())
}

func TestMapClaudeError_StatusCodes(t *testing.T) {
	assert.Equal(t, types.ErrUnauthorized, mapClaudeError(401, "", "claude-custom").Code)
	assert.Equal(t, types.ErrRateLimitHit, mapClaudeError(429, "", "claude-custom").Code)
	assert.Equal(t, types.ErrModelOverloaded, mapClaudeError(529, "", "claude-custom").Code)
	assert.True(t, mapClaudeError(503, "", "claude-custom").Retryable)
}

func TestProvider_Integration(t *testing.T) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		t.Skip("ANTHROPIC_API_KEY not set, skipping integration test")
	}

	p := New(account.ClaudeCustom, providers.StaticKeyConfig{
		Model:   "claude-3-5-sonnet-20241022",
		Timeout: 60 * time.Second,
	}, zap.NewNop())
	acc := &account.Account{UUID: "it", ProviderType: account.ClaudeCustom, IsHealthy: true}
	cred := &account.TokenCredential{AccessToken: apiKey}

	ctx := context.Background()

	t.Run("HealthCheck", func(t *testing.T) {
		status := p.HealthCheck(ctx, acc, cred)
		assert.True(t, status.Healthy)
		assert.Greater(t, status.Latency, time.Duration(0))
	})

	t.Run("GenerateContent", func(t *testing.T) {
		req := &types.ChatRequest{
			Model:       "claude-3-5-sonnet-20241022",
			Messages:    []types.Message{types.NewUserMessage("Say 'test' only")},
			MaxTokens:   10,
			Temperature: 0.1,
		}

		resp, err := p.GenerateContent(ctx, req, acc, cred)
		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.NotEmpty(t, resp.Choices)
		assert.NotEmpty(t, resp.Choices[0].Message.Content)
	})

	t.Run("GenerateContentStream", func(t *testing.T) {
		req := &types.ChatRequest{
			Model:     "claude-3-5-sonnet-20241022",
			Messages:  []types.Message{types.NewUserMessage("Count to 3")},
			MaxTokens: 20,
		}

		stream, err := p.GenerateContentStream(ctx, req, acc, cred)
		require.NoError(t, err)

		var chunks []types.StreamChunk
		for chunk := range stream {
			if chunk.Err != nil {
				t.Fatalf("stream error: %v", chunk.Err)
			}
			chunks = append(chunks, chunk)
		}

		assert.NotEmpty(t, chunks)
	})
}
