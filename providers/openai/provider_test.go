package openai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
)

func TestNew_DefaultsPerProviderType(t *testing.T) {
	custom := New(account.OpenAICustom, providers.StaticKeyConfig{}, zap.NewNop())
	assert.Equal(t, "gpt-4o", custom.defaultModel)
	assert.Equal(t, "https://api.openai.com/v1", custom.cfg.BaseURL)

	iflow := New(account.OpenAIIFlow, providers.StaticKeyConfig{}, zap.NewNop())
	assert.Equal(t, "iflow-v1", iflow.defaultModel)
	assert.Equal(t, "https://apis.iflow.cn/v1", iflow.cfg.BaseURL)
}

func TestProviderType(t *testing.T) {
	p := New(account.OpenAICustomResponses, providers.StaticKeyConfig{}, zap.NewNop())
	assert.Equal(t, account.OpenAICustomResponses, p.ProviderType())
}
