package qwen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/providers"
)

func TestProvider_ProviderType(t *testing.T) {
	p := New(providers.OAuthConfig{}, zap.NewNop())
	assert.Equal(t, account.OpenAIQwenOAuth, p.ProviderType())
}

func TestProvider_DefaultBaseURL(t *testing.T) {
	p := New(providers.OAuthConfig{}, zap.NewNop())
	assert.Equal(t, "https://dashscope.aliyuncs.com/compatible-mode/v1", p.cfg.BaseURL)
}

func TestCredentialKey_NilSafe(t *testing.T) {
	assert.Equal(t, "", credentialKey(nil))
	assert.Equal(t, "tok", credentialKey(&account.TokenCredential{AccessToken: "tok"}))
}
