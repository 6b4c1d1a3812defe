package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiclient/goproxy/account"
)

func TestLoadProviderPools_MissingPathIsNotError(t *testing.T) {
	doc, accounts, creds, err := LoadProviderPools("")
	require.NoError(t, err)
	assert.Empty(t, doc.Pools)
	assert.Empty(t, accounts)
	assert.Empty(t, creds)
}

func TestLoadProviderPools_MissingFileIsNotError(t *testing.T) {
	doc, accounts, creds, err := LoadProviderPools(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Empty(t, accounts)
	assert.Empty(t, creds)
}

func TestLoadProviderPools_ParsesAccountsAndSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	content := `
providers:
  openai-custom:
    baseUrl: https://api.openai.com/v1
    model: gpt-4o
  openai-qwen-oauth:
    tokenUrl: https://chat.qwen.ai/api/v1/oauth2/token
    clientId: qwen-cli
pools:
  openai-custom:
    - uuid: acc-1
      customName: primary
      checkHealth: true
  openai-qwen-oauth:
    - uuid: acc-2
      accessToken: at-1
      refreshToken: rt-1
      expiresAt: 1700000000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	doc, accounts, creds, err := LoadProviderPools(path)
	require.NoError(t, err)

	require.Contains(t, doc.Providers, account.OpenAICustom)
	assert.Equal(t, "gpt-4o", doc.Providers[account.OpenAICustom].Model)

	require.Len(t, accounts[account.OpenAICustom], 1)
	assert.Equal(t, "acc-1", accounts[account.OpenAICustom][0].UUID)
	assert.True(t, accounts[account.OpenAICustom][0].IsHealthy)

	require.Contains(t, creds, "acc-2")
	assert.Equal(t, "at-1", creds["acc-2"].AccessToken)
}

func TestLoadProviderPools_RejectsUnknownProviderType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	content := `
pools:
  not-a-real-provider:
    - uuid: acc-1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, _, _, err := LoadProviderPools(path)
	assert.Error(t, err)
}

func TestLoadProviderPools_RejectsMissingUUID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	content := `
pools:
  openai-custom:
    - customName: no-uuid-here
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, _, _, err := LoadProviderPools(path)
	assert.Error(t, err)
}
