package convert

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiclient/goproxy/account"
)

func TestFromOllamaChatRequest_MapsRoles(t *testing.T) {
	body := []byte(`{
		"model": "llama3",
		"stream": false,
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		]
	}`)

	p, err := FromOllamaChatRequest(body)
	require.NoError(t, err)

	require.NotNil(t, p.SystemInstruction)
	assert.Equal(t, "be terse", p.SystemInstruction.Parts[0].Text)
	require.Len(t, p.Contents, 2)
	assert.Equal(t, "user", p.Contents[0].Role)
	assert.Equal(t, "model", p.Contents[1].Role)
}

func TestFromOllamaGenerateRequest_WrapsPromptAsUserTurn(t *testing.T) {
	body := []byte(`{"model": "llama3", "prompt": "why is the sky blue", "system": "be brief"}`)

	p, err := FromOllamaGenerateRequest(body)
	require.NoError(t, err)

	require.Len(t, p.Contents, 1)
	assert.Equal(t, "why is the sky blue", p.Contents[0].Parts[0].Text)
	require.NotNil(t, p.SystemInstruction)
	assert.Equal(t, "be brief", p.SystemInstruction.Parts[0].Text)
}

func TestToOllamaChatResponse_DoneFlagAndContent(t *testing.T) {
	resp := &PivotResponse{
		Model:   "llama3",
		Content: PivotContent{Role: "model", Parts: []PivotPart{{Text: "hello there"}}},
	}
	raw := ToOllamaChatResponse(resp, true)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, true, decoded["done"])
	message := decoded["message"].(map[string]any)
	assert.Equal(t, "hello there", message["content"])
}

func TestToOllamaTags_PrefixesDisplayNames(t *testing.T) {
	raw := ToOllamaTags(map[account.ProviderType][]string{
		account.ClaudeOrchidsOAuth: {"claude-haiku-4-5"},
	})

	var decoded struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Models, 1)
	assert.Contains(t, decoded.Models[0].Name, "claude-haiku-4-5")
}

func TestOllamaVersion_IsValidJSON(t *testing.T) {
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(OllamaVersion(), &decoded))
	assert.NotEmpty(t, decoded["version"])
}
