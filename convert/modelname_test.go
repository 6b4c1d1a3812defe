package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aiclient/goproxy/account"
)

func TestPrefixModel_KnownProviderType(t *testing.T) {
	assert.Equal(t, "[Kiro] claude-haiku-4-5", PrefixModel(account.ClaudeKiroOAuth, "claude-haiku-4-5"))
}

func TestStripModelPrefix_RoundTrip(t *testing.T) {
	prefixed := PrefixModel(account.GeminiCLIOAuth, "gemini-2.5-pro")
	pt, stripped, ok := StripModelPrefix(prefixed)
	assert.True(t, ok)
	assert.Equal(t, account.GeminiCLIOAuth, pt)
	assert.Equal(t, "gemini-2.5-pro", stripped)
}

func TestStripModelPrefix_NoPrefix(t *testing.T) {
	_, stripped, ok := StripModelPrefix("gpt-4o")
	assert.False(t, ok)
	assert.Equal(t, "gpt-4o", stripped)
}
