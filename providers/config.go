package providers

import "time"

// StaticKeyConfig configures an adapter that authenticates with a long-lived
// API key rather than an OAuth token (claude-custom, openai-custom,
// openai-custom-responses, openai-iflow).
type StaticKeyConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// OAuthConfig configures an adapter whose accounts authenticate via an
// OAuth2 refresh-token flow (gemini-cli-oauth, gemini-antigravity,
// openai-qwen-oauth, openai-codex-oauth, claude-orchids-oauth). Per-account
// client credentials live on account.TokenCredential; this struct only
// carries the provider-wide endpoints and defaults.
type OAuthConfig struct {
	BaseURL      string        `json:"base_url" yaml:"base_url"`
	TokenURL     string        `json:"token_url" yaml:"token_url"`
	Model        string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ClientID     string        `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	ClientSecret string        `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
}

// ForwardConfig configures the forward-api pass-through adapter, which has
// no protocol opinion of its own: it relays whatever the caller sent to
// whatever BaseURL the account names.
type ForwardConfig struct {
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DefaultStaticKeyConfig returns adapter defaults used when a per-provider
// config section is absent from the provider pools file.
func DefaultStaticKeyConfig() StaticKeyConfig {
	return StaticKeyConfig{Timeout: 120 * time.Second}
}

// DefaultOAuthConfig returns adapter defaults used when a per-provider
// config section is absent from the provider pools file.
func DefaultOAuthConfig() OAuthConfig {
	return OAuthConfig{Timeout: 120 * time.Second}
}
