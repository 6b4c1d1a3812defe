// Package account defines the data model shared across the storage adapter,
// the provider pool manager, and the service adapter layer: accounts, the
// closed provider-type enumeration, token credentials, fallback
// configuration, service configuration, session tokens, and usage snapshots.
package account

import "time"

// ProviderType identifies both the upstream service and the authentication
// flow used to reach it. The enumeration is closed: callers that receive an
// unrecognised value from config or a request header must reject or ignore
// it rather than inventing a new pool.
type ProviderType string

const (
	GeminiCLIOAuth        ProviderType = "gemini-cli-oauth"
	GeminiAntigravity     ProviderType = "gemini-antigravity"
	ClaudeKiroOAuth       ProviderType = "claude-kiro-oauth"
	ClaudeCustom          ProviderType = "claude-custom"
	OpenAICustom          ProviderType = "openai-custom"
	OpenAICustomResponses ProviderType = "openai-custom-responses"
	OpenAIQwenOAuth       ProviderType = "openai-qwen-oauth"
	OpenAIIFlow           ProviderType = "openai-iflow"
	OpenAICodexOAuth      ProviderType = "openai-codex-oauth"
	ClaudeOrchidsOAuth    ProviderType = "claude-orchids-oauth"
	ForwardAPI            ProviderType = "forward-api"
)

// AllProviderTypes lists the closed enumeration in a stable order, used by
// the store's pool listing and the router's path-prefix override check.
var AllProviderTypes = []ProviderType{
	GeminiCLIOAuth, GeminiAntigravity, ClaudeKiroOAuth, ClaudeCustom,
	OpenAICustom, OpenAICustomResponses, OpenAIQwenOAuth, OpenAIIFlow,
	OpenAICodexOAuth, ClaudeOrchidsOAuth, ForwardAPI,
}

// Valid reports whether t is a member of the closed enumeration.
func (t ProviderType) Valid() bool {
	for _, known := range AllProviderTypes {
		if known == t {
			return true
		}
	}
	return false
}

// ProtocolFamily groups provider types that share a wire protocol, used to
// validate same-family fallback chains (spec §9, Open Question one).
type ProtocolFamily string

const (
	FamilyGemini    ProtocolFamily = "gemini"
	FamilyAnthropic ProtocolFamily = "anthropic"
	FamilyOpenAI    ProtocolFamily = "openai"
	FamilyForward   ProtocolFamily = "forward"
)

// Family returns the protocol family for a provider type, or "" if unknown.
func (t ProviderType) Family() ProtocolFamily {
	switch t {
	case GeminiCLIOAuth, GeminiAntigravity:
		return FamilyGemini
	case ClaudeKiroOAuth, ClaudeCustom, ClaudeOrchidsOAuth:
		return FamilyAnthropic
	case OpenAICustom, OpenAICustomResponses, OpenAIQwenOAuth, OpenAIIFlow, OpenAICodexOAuth:
		return FamilyOpenAI
	case ForwardAPI:
		return FamilyForward
	default:
		return ""
	}
}

// ModelPrefixes maps a provider type to the bracketed display prefix
// applied to model names in list responses (spec §4.5).
var ModelPrefixes = map[ProviderType]string{
	GeminiCLIOAuth:        "[Gemini CLI]",
	GeminiAntigravity:     "[Antigravity]",
	ClaudeKiroOAuth:       "[Kiro]",
	ClaudeCustom:          "[Claude]",
	OpenAICustom:          "[OpenAI]",
	OpenAICustomResponses: "[OpenAI Responses]",
	OpenAIQwenOAuth:       "[Qwen]",
	OpenAIIFlow:           "[iFlow]",
	OpenAICodexOAuth:      "[Codex]",
	ClaudeOrchidsOAuth:    "[Orchids]",
	ForwardAPI:            "[Forward]",
}

// Account is the unit held by a pool: a single credential-bearing identity.
// UUID is unique across all pools, not just within its own type.
type Account struct {
	UUID         string       `json:"uuid"`
	ProviderType ProviderType `json:"providerType"`

	// CredentialPath is semantic: a filesystem path to a credential file for
	// file-backed adapters, or opaque (the token lives only in the store)
	// for OAuth flows. For forward-api accounts it is the full upstream
	// base URL.
	CredentialPath string `json:"credentialPath,omitempty"`
	CustomName     string `json:"customName,omitempty"`

	IsHealthy bool `json:"isHealthy"`
	IsDisabled bool `json:"isDisabled"`

	UsageCount int64 `json:"usageCount"`
	ErrorCount int   `json:"errorCount"`

	LastUsed             *time.Time `json:"lastUsed,omitempty"`
	LastErrorTime        *time.Time `json:"lastErrorTime,omitempty"`
	LastErrorMessage     string     `json:"lastErrorMessage,omitempty"`
	LastHealthCheckTime  *time.Time `json:"lastHealthCheckTime,omitempty"`
	LastHealthCheckModel string     `json:"lastHealthCheckModel,omitempty"`

	CheckHealth   bool   `json:"checkHealth"`
	CheckModelName string `json:"checkModelName,omitempty"`

	NeedsRefresh bool `json:"needsRefresh"`
	RefreshCount int  `json:"refreshCount"`

	ScheduledRecoveryTime *time.Time      `json:"scheduledRecoveryTime,omitempty"`
	NotSupportedModels    map[string]bool `json:"notSupportedModels,omitempty"`

	// lastSelectionSeq is a Pool Manager-owned in-memory field, not
	// persisted: it breaks ties in the scoring function (spec §4.3 step 5)
	// and survives only for the process lifetime.
	lastSelectionSeq int64 `json:"-"`
}

// SelectionSeq returns the in-memory selection sequence used for scoring.
func (a *Account) SelectionSeq() int64 { return a.lastSelectionSeq }

// SetSelectionSeq sets the in-memory selection sequence. Only the pool
// manager calls this; it is not part of the persisted Account shape.
func (a *Account) SetSelectionSeq(seq int64) { a.lastSelectionSeq = seq }

// SupportsModel reports whether model is usable on this account.
func (a *Account) SupportsModel(model string) bool {
	if model == "" || a.NotSupportedModels == nil {
		return true
	}
	return !a.NotSupportedModels[model]
}

// Selectable reports whether the account may currently be chosen by the
// pool manager (spec §8 invariant: selection never returns a disabled,
// unhealthy, or needs-refresh account).
func (a *Account) Selectable() bool {
	return a.IsHealthy && !a.IsDisabled && !a.NeedsRefresh
}

// TokenCredential is the per-account secret record, keyed by
// (providerType, UUID) in the store.
type TokenCredential struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is epoch milliseconds, matching the ISO-8601/epoch-ms duality
	// spec.md allows; callers normalise to epoch-ms on load.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	AuthMethod string `json:"authMethod,omitempty"`

	// Gemini-style aliases some upstream OAuth flows emit; kept alongside
	// the canonical fields rather than unified, since the wire format is
	// fixed by the upstream's own token-refresh response.
	GeminiAccessToken  string `json:"access_token,omitempty"`
	GeminiRefreshToken string `json:"refresh_token,omitempty"`
	GeminiExpiryDate   int64  `json:"expiry_date,omitempty"`
}

// IsExpiryNear reports whether the credential expires within window of now.
func (t *TokenCredential) IsExpiryNear(now time.Time, window time.Duration) bool {
	exp := t.ExpiresAt
	if exp == 0 {
		exp = t.GeminiExpiryDate
	}
	if exp == 0 {
		return false
	}
	expiry := time.UnixMilli(exp)
	return !expiry.After(now.Add(window))
}

// FallbackConfiguration holds the two independent fallback maps loaded from
// config (spec §3): same-protocol chains and cross-protocol model remaps.
type FallbackConfiguration struct {
	ProviderFallbackChain map[ProviderType][]ProviderType `yaml:"providerFallbackChain" json:"providerFallbackChain"`
	ModelFallbackMapping  map[string]ModelFallback         `yaml:"modelFallbackMapping" json:"modelFallbackMapping"`
}

// ModelFallback is the cross-protocol remap target for one model name.
type ModelFallback struct {
	TargetProviderType ProviderType `yaml:"targetProviderType" json:"targetProviderType"`
	TargetModel        string       `yaml:"targetModel" json:"targetModel"`
}

// SessionToken is stored under sha256(tokenBytes) and carries its own
// expiry independent of the store key's TTL (spec §3).
type SessionToken struct {
	Username   string    `json:"username"`
	LoginTime  time.Time `json:"loginTime"`
	ExpiryTime time.Time `json:"expiryTime"`
}

// Expired reports whether the session token is no longer valid at now.
func (s *SessionToken) Expired(now time.Time) bool {
	return now.After(s.ExpiryTime)
}

// UsageCache is the opaque per-provider usage snapshot used for the
// /provider_health and billing-adjacent endpoints.
type UsageCache struct {
	Timestamp time.Time                 `json:"timestamp"`
	Providers map[ProviderType]UsageSnapshot `json:"providers"`
}

// UsageSnapshot is one provider type's opaque usage totals at Timestamp.
type UsageSnapshot struct {
	UsageCount       int64 `json:"usageCount"`
	ErrorCount       int64 `json:"errorCount"`
	PromptTokens     int64 `json:"promptTokens,omitempty"`
	CompletionTokens int64 `json:"completionTokens,omitempty"`
}
