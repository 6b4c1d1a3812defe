// Package convert implements the Protocol Converter graph (C5): a factory of
// per-protocol converters that translate OpenAI, Anthropic, Gemini, and
// Ollama wire bodies through a Gemini-native pivot shape, reducing what would
// be N×N converter pairs to 2N. Tool calls, usage fields, and streaming
// framing are normalised at the pivot and re-expressed in the target
// protocol's own conventions.
package convert

import "encoding/json"

// Pivot is the Gemini-native internal shape every source protocol converts
// into before being re-expressed in a target protocol. It mirrors Gemini's
// generateContent request/response bodies closely enough that the Gemini
// converter is close to identity; every other converter pays the cost of
// translation once, in each direction, rather than against every other
// protocol directly.
type PivotRequest struct {
	Model             string          `json:"model"`
	Contents          []PivotContent  `json:"contents"`
	SystemInstruction *PivotContent   `json:"systemInstruction,omitempty"`
	Tools             []PivotTool     `json:"tools,omitempty"`
	GenerationConfig  PivotGenConfig  `json:"generationConfig,omitempty"`
	Stream            bool            `json:"-"`
	Metadata          map[string]string `json:"-"`
}

type PivotContent struct {
	Role  string      `json:"role"`
	Parts []PivotPart `json:"parts"`
}

type PivotPart struct {
	Text             string                `json:"text,omitempty"`
	FunctionCall     *PivotFunctionCall    `json:"functionCall,omitempty"`
	FunctionResponse *PivotFunctionResponse `json:"functionResponse,omitempty"`
	InlineData       *PivotInlineData      `json:"inlineData,omitempty"`
}

type PivotFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type PivotFunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type PivotInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type PivotTool struct {
	FunctionDeclarations []PivotFunctionDeclaration `json:"functionDeclarations"`
}

type PivotFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type PivotGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// PivotResponse is the pivot shape a completed (non-streaming) upstream call
// is normalised into before being re-expressed in the target protocol.
type PivotResponse struct {
	Model        string       `json:"model"`
	Content      PivotContent `json:"content"`
	FinishReason string       `json:"finishReason"`
	Usage        PivotUsage   `json:"usage"`
}

type PivotUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
	// CacheCreationTokens/CacheReadTokens are populated only on the Kiro
	// branch, via DistributeKiroTokens.
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
}

// PivotStreamDelta is one incremental chunk in pivot shape, emitted as each
// upstream event arrives.
type PivotStreamDelta struct {
	Model        string      `json:"model"`
	Part         PivotPart   `json:"part"`
	FinishReason string      `json:"finishReason,omitempty"`
	Usage        *PivotUsage `json:"usage,omitempty"`
	Err          error       `json:"-"`
}
