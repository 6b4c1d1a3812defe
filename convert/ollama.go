package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiclient/goproxy/account"
)

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

// FromOllamaChatRequest converts Ollama's /api/chat body into the pivot.
func FromOllamaChatRequest(body []byte) (*PivotRequest, error) {
	var req ollamaChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert: invalid ollama chat request: %w", err)
	}
	p := &PivotRequest{Model: req.Model, Stream: req.Stream}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		} else if m.Role == "system" {
			p.SystemInstruction = &PivotContent{Role: "system", Parts: []PivotPart{{Text: m.Content}}}
			continue
		}
		p.Contents = append(p.Contents, PivotContent{Role: role, Parts: []PivotPart{{Text: m.Content}}})
	}
	return p, nil
}

// FromOllamaGenerateRequest converts Ollama's /api/generate body (a single
// prompt string rather than a message list) into the pivot.
func FromOllamaGenerateRequest(body []byte) (*PivotRequest, error) {
	var req ollamaGenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("convert: invalid ollama generate request: %w", err)
	}
	p := &PivotRequest{
		Model:    req.Model,
		Stream:   req.Stream,
		Contents: []PivotContent{{Role: "user", Parts: []PivotPart{{Text: req.Prompt}}}},
	}
	if req.System != "" {
		p.SystemInstruction = &PivotContent{Role: "system", Parts: []PivotPart{{Text: req.System}}}
	}
	return p, nil
}

// ToOllamaChatResponse re-expresses a pivot response as an Ollama /api/chat
// response body.
func ToOllamaChatResponse(p *PivotResponse, done bool) []byte {
	out := map[string]any{
		"model":      p.Model,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"message":    map[string]any{"role": "assistant", "content": joinText(p.Content.Parts)},
		"done":       done,
	}
	b, _ := json.Marshal(out)
	return b
}

// ToOllamaGenerateResponse re-expresses a pivot response as an Ollama
// /api/generate response body.
func ToOllamaGenerateResponse(p *PivotResponse, done bool) []byte {
	out := map[string]any{
		"model":      p.Model,
		"created_at": time.Now().UTC().Format(time.RFC3339),
		"response":   joinText(p.Content.Parts),
		"done":       done,
	}
	b, _ := json.Marshal(out)
	return b
}

// ToOllamaShowResponse builds the /api/show body for model, identifying its
// provider family in the "details" block.
func ToOllamaShowResponse(pt account.ProviderType, model string) []byte {
	out := map[string]any{
		"modelfile": fmt.Sprintf("FROM %s", model),
		"details": map[string]any{
			"family":            string(pt.Family()),
			"parameter_size":    "unknown",
			"quantization_level": "none",
		},
	}
	b, _ := json.Marshal(out)
	return b
}

// ToOllamaTags aggregates the unified, prefixed model list across healthy
// providers into Ollama's /api/tags body.
func ToOllamaTags(models map[account.ProviderType][]string) []byte {
	type tag struct {
		Name       string `json:"name"`
		Model      string `json:"model"`
		ModifiedAt string `json:"modified_at"`
	}
	var out struct {
		Models []tag `json:"models"`
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for pt, names := range models {
		for _, n := range names {
			display := PrefixModel(pt, n)
			out.Models = append(out.Models, tag{Name: display, Model: display, ModifiedAt: now})
		}
	}
	b, _ := json.Marshal(out)
	return b
}

// OllamaVersion renders the /api/version stub body.
func OllamaVersion() []byte {
	return []byte(`{"version":"0.0.0-goproxy"}`)
}
