package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/convert"
	"github.com/aiclient/goproxy/types"
)

// isOllamaPath matches the path family spec.md §4.6 step 5 names: Ollama's
// own endpoints plus the unified, provider-agnostic /v1/models listing.
func isOllamaPath(path string) bool {
	return strings.HasPrefix(path, "/api/") || strings.HasPrefix(path, "/ollama/") || path == "/v1/models"
}

// handleOllama resolves one request in the Ollama path family. Unlike
// dispatchNative, these endpoints have no fixed provider: /api/tags and
// /v1/models aggregate across every healthy provider, and /api/chat,
// /api/generate route through the configured default provider since Ollama
// clients never send a Model-Provider header of their own.
func (rt *Router) handleOllama(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/ollama")
	if path == "" {
		path = "/"
	}

	switch {
	case path == "/v1/models" && req.Method == http.MethodGet:
		rt.handleModelList(w, req)
	case path == "/api/tags" && req.Method == http.MethodGet:
		rt.handleOllamaTags(w, req)
	case path == "/api/version" && req.Method == http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(convert.OllamaVersion())
	case path == "/api/show" && req.Method == http.MethodPost:
		rt.handleOllamaShow(w, req)
	case path == "/api/chat" && req.Method == http.MethodPost:
		rt.dispatchNative(w, req, rt.defaultProvider(), convert.FromOllamaChatRequest, rt.writeOllamaChat, rt.streamOllamaChat)
	case path == "/api/generate" && req.Method == http.MethodPost:
		rt.dispatchNative(w, req, rt.defaultProvider(), convert.FromOllamaGenerateRequest, rt.writeOllamaGenerate, rt.streamOllamaGenerate)
	default:
		writeJSONError(w, http.StatusNotFound, "no route for "+req.URL.Path)
	}
}

// listableModels returns one healthy account's model list per registered
// adapter, used by both /v1/models and /api/tags to aggregate across every
// configured provider.
func (rt *Router) listableModels(ctx context.Context) map[account.ProviderType][]string {
	out := make(map[account.ProviderType][]string, len(rt.adapters))
	for pt, adapter := range rt.adapters {
		accounts := rt.pm.Snapshot(pt)
		var acc *account.Account
		for _, a := range accounts {
			if a.Selectable() {
				acc = a
				break
			}
		}
		if acc == nil {
			continue
		}
		cred, err := rt.st.GetTokenCredential(ctx, pt, acc.UUID)
		if err != nil {
			continue
		}
		models, err := adapter.ListModels(ctx, acc, cred)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(models))
		for _, m := range models {
			names = append(names, m.ID)
		}
		out[pt] = names
	}
	return out
}

func (rt *Router) handleModelList(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(convert.ToOpenAIModelList(rt.listableModels(req.Context())))
}

func (rt *Router) handleOllamaTags(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(convert.ToOllamaTags(rt.listableModels(req.Context())))
}

func (rt *Router) handleOllamaShow(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Model string `json:"model"`
		Name  string `json:"name"`
	}
	raw, _ := io.ReadAll(req.Body)
	_ = json.Unmarshal(raw, &body)
	model := body.Model
	if model == "" {
		model = body.Name
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(convert.ToOllamaShowResponse(rt.defaultProvider(), model))
}

func (rt *Router) writeOllamaChat(w http.ResponseWriter, resp *convert.PivotResponse) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(convert.ToOllamaChatResponse(resp, true))
}

func (rt *Router) writeOllamaGenerate(w http.ResponseWriter, resp *convert.PivotResponse) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(convert.ToOllamaGenerateResponse(resp, true))
}

func (rt *Router) streamOllamaChat(w http.ResponseWriter, chunks <-chan types.StreamChunk) {
	rt.streamOllama(w, chunks, func(p *convert.PivotResponse, done bool) []byte {
		return convert.ToOllamaChatResponse(p, done)
	})
}

func (rt *Router) streamOllamaGenerate(w http.ResponseWriter, chunks <-chan types.StreamChunk) {
	rt.streamOllama(w, chunks, func(p *convert.PivotResponse, done bool) []byte {
		return convert.ToOllamaGenerateResponse(p, done)
	})
}

// streamOllama renders the Ollama NDJSON streaming convention: one JSON
// object per line, the final line carrying done:true. Ollama has no
// incremental-delta response shape of its own distinct from its
// non-streaming one, so each line reuses the same pivot-response encoder
// with the running delta wrapped as a single-chunk response.
func (rt *Router) streamOllama(w http.ResponseWriter, chunks <-chan types.StreamChunk, encode func(*convert.PivotResponse, bool) []byte) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		delta := convert.FromStreamChunk(chunk)
		done := chunk.FinishReason != "" || chunk.Err != nil
		p := &convert.PivotResponse{Model: delta.Model, Content: convert.PivotContent{Role: "model", Parts: []convert.PivotPart{delta.Part}}, FinishReason: delta.FinishReason}
		if delta.Usage != nil {
			p.Usage = *delta.Usage
		}
		_, _ = w.Write(encode(p, done))
		_, _ = w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}
