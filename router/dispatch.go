package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/convert"
	"github.com/aiclient/goproxy/types"
)

// dispatch implements spec.md §4.6 step 9: API dispatch by native endpoint.
// It returns false when path matches no known endpoint, so the caller can
// fall through to the 404 handler.
func (rt *Router) dispatch(w http.ResponseWriter, req *http.Request, path string, pt account.ProviderType) bool {
	switch {
	case path == "/v1/messages" && req.Method == http.MethodPost:
		if pt == account.ClaudeKiroOAuth {
			rt.kiro.ServeHTTP(w, req)
			return true
		}
		rt.dispatchNative(w, req, pt, convert.FromAnthropicRequest, rt.writeAnthropic, rt.streamAnthropic)
		return true

	case path == "/v1/chat/completions" && req.Method == http.MethodPost:
		rt.dispatchNative(w, req, pt, convert.FromOpenAIRequest, rt.writeOpenAI, rt.streamOpenAI)
		return true

	case req.Method == http.MethodPost && isGeminiGeneratePath(path):
		model, stream := parseGeminiPath(path)
		rt.dispatchNative(w, req, pt, func(body []byte) (*convert.PivotRequest, error) {
			return convert.FromGeminiRequest(body, model, stream)
		}, rt.writeGemini, rt.streamGemini)
		return true
	}
	return false
}

// isGeminiGeneratePath matches /v1beta/models/{model}:generateContent and
// the streaming variant.
func isGeminiGeneratePath(path string) bool {
	return strings.HasPrefix(path, "/v1beta/models/") &&
		(strings.HasSuffix(path, ":generateContent") || strings.HasSuffix(path, ":streamGenerateContent"))
}

func parseGeminiPath(path string) (model string, stream bool) {
	rest := strings.TrimPrefix(path, "/v1beta/models/")
	if idx := strings.LastIndex(rest, ":streamGenerateContent"); idx >= 0 {
		return rest[:idx], true
	}
	if idx := strings.LastIndex(rest, ":generateContent"); idx >= 0 {
		return rest[:idx], false
	}
	return rest, false
}

// fromRequestFn parses a client's native wire body into pivot shape.
type fromRequestFn func(body []byte) (*convert.PivotRequest, error)

// toResponseFn re-expresses a completed pivot response in the client's
// native wire shape and writes it to w.
type toResponseFn func(w http.ResponseWriter, resp *convert.PivotResponse)

// streamWriterFn drains chunks, re-expressing each in the client's native
// streaming framing, flushing as it goes.
type streamWriterFn func(w http.ResponseWriter, chunks <-chan types.StreamChunk)

// dispatchNative is the shared non-Kiro, non-forward request path: parse →
// pivot → selectAccount → adapter call → pivot → re-encode. Streaming vs.
// non-streaming is resolved generically since every adapter implements both
// GenerateContent and GenerateContentStream against the same types.ChatRequest.
func (rt *Router) dispatchNative(w http.ResponseWriter, req *http.Request, pt account.ProviderType, parse fromRequestFn, writeResp toResponseFn, writeStream streamWriterFn) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	pivotReq, err := parse(body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	chatReq := convert.ToChatRequest(pivotReq)

	resolvedPT, acc, model, err := rt.pm.SelectWithFallback(pt, chatReq.Model)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no provider available: "+err.Error())
		return
	}
	chatReq.Model = model
	chatReq.Stream = pivotReq.Stream

	if resolvedPT.Family() == account.FamilyForward {
		rt.forwardRaw(w, req, acc)
		return
	}

	adapter, ok := rt.adapters[resolvedPT]
	if !ok {
		writeJSONError(w, http.StatusServiceUnavailable, "no adapter registered for "+string(resolvedPT))
		return
	}

	ctx := req.Context()
	cred, err := rt.st.GetTokenCredential(ctx, resolvedPT, acc.UUID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "credential unavailable: "+err.Error())
		return
	}

	start := time.Now()

	if !pivotReq.Stream {
		var chatResp *types.ChatResponse
		err = rt.retryer.Do(ctx, func() error {
			var attemptErr error
			chatResp, attemptErr = adapter.GenerateContent(ctx, chatReq, acc, cred)
			return attemptErr
		})
		if err != nil {
			rt.pm.RecordFailure(ctx, resolvedPT, acc.UUID, false, 5, 0, err.Error())
			rt.recordProviderMetric(resolvedPT, model, "error", start, 0, 0)
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		rt.pm.RecordSuccess(ctx, resolvedPT, acc.UUID)
		rt.pm.RecordUsage(ctx, resolvedPT, acc.UUID, 1)
		rt.recordProviderMetric(resolvedPT, model, "success", start, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
		writeResp(w, convert.FromChatResponse(chatResp))
		return
	}

	chunks, err := adapter.GenerateContentStream(ctx, chatReq, acc, cred)
	if err != nil {
		rt.pm.RecordFailure(ctx, resolvedPT, acc.UUID, false, 5, 0, err.Error())
		rt.recordProviderMetric(resolvedPT, model, "error", start, 0, 0)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeStream(w, chunks)
	rt.pm.RecordSuccess(ctx, resolvedPT, acc.UUID)
	rt.pm.RecordUsage(ctx, resolvedPT, acc.UUID, 1)
	rt.recordProviderMetric(resolvedPT, model, "success", start, 0, 0)
}

// recordProviderMetric is a no-op when no metrics.Collector is configured.
func (rt *Router) recordProviderMetric(pt account.ProviderType, model, status string, start time.Time, promptTokens, completionTokens int) {
	if rt.metrics == nil {
		return
	}
	rt.metrics.RecordProviderRequest(string(pt), model, status, time.Since(start), promptTokens, completionTokens)
}

func (rt *Router) writeAnthropic(w http.ResponseWriter, resp *convert.PivotResponse) {
	writeJSON(w, http.StatusOK, convert.ToAnthropicResponse(resp, "msg_"+resp.Model, false))
}

func (rt *Router) writeOpenAI(w http.ResponseWriter, resp *convert.PivotResponse) {
	writeJSON(w, http.StatusOK, convert.ToOpenAIResponse(resp, "chatcmpl-"+resp.Model))
}

func (rt *Router) writeGemini(w http.ResponseWriter, resp *convert.PivotResponse) {
	writeJSON(w, http.StatusOK, convert.ToGeminiResponse(resp))
}

// streamAnthropic, streamOpenAI, streamGemini share the flush-per-event
// loop; only the per-chunk encoder and the framing differ: SSE for Anthropic
// and OpenAI, newline-delimited JSON objects for Gemini.
func (rt *Router) streamAnthropic(w http.ResponseWriter, chunks <-chan types.StreamChunk) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	messageID := "msg_stream"
	first := true
	for chunk := range chunks {
		delta := convert.FromStreamChunk(chunk)
		isFinal := chunk.FinishReason != "" || chunk.Err != nil
		_, _ = w.Write([]byte(convert.AnthropicSSEEvents(delta, messageID, first, isFinal, false)))
		first = false
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (rt *Router) streamOpenAI(w http.ResponseWriter, chunks <-chan types.StreamChunk) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		delta := convert.FromStreamChunk(chunk)
		_, _ = w.Write([]byte(convert.ToOpenAIStreamChunk(delta, "chatcmpl-stream", chunk.Index)))
		if flusher != nil {
			flusher.Flush()
		}
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func (rt *Router) streamGemini(w http.ResponseWriter, chunks <-chan types.StreamChunk) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		delta := convert.FromStreamChunk(chunk)
		_, _ = w.Write(convert.ToGeminiStreamChunk(delta))
		_, _ = w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
