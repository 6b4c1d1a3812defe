// Package kiro implements the Kiro Streaming Handler (C7): the
// highest-concurrency upstream path, with lock-free round-robin account
// selection, AWS event-stream decoding, tool-schema sanitisation, ghost-
// exception classification, and the 1:2:25 cache-token billing split.
package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiclient/goproxy/account"
	"github.com/aiclient/goproxy/convert"
	"github.com/aiclient/goproxy/internal/ctxkeys"
	"github.com/aiclient/goproxy/internal/tlsutil"
	"github.com/aiclient/goproxy/internal/tokencount"
	"github.com/aiclient/goproxy/pool"
	"github.com/aiclient/goproxy/store"
	"github.com/aiclient/goproxy/types"
)

// upstreamEndpoint is Kiro's CodeWhisperer-derived generate-assistant-
// response endpoint. spec.md names the upstream only as "Kiro" and does not
// give its URL; this is an Open Question resolved here (recorded in
// DESIGN.md) rather than left unimplemented, since the handler has no way
// to be exercised without a concrete target. It is a var, not a const, so
// tests can point it at an httptest server.
var upstreamEndpoint = "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"

// Config bounds the handler's retry, cooldown, and debug-dump behaviour,
// mirroring config.KiroConfig.
type Config struct {
	APITimeout      time.Duration
	HealthCooldown  time.Duration
	AccountCacheTTL time.Duration
	MaxRetries      int
	DebugDump       bool
	ErrorDump       bool
	DebugDir        string
}

// Handler serves the Kiro branch of /v1/messages.
type Handler struct {
	st     store.Store
	pm     *pool.Manager
	cfg    Config
	client *http.Client
	logger *zap.Logger

	credMu    sync.Mutex
	credCache map[string]cachedCred
}

type cachedCred struct {
	cred    *account.TokenCredential
	fetched time.Time
}

func New(st store.Store, pm *pool.Manager, cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		st:        st,
		pm:        pm,
		cfg:       cfg,
		client:    tlsutil.SecureHTTPClient(cfg.APITimeout),
		logger:    logger.With(zap.String("component", "kiro")),
		credCache: make(map[string]cachedCred),
	}
}

// ServeHTTP handles one Anthropic Messages API request routed to the Kiro
// provider type.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := readAll(r)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", "could not read request body")
		return
	}

	pivot, err := convert.FromAnthropicRequest(body)
	if err != nil {
		writeAnthropicError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	session := NewDebugSession(h.cfg.DebugDir, h.cfg.DebugDump || h.cfg.ErrorDump)
	session.Model = pivot.Model
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		session.RequestID = traceID
	}
	session.SetRequest(body)

	maxRetries := h.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		acc, err := h.selectAccount(ctx)
		if err != nil {
			lastErr = err
			break
		}
		session.AccountUUID = acc.UUID
		session.RecordTriedAccount(acc.UUID)

		outcome := h.attempt(ctx, w, pivot, acc, session)
		switch outcome.classification {
		case outcomeSuccess:
			_ = session.Finish(true, http.StatusOK, "", "", h.cfg.DebugDump)
			return
		case outcomeRetryNextAccount:
			lastErr = outcome.err
			continue
		case outcomeTerminal:
			_ = session.Finish(false, outcome.statusCode, outcome.errType, outcome.err.Error(), h.cfg.DebugDump)
			writeAnthropicError(w, outcome.statusCode, outcome.errType, outcome.err.Error())
			return
		}
	}

	msg := "no provider available"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	_ = session.Finish(false, http.StatusServiceUnavailable, "no_provider_available", msg, h.cfg.DebugDump)
	writeAnthropicError(w, http.StatusServiceUnavailable, "overloaded_error", msg)
}

// selectAccount implements the lock-free round-robin pick (spec §4.7 step
// 2a): accounts unhealthy within the last healthCooldown are excluded by
// Selectable() (the health state machine already clears IsHealthy for a
// cooldown window), then an atomic INCR indexes into the remaining slice.
func (h *Handler) selectAccount(ctx context.Context) (*account.Account, error) {
	all := h.pm.Snapshot(account.ClaudeKiroOAuth)
	var healthy []*account.Account
	for _, a := range all {
		if a.Selectable() {
			healthy = append(healthy, a)
		}
	}
	if len(healthy) == 0 {
		return nil, fmt.Errorf("kiro: no healthy accounts")
	}

	counter, err := h.st.NextKiroRoundRobin(ctx)
	if err != nil {
		return nil, fmt.Errorf("kiro: round robin counter: %w", err)
	}
	idx := (counter - 1) % int64(len(healthy))
	if idx < 0 {
		idx += int64(len(healthy))
	}
	return healthy[idx], nil
}

func (h *Handler) loadCredential(ctx context.Context, pt account.ProviderType, uuid string) (*account.TokenCredential, error) {
	h.credMu.Lock()
	if cached, ok := h.credCache[uuid]; ok && time.Since(cached.fetched) < h.cfg.AccountCacheTTL {
		h.credMu.Unlock()
		return cached.cred, nil
	}
	h.credMu.Unlock()

	cred, err := h.st.GetTokenCredential(ctx, pt, uuid)
	if err != nil {
		return nil, err
	}
	h.credMu.Lock()
	h.credCache[uuid] = cachedCred{cred: cred, fetched: time.Now()}
	h.credMu.Unlock()
	return cred, nil
}

type outcomeClass int

const (
	outcomeSuccess outcomeClass = iota
	outcomeRetryNextAccount
	outcomeTerminal
)

type attemptOutcome struct {
	classification outcomeClass
	statusCode     int
	errType        string
	err            error
}

// attempt runs one account's worth of the pipeline: load credential,
// translate, POST, stream frames to the client. It classifies the result
// into success / retry-next-account / terminal per spec §4.7 step 5.
func (h *Handler) attempt(ctx context.Context, w http.ResponseWriter, pivot *convert.PivotRequest, acc *account.Account, session *DebugSession) attemptOutcome {
	cred, err := h.loadCredential(ctx, account.ClaudeKiroOAuth, acc.UUID)
	if err != nil {
		return attemptOutcome{classification: outcomeRetryNextAccount, err: err}
	}

	conversationID := uuid.New().String()
	kiroReq := BuildRequest(pivot, conversationID)
	kiroBody, err := json.Marshal(kiroReq)
	if err != nil {
		return attemptOutcome{classification: outcomeTerminal, statusCode: http.StatusInternalServerError, errType: "api_error", err: err}
	}
	session.SetKiroRequest(kiroBody)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamEndpoint, bytes.NewReader(kiroBody))
	if err != nil {
		return attemptOutcome{classification: outcomeTerminal, statusCode: http.StatusInternalServerError, errType: "api_error", err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, false, 5, 0, err.Error())
		return attemptOutcome{classification: outcomeRetryNextAccount, err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, false, 5, h.cfg.HealthCooldown, "rate limited")
		return attemptOutcome{classification: outcomeRetryNextAccount, err: fmt.Errorf("kiro: rate limited")}
	case resp.StatusCode == http.StatusBadRequest:
		return attemptOutcome{classification: outcomeTerminal, statusCode: http.StatusBadRequest, errType: "invalid_request_error", err: fmt.Errorf("kiro: upstream rejected request")}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, true, 5, 0, "unauthorized")
		return attemptOutcome{classification: outcomeRetryNextAccount, err: fmt.Errorf("kiro: unauthorized")}
	case resp.StatusCode >= 500:
		h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, false, 5, 0, "upstream 5xx")
		return attemptOutcome{classification: outcomeRetryNextAccount, err: fmt.Errorf("kiro: upstream %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return attemptOutcome{classification: outcomeTerminal, statusCode: resp.StatusCode, errType: "api_error", err: fmt.Errorf("kiro: unexpected status %d", resp.StatusCode)}
	}

	return h.streamResponse(ctx, w, resp.Body, acc, pivot.Model, kiroBody, session)
}

// streamResponse decodes the upstream AWS event-stream body frame by
// frame, translating each into Anthropic SSE and flushing immediately
// (spec §4.7 steps 3-4). contentBlockStopped tracks whether the upstream's
// own "stop" marker has already been seen, which is exactly the boundary
// spec §9 requires for ghost-exception classification: an exception frame
// arriving after it is a false failure, one arriving before it is real.
func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, body io.Reader, acc *account.Account, model string, kiroBody []byte, session *DebugSession) attemptOutcome {
	flusher, _ := w.(http.Flusher)

	messageID := "msg_" + uuid.New().String()
	first := true
	contentBlockStopped := false
	flushedAny := false
	var totalOutputTokens int64
	estimatedInputTokens := estimateInputTokens(kiroBody)

	writeSSE := func(sse string) {
		if !flushedAny {
			// The 200 status goes out with the first event, so an attempt
			// that fails before any output can still be retried or answered
			// with an error status.
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
		}
		_, _ = w.Write([]byte(sse))
		if flusher != nil {
			flusher.Flush()
		}
		flushedAny = true
	}

	err := DecodeFrames(body, func(frame Frame) error {
		session.AppendKiroChunk(frame.Payload)

		if frame.IsException {
			if contentBlockStopped {
				h.logger.Info("kiro ghost exception", zap.String("uuid", acc.UUID), zap.String("type", frame.ExceptionType))
				return errStopDecoding
			}
			session.ExceptionPayload = frame.Payload
			return streamException(frame.ExceptionType)
		}

		var chunk struct {
			Content string `json:"content"`
			Stop    bool   `json:"stop"`
		}
		_ = json.Unmarshal(frame.Payload, &chunk)

		if chunk.Content != "" {
			totalOutputTokens += countTokens(chunk.Content)
			delta := convert.PivotStreamDelta{Model: model, Part: convert.PivotPart{Text: chunk.Content}}
			sse := convert.AnthropicSSEEvents(delta, messageID, first, false, true)
			first = false
			session.AppendClaudeChunk(mustJSON(sse))
			writeSSE(sse)
		}
		if chunk.Stop {
			contentBlockStopped = true
		}
		return nil
	})

	if err != nil && err != errStopDecoding {
		if !flushedAny {
			// Nothing reached the client yet: safe to retry on another account.
			h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, false, 5, 0, err.Error())
			return attemptOutcome{classification: outcomeRetryNextAccount, err: err}
		}
		// Mid-stream failure after partial output already reached the
		// client: the stream ends here: the account's error counter still
		// advances, but the client cannot be retried transparently.
		h.pm.RecordFailure(ctx, account.ClaudeKiroOAuth, acc.UUID, false, 5, 0, err.Error())
		return attemptOutcome{classification: outcomeSuccess}
	}

	final := convert.PivotStreamDelta{
		Model:        model,
		FinishReason: "STOP",
		Usage:        &convert.PivotUsage{PromptTokens: estimatedInputTokens, CompletionTokens: totalOutputTokens, TotalTokens: estimatedInputTokens + totalOutputTokens},
	}
	writeSSE(convert.AnthropicSSEEvents(final, messageID, false, true, true))

	h.pm.RecordSuccess(ctx, account.ClaudeKiroOAuth, acc.UUID)
	h.pm.RecordUsage(ctx, account.ClaudeKiroOAuth, acc.UUID, 1)

	return attemptOutcome{classification: outcomeSuccess}
}

// countTokens gives the local token estimate the usage block is built from;
// the upstream's own token totals are not read.
func countTokens(text string) int64 {
	return tokencount.Count(text)
}

// estimateInputTokens gives a token count for the full rendered Kiro
// request body. It is the input figure of the final usage block, which
// convert.AnthropicSSEEvents splits through DistributeKiroTokens.
func estimateInputTokens(kiroBody []byte) int64 {
	return countTokens(string(kiroBody))
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeAnthropicError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]string{"type": errType, "message": msg},
	})
}

// chunkRecord wraps one translated SSE event for claude_chunks.jsonl so the
// dump is a stream of structured objects rather than bare quoted text.
type chunkRecord struct {
	SSE string `json:"sse"`
}

func mustJSON(sse string) json.RawMessage {
	b, err := json.Marshal(chunkRecord{SSE: sse})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

// streamException wraps a real (non-ghost) upstream exception frame with its
// error code so RecordFailure and the eventual client error envelope agree
// on classification (spec §7, §9).
func streamException(excType string) *types.Error {
	return types.NewError(types.ErrStreamException, "kiro stream exception: "+excType).WithRetryable(true)
}

var errStopDecoding = fmt.Errorf("kiro: stop decoding (%s)", types.ErrGhostException)
