package kiro

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DebugSession accumulates one request's debug dump (spec §4.7): metadata,
// the client request, the post-transform upstream request, every upstream
// and translated chunk, and (for non-streaming calls) the final response.
// It is written to disk once, under errors/ or success/ depending on the
// final outcome.
type DebugSession struct {
	mu sync.Mutex

	ID            string    `json:"session_id"`
	RequestID     string    `json:"request_id"`
	AccountUUID   string    `json:"account_uuid"`
	Model         string    `json:"model"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	StatusCode    int       `json:"status_code"`
	Error         string    `json:"error,omitempty"`
	ErrorType     string    `json:"error_type,omitempty"`
	ExceptionPayload json.RawMessage `json:"exception_payload,omitempty"`
	TriedAccounts []string  `json:"tried_accounts"`
	Success       bool      `json:"success"`

	request      json.RawMessage
	kiroRequest  json.RawMessage
	response     json.RawMessage
	kiroChunks   []json.RawMessage
	claudeChunks []json.RawMessage

	dir     string
	enabled bool
	dumpOK  bool // whether a full success dump was requested (DebugDump config)
}

// NewDebugSession starts a new dump session rooted at dir. enabled gates
// whether any dump is written at all; Finish's dumpSuccess argument
// additionally gates whether a successful session is persisted under
// success/.
func NewDebugSession(dir string, enabled bool) *DebugSession {
	return &DebugSession{
		ID:        uuid.New().String(),
		StartTime: time.Now(),
		dir:       dir,
		enabled:   enabled,
	}
}

func (s *DebugSession) SetRequest(body json.RawMessage)     { s.request = body }
func (s *DebugSession) SetKiroRequest(body json.RawMessage) { s.kiroRequest = body }
func (s *DebugSession) SetResponse(body json.RawMessage)    { s.response = body }

func (s *DebugSession) AppendKiroChunk(chunk json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kiroChunks = append(s.kiroChunks, chunk)
}

func (s *DebugSession) AppendClaudeChunk(chunk json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claudeChunks = append(s.claudeChunks, chunk)
}

func (s *DebugSession) RecordTriedAccount(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TriedAccounts = append(s.TriedAccounts, uuid)
}

// Finish marks the session outcome and flushes it to disk. success governs
// errors/ vs success/ placement; a successful session is only actually
// written if dumpSuccess was requested, since full-success dumps are opt-in
// and far higher volume than error dumps.
func (s *DebugSession) Finish(success bool, statusCode int, errType, errMsg string, dumpSuccess bool) error {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.Success = success
	s.StatusCode = statusCode
	s.ErrorType = errType
	s.Error = errMsg
	s.mu.Unlock()

	if !s.enabled {
		return nil
	}
	if success && !dumpSuccess {
		return nil
	}

	bucket := "success"
	if !success {
		bucket = "errors"
	}
	sessionDir := filepath.Join(s.dir, bucket, s.ID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}

	meta, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(sessionDir, "metadata.json"), meta, 0o644); err != nil {
		return err
	}
	if s.request != nil {
		_ = os.WriteFile(filepath.Join(sessionDir, "request.json"), s.request, 0o644)
	}
	if s.kiroRequest != nil {
		_ = os.WriteFile(filepath.Join(sessionDir, "kiro_request.json"), s.kiroRequest, 0o644)
	}
	if s.response != nil {
		_ = os.WriteFile(filepath.Join(sessionDir, "response.json"), s.response, 0o644)
	}
	if len(s.kiroChunks) > 0 {
		_ = writeJSONL(filepath.Join(sessionDir, "kiro_chunks.jsonl"), s.kiroChunks)
	}
	if len(s.claudeChunks) > 0 {
		_ = writeJSONL(filepath.Join(sessionDir, "claude_chunks.jsonl"), s.claudeChunks)
	}
	return nil
}

func writeJSONL(path string, lines []json.RawMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	for _, l := range lines {
		if _, err := f.Write(l); err != nil {
			return err
		}
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
	}
	return nil
}
