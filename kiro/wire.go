package kiro

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/aiclient/goproxy/convert"
)

var modelNamePattern = regexp.MustCompile(`[-.]`)

// MapModelName converts a client-facing model name such as
// "claude-haiku-4-5-20251001" into Kiro's upstream identifier
// "CLAUDE_HAIKU_4_5_20251001_V1_0".
func MapModelName(model string) string {
	upper := strings.ToUpper(modelNamePattern.ReplaceAllString(model, "_"))
	return upper + "_V1_0"
}

// ToolUse mirrors one entry in a history assistant message's toolUses list.
type ToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// ToolSchema mirrors the declared JSON Schema for one tool, used to decide
// whether an empty-input toolUse is safe to drop.
type ToolSchema struct {
	Name   string
	Schema json.RawMessage
}

// FilterHistoryToolUses drops a toolUse when its input is "{}" AND the
// tool's declared schema has required parameters AND no toolResult in the
// current request references its toolUseId — preventing Kiro from choking
// on a stale, parameter-less tool invocation while never orphaning a
// toolResult the client still expects answered (spec §4.7 step 2c).
func FilterHistoryToolUses(uses []ToolUse, schemas map[string]ToolSchema, referencedToolUseIDs map[string]bool) []ToolUse {
	out := make([]ToolUse, 0, len(uses))
	for _, u := range uses {
		if referencedToolUseIDs[u.ToolUseID] {
			out = append(out, u)
			continue
		}
		if isEmptyInput(u.Input) && schemaHasRequired(schemas[u.Name].Schema) {
			continue
		}
		out = append(out, u)
	}
	return out
}

func isEmptyInput(input json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(input))
	return trimmed == "" || trimmed == "{}"
}

func schemaHasRequired(schema json.RawMessage) bool {
	if len(schema) == 0 {
		return false
	}
	var parsed struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return false
	}
	return len(parsed.Required) > 0
}

// ConversationState is the envelope every Kiro request is wrapped in.
type ConversationState struct {
	ConversationID string        `json:"conversationId"`
	History        []HistoryItem `json:"history,omitempty"`
	CurrentMessage CurrentMessage `json:"currentMessage"`
}

type HistoryItem struct {
	UserInputMessage      *UserInputMessage      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content string `json:"content"`
	ModelID string `json:"modelId,omitempty"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type Tool struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Request is the full body posted to Kiro's upstream endpoint.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	Tools             []Tool            `json:"tools,omitempty"`
}

// BuildRequest translates a pivot request into Kiro's wire shape:
// conversationId stability, model-name mapping, and tool schema
// sanitisation (spec §4.7 step 2c). History toolUses pass through
// FilterHistoryToolUses, with schemas taken from p's tools and referenced
// toolUseIds from p's functionResponse parts.
func BuildRequest(p *convert.PivotRequest, conversationID string) Request {
	req := Request{ConversationState: ConversationState{ConversationID: conversationID}}

	schemas := make(map[string]ToolSchema)
	referenced := make(map[string]bool)
	for _, c := range p.Contents {
		for _, part := range c.Parts {
			if part.FunctionResponse != nil {
				referenced[part.FunctionResponse.ID] = true
			}
		}
	}

	for _, tool := range p.Tools {
		for _, fn := range tool.FunctionDeclarations {
			schemas[fn.Name] = ToolSchema{Name: fn.Name, Schema: fn.Parameters}
			req.Tools = append(req.Tools, Tool{ToolSpecification: ToolSpecification{
				Name:        fn.Name,
				Description: fn.Description,
				InputSchema: convert.SanitizeToolSchema(fn.Parameters),
			}})
		}
	}

	modelID := MapModelName(p.Model)

	var history []HistoryItem
	for i, c := range p.Contents {
		isLast := i == len(p.Contents)-1
		switch c.Role {
		case "model":
			history = append(history, HistoryItem{AssistantResponseMessage: &AssistantResponseMessage{
				Content:  joinParts(c.Parts),
				ToolUses: FilterHistoryToolUses(extractToolUses(c.Parts), schemas, referenced),
			}})
		default:
			if isLast {
				req.ConversationState.CurrentMessage = CurrentMessage{UserInputMessage: UserInputMessage{
					Content: joinParts(c.Parts), ModelID: modelID,
				}}
				continue
			}
			history = append(history, HistoryItem{UserInputMessage: &UserInputMessage{Content: joinParts(c.Parts)}})
		}
	}
	req.ConversationState.History = history
	return req
}

func joinParts(parts []convert.PivotPart) string {
	var out string
	for _, p := range parts {
		out += p.Text
	}
	return out
}

func extractToolUses(parts []convert.PivotPart) []ToolUse {
	var out []ToolUse
	for _, p := range parts {
		if p.FunctionCall != nil {
			out = append(out, ToolUse{ToolUseID: p.FunctionCall.ID, Name: p.FunctionCall.Name, Input: p.FunctionCall.Args})
		}
	}
	return out
}
