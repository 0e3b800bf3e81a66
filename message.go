package numina

import (
	"encoding/json"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResponse is the outcome of one tool call, paired to it by CallID.
type ToolResponse struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ContentPartType identifies a structured content part.
type ContentPartType string

const (
	PartText       ContentPartType = "text"
	PartImage      ContentPartType = "image"
	PartToolUse    ContentPartType = "tool_use"
	PartToolResult ContentPartType = "tool_result"
)

// ContentPart is one element of a multi-part message body. Exactly the
// fields for its Type are set.
type ContentPart struct {
	Type       ContentPartType `json:"type"`
	Text       string          `json:"text,omitempty"`
	MediaType  string          `json:"media_type,omitempty"`
	Data       []byte          `json:"data,omitempty"`
	ToolUse    *ToolCall       `json:"tool_use,omitempty"`
	ToolResult *ToolResponse   `json:"tool_result,omitempty"`
}

// MessageContent is a tagged union: plain text, a part sequence, a list of
// tool calls, or a list of tool responses. Exactly one field is populated.
type MessageContent struct {
	Text          string          `json:"text,omitempty"`
	Parts         []ContentPart   `json:"parts,omitempty"`
	ToolCalls     []ToolCall      `json:"tool_calls,omitempty"`
	ToolResponses []ToolResponse  `json:"tool_responses,omitempty"`
	isText        bool
}

// TextContent wraps plain text. An empty string still counts as text.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s, isText: true}
}

// PartsContent wraps a structured part sequence.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts}
}

// ToolCallsContent wraps an assistant turn's tool calls.
func ToolCallsContent(calls ...ToolCall) MessageContent {
	return MessageContent{ToolCalls: calls}
}

// ToolResponsesContent wraps tool responses.
func ToolResponsesContent(responses ...ToolResponse) MessageContent {
	return MessageContent{ToolResponses: responses}
}

// PlainText flattens the content to text: the text itself, or the text
// parts joined by newlines. Tool calls and responses yield "".
func (c MessageContent) PlainText() string {
	if c.isText || c.Text != "" {
		return c.Text
	}
	if len(c.Parts) > 0 {
		var b strings.Builder
		for _, p := range c.Parts {
			if p.Type == PartText && p.Text != "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}

// Calls returns the tool calls carried by the content, from either the
// dedicated list or tool-use parts.
func (c MessageContent) Calls() []ToolCall {
	if len(c.ToolCalls) > 0 {
		return c.ToolCalls
	}
	var calls []ToolCall
	for _, p := range c.Parts {
		if p.Type == PartToolUse && p.ToolUse != nil {
			calls = append(calls, *p.ToolUse)
		}
	}
	return calls
}

// Responses returns the tool responses carried by the content.
func (c MessageContent) Responses() []ToolResponse {
	if len(c.ToolResponses) > 0 {
		return c.ToolResponses
	}
	var responses []ToolResponse
	for _, p := range c.Parts {
		if p.Type == PartToolResult && p.ToolResult != nil {
			responses = append(responses, *p.ToolResult)
		}
	}
	return responses
}

// Message is one persisted conversation entry.
type Message struct {
	ID           MessageID      `json:"id"`
	Role         string         `json:"role"`
	Content      MessageContent `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
	Position     Position       `json:"position"`
	BatchID      Position       `json:"batch_id"`
	BatchType    BatchType      `json:"batch_type"`
	HasToolCalls bool           `json:"has_tool_calls"`
	WordCount    int            `json:"word_count"`
}

func newMessage(role string, content MessageContent) Message {
	return Message{
		ID:           NewMessageID(),
		Role:         role,
		Content:      content,
		CreatedAt:    time.Now().UTC(),
		HasToolCalls: len(content.Calls()) > 0,
		WordCount:    len(strings.Fields(content.PlainText())),
	}
}

// UserMessage builds a user message with plain-text content.
func UserMessage(text string) Message { return newMessage(RoleUser, TextContent(text)) }

// SystemMessage builds a system message with plain-text content.
func SystemMessage(text string) Message { return newMessage(RoleSystem, TextContent(text)) }

// AssistantMessage builds an assistant message with plain-text content.
func AssistantMessage(text string) Message { return newMessage(RoleAssistant, TextContent(text)) }

// AssistantToolCalls builds an assistant message carrying tool calls.
func AssistantToolCalls(calls ...ToolCall) Message {
	return newMessage(RoleAssistant, ToolCallsContent(calls...))
}

// ToolResponseMessage builds a tool message answering one call.
func ToolResponseMessage(callID, content string, isError bool) Message {
	return newMessage(RoleTool, ToolResponsesContent(ToolResponse{
		CallID:  callID,
		Content: content,
		IsError: isError,
	}))
}
