// Package canonical holds the protocol-neutral representations of chat
// requests, streamed response chunks, and usage records. Every supported
// client and target protocol translates to and from these types; nothing in
// this package performs I/O.
package canonical

import (
	"encoding/json"
	"fmt"
)

// ProtocolVariant identifies one of the supported wire formats. The set is
// closed: supporting a new variant means adding a client and target adapter
// pair, never extending behavior here.
type ProtocolVariant string

const (
	OpenAIChat        ProtocolVariant = "openai_chat"
	OpenAIResponses   ProtocolVariant = "openai_responses"
	AnthropicMessages ProtocolVariant = "anthropic_messages"
)

// KnownVariant reports whether v is part of the closed variant set.
func KnownVariant(v ProtocolVariant) bool {
	switch v {
	case OpenAIChat, OpenAIResponses, AnthropicMessages:
		return true
	}
	return false
}

// Role is a message author role. Unknown roles fail request decode.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ParseRole validates a wire-level role string against the enumerated set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// PartType tags the variant of a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ToolCall is a complete tool invocation requested by the assistant.
// Arguments holds the raw JSON argument object as produced by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolResult carries the output of a previously issued tool call back to the
// model. Content is the serialized result payload.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ContentPart is one element of a message body. Exactly one of the payload
// fields matching Type is set.
type ContentPart struct {
	Type       PartType
	Text       string
	ToolCall   *ToolCall
	ToolResult *ToolResult
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ToolCallPart builds a tool_call content part.
func ToolCallPart(tc ToolCall) ContentPart {
	return ContentPart{Type: PartToolCall, ToolCall: &tc}
}

// ToolResultPart builds a tool_result content part.
func ToolResultPart(tr ToolResult) ContentPart {
	return ContentPart{Type: PartToolResult, ToolResult: &tr}
}

// Message is one conversation turn. Part ordering within a message and
// message ordering within a request are preserved exactly as received.
type Message struct {
	Role  Role
	Parts []ContentPart
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Params holds the optional generation parameters common to all protocols.
// Nil means the client did not set the parameter.
type Params struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	Stop        []string
}

// ToolDefinition describes a tool/function the model may call. Parameters is
// the raw JSON schema, passed through untouched.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request is the protocol-neutral form of an inbound chat request.
type Request struct {
	// RequestID is assigned per inbound request and is volatile: it never
	// participates in cache fingerprinting.
	RequestID string

	Model    string
	Messages []Message
	Params   Params
	Stream   bool
	Tools    []ToolDefinition
}
