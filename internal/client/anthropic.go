package client

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/babelgate/babelgate/internal/canonical"
)

// AnthropicAdapter speaks the Anthropic messages wire format. Streaming
// frames are event-tagged SSE (message_start, content_block_*, message_delta,
// message_stop); the connection simply closes after message_stop, there is no
// sentinel line.
type AnthropicAdapter struct{}

func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Variant() canonical.ProtocolVariant { return canonical.AnthropicMessages }

var anthropicStopReasons = map[canonical.FinishReason]string{
	canonical.FinishStop:          "end_turn",
	canonical.FinishMaxTokens:     "max_tokens",
	canonical.FinishToolUse:       "tool_use",
	canonical.FinishContentFilter: "stop_sequence",
}

type anthropicWireRequest struct {
	Model         string              `json:"model"`
	System        json.RawMessage     `json:"system,omitempty"`
	Messages      []anthropicWireMsg  `json:"messages"`
	MaxTokens     *int                `json:"max_tokens"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	Tools         []anthropicWireTool `json:"tools,omitempty"`
}

type anthropicWireMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicWireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicWireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (a *AnthropicAdapter) DecodeRequest(body []byte) (*canonical.Request, error) {
	var wire anthropicWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrMalformedRequest, "invalid JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, canonical.FieldErr("model", "model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, canonical.FieldErr("messages", "messages must be a non-empty array")
	}
	if wire.MaxTokens == nil {
		return nil, canonical.FieldErr("max_tokens", "max_tokens is required")
	}

	req := &canonical.Request{
		RequestID: uuid.NewString(),
		Model:     wire.Model,
		Stream:    wire.Stream,
		Params: canonical.Params{
			Temperature: wire.Temperature,
			MaxTokens:   wire.MaxTokens,
			TopP:        wire.TopP,
			Stop:        wire.StopSequences,
		},
	}

	if system, err := decodeAnthropicSystem(wire.System); err != nil {
		return nil, err
	} else if system != "" {
		req.Messages = append(req.Messages, canonical.Message{
			Role:  canonical.RoleSystem,
			Parts: []canonical.ContentPart{canonical.TextPart(system)},
		})
	}

	for i, m := range wire.Messages {
		msg, err := decodeAnthropicMessage(m, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for i, t := range wire.Tools {
		if t.Name == "" {
			return nil, canonical.FieldErr(fmt.Sprintf("tools[%d].name", i), "tool name is required")
		}
		req.Tools = append(req.Tools, canonical.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return req, nil
}

// decodeAnthropicSystem accepts the string form and the text-block array form.
func decodeAnthropicSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []anthropicWireBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", canonical.FieldErr("system", "system must be a string or an array of text blocks")
	}
	var out string
	for i, b := range blocks {
		if b.Type != "text" {
			return "", canonical.FieldErr(fmt.Sprintf("system[%d].type", i), "unsupported system block type %q", b.Type)
		}
		out += b.Text
	}
	return out, nil
}

func decodeAnthropicMessage(m anthropicWireMsg, path string) (canonical.Message, error) {
	role, err := canonical.ParseRole(m.Role)
	if err != nil {
		return canonical.Message{}, canonical.FieldErr(path+".role", "%v", err)
	}
	if role != canonical.RoleUser && role != canonical.RoleAssistant {
		return canonical.Message{}, canonical.FieldErr(path+".role", "anthropic messages allow only user and assistant roles, got %q", m.Role)
	}
	msg := canonical.Message{Role: role}

	// String content is shorthand for one text block.
	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		msg.Parts = append(msg.Parts, canonical.TextPart(text))
		return msg, nil
	}

	var blocks []anthropicWireBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return canonical.Message{}, canonical.FieldErr(path+".content", "content must be a string or an array of blocks")
	}

	for i, b := range blocks {
		blockPath := fmt.Sprintf("%s.content[%d]", path, i)
		switch b.Type {
		case "text":
			msg.Parts = append(msg.Parts, canonical.TextPart(b.Text))
		case "tool_use":
			if b.Name == "" {
				return canonical.Message{}, canonical.FieldErr(blockPath+".name", "tool_use block requires a name")
			}
			msg.Parts = append(msg.Parts, canonical.ToolCallPart(canonical.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: string(b.Input),
			}))
		case "tool_result":
			if b.ToolUseID == "" {
				return canonical.Message{}, canonical.FieldErr(blockPath+".tool_use_id", "tool_result block requires tool_use_id")
			}
			msg.Parts = append(msg.Parts, canonical.ToolResultPart(canonical.ToolResult{
				ToolCallID: b.ToolUseID,
				Content:    flattenToolResultContent(b.Content),
				IsError:    b.IsError,
			}))
		default:
			return canonical.Message{}, canonical.FieldErr(blockPath+".type", "unsupported content block type %q", b.Type)
		}
	}

	return msg, nil
}

// flattenToolResultContent reduces a tool_result content value (string or
// text-block array) to plain text, falling back to the raw JSON.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicWireBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

func (a *AnthropicAdapter) EncodeResponse(req *canonical.Request, chunks []canonical.Chunk, usage canonical.UsageRecord) ([]byte, error) {
	text, calls, finish, gerr := aggregate(chunks)
	if gerr != nil {
		return a.EncodeError(gerr), nil
	}

	var content []map[string]any
	if text != "" || len(calls) == 0 {
		content = append(content, map[string]any{"type": "text", "text": text})
	}
	for _, tc := range calls {
		var input any
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				input = map[string]any{}
			}
		} else {
			input = map[string]any{}
		}
		content = append(content, map[string]any{
			"type":  "tool_use",
			"id":    tc.ID,
			"name":  tc.Name,
			"input": input,
		})
	}

	return json.Marshal(map[string]any{
		"id":            "msg_" + uuid.NewString(),
		"type":          "message",
		"role":          "assistant",
		"model":         req.Model,
		"content":       content,
		"stop_reason":   mapFinishReason(anthropicStopReasons, finish),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
		},
	})
}

func (a *AnthropicAdapter) EncodeChunk(chunk canonical.Chunk, st *StreamState) ([]byte, error) {
	var out []byte
	if !st.headerSent && chunk.Kind != canonical.ChunkError {
		st.ID = "msg_" + uuid.NewString()
		out = append(out, sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            st.ID,
				"type":          "message",
				"role":          "assistant",
				"model":         st.Model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  st.Usage.PromptTokens,
					"output_tokens": 0,
				},
			},
		})...)
		st.headerSent = true
		st.blockIndex = -1
	}

	switch chunk.Kind {
	case canonical.ChunkTextDelta:
		out = append(out, a.ensureBlock(st, false, nil)...)
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": st.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": chunk.Text},
		})...)

	case canonical.ChunkToolCallDelta:
		// A fragment carrying a name opens a new tool_use block.
		if chunk.ToolCall.Name != "" || !st.blockOpen || !st.blockTool {
			out = append(out, a.ensureBlock(st, true, chunk.ToolCall)...)
		}
		if chunk.ToolCall.Arguments != "" {
			out = append(out, sseEvent("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": st.blockIndex,
				"delta": map[string]any{"type": "input_json_delta", "partial_json": chunk.ToolCall.Arguments},
			})...)
		}

	case canonical.ChunkUsageUpdate:
		// Usage rides on message_delta at stream end.

	case canonical.ChunkFinish:
		out = append(out, a.closeBlock(st)...)
		out = append(out, sseEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   mapFinishReason(anthropicStopReasons, chunk.Finish),
				"stop_sequence": nil,
			},
			"usage": map[string]any{"output_tokens": st.Usage.CompletionTokens},
		})...)
		out = append(out, sseEvent("message_stop", map[string]any{"type": "message_stop"})...)
		st.terminalSent = true

	case canonical.ChunkError:
		out = append(out, a.closeBlock(st)...)
		out = append(out, sseEvent("error", map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    string(chunk.Err.Kind),
				"message": chunk.Err.Message,
			},
		})...)
		st.terminalSent = true
	}

	return out, nil
}

// ensureBlock opens a content block of the requested kind, closing the
// current one first when the kind changes.
func (a *AnthropicAdapter) ensureBlock(st *StreamState, tool bool, tc *canonical.ToolCallDelta) []byte {
	if st.blockOpen && st.blockTool == tool && (!tool || tc == nil || tc.Name == "") {
		return nil
	}
	out := a.closeBlock(st)

	st.blockIndex++
	st.blockOpen = true
	st.blockTool = tool

	block := map[string]any{"type": "text", "text": ""}
	if tool {
		block = map[string]any{"type": "tool_use", "input": map[string]any{}}
		if tc != nil {
			block["id"] = tc.ID
			block["name"] = tc.Name
		}
	}
	return append(out, sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         st.blockIndex,
		"content_block": block,
	})...)
}

func (a *AnthropicAdapter) closeBlock(st *StreamState) []byte {
	if !st.blockOpen {
		return nil
	}
	st.blockOpen = false
	return sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": st.blockIndex,
	})
}

func (a *AnthropicAdapter) EncodeTerminator(_ *StreamState) []byte {
	// message_stop already closed the stream; the connection just ends.
	return nil
}

func (a *AnthropicAdapter) EncodeError(gerr *canonical.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    anthropicErrorType(gerr.Kind),
			"message": gerr.Error(),
		},
	})
	return body
}

func anthropicErrorType(kind canonical.ErrorKind) string {
	switch kind {
	case canonical.ErrUnrecognizedProtocol, canonical.ErrMalformedRequest:
		return "invalid_request_error"
	case canonical.ErrOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

func sseEvent(event string, data map[string]any) []byte {
	payload, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}
