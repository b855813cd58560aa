package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/babelgate/babelgate/internal/canonical"
)

// OpenAIChatAdapter speaks the OpenAI chat/completions wire format. Streaming
// frames are untagged `data:` SSE lines closed by a literal `data: [DONE]`
// sentinel.
type OpenAIChatAdapter struct{}

func NewOpenAIChatAdapter() *OpenAIChatAdapter { return &OpenAIChatAdapter{} }

func (a *OpenAIChatAdapter) Variant() canonical.ProtocolVariant { return canonical.OpenAIChat }

var openAIFinishReasons = map[canonical.FinishReason]string{
	canonical.FinishStop:          "stop",
	canonical.FinishMaxTokens:     "length",
	canonical.FinishToolUse:       "tool_calls",
	canonical.FinishContentFilter: "content_filter",
}

// Wire shapes. Content is raw because OpenAI accepts both a plain string and
// an array of typed parts.
type openAIChatRequest struct {
	Model               string           `json:"model"`
	Messages            []openAIMessage  `json:"messages"`
	Temperature         *float64         `json:"temperature,omitempty"`
	MaxTokens           *int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int             `json:"max_completion_tokens,omitempty"`
	TopP                *float64         `json:"top_p,omitempty"`
	Stop                json.RawMessage  `json:"stop,omitempty"`
	Stream              bool             `json:"stream,omitempty"`
	Tools               []openAIChatTool `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIChatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

func (a *OpenAIChatAdapter) DecodeRequest(body []byte) (*canonical.Request, error) {
	var wire openAIChatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrMalformedRequest, "invalid JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, canonical.FieldErr("model", "model is required")
	}
	if len(wire.Messages) == 0 {
		return nil, canonical.FieldErr("messages", "messages must be a non-empty array")
	}

	req := &canonical.Request{
		RequestID: uuid.NewString(),
		Model:     wire.Model,
		Stream:    wire.Stream,
		Params: canonical.Params{
			Temperature: wire.Temperature,
			TopP:        wire.TopP,
		},
	}
	req.Params.MaxTokens = wire.MaxTokens
	if wire.MaxCompletionTokens != nil {
		req.Params.MaxTokens = wire.MaxCompletionTokens
	}

	stop, err := decodeStopField(wire.Stop, "stop")
	if err != nil {
		return nil, err
	}
	req.Params.Stop = stop

	for i, m := range wire.Messages {
		msg, err := decodeOpenAIMessage(m, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}

	for i, t := range wire.Tools {
		if t.Type != "function" {
			return nil, canonical.FieldErr(fmt.Sprintf("tools[%d].type", i), "unsupported tool type %q", t.Type)
		}
		if t.Function.Name == "" {
			return nil, canonical.FieldErr(fmt.Sprintf("tools[%d].function.name", i), "tool name is required")
		}
		req.Tools = append(req.Tools, canonical.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	return req, nil
}

func decodeOpenAIMessage(m openAIMessage, path string) (canonical.Message, error) {
	role, err := canonical.ParseRole(m.Role)
	if err != nil {
		return canonical.Message{}, canonical.FieldErr(path+".role", "%v", err)
	}
	msg := canonical.Message{Role: role}

	if role == canonical.RoleTool {
		if m.ToolCallID == "" {
			return canonical.Message{}, canonical.FieldErr(path+".tool_call_id", "tool messages require tool_call_id")
		}
		content, err := decodeOpenAIContent(m.Content, path+".content")
		if err != nil {
			return canonical.Message{}, err
		}
		msg.Parts = append(msg.Parts, canonical.ToolResultPart(canonical.ToolResult{
			ToolCallID: m.ToolCallID,
			Content:    content,
		}))
		return msg, nil
	}

	if len(m.Content) > 0 {
		content, err := decodeOpenAIContent(m.Content, path+".content")
		if err != nil {
			return canonical.Message{}, err
		}
		if content != "" {
			msg.Parts = append(msg.Parts, canonical.TextPart(content))
		}
	}

	for i, tc := range m.ToolCalls {
		if tc.Function.Name == "" {
			return canonical.Message{}, canonical.FieldErr(
				fmt.Sprintf("%s.tool_calls[%d].function.name", path, i), "tool call name is required")
		}
		msg.Parts = append(msg.Parts, canonical.ToolCallPart(canonical.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}))
	}

	if len(msg.Parts) == 0 {
		msg.Parts = append(msg.Parts, canonical.TextPart(""))
	}
	return msg, nil
}

// decodeOpenAIContent accepts the string form and the typed-parts array form.
func decodeOpenAIContent(raw json.RawMessage, path string) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", canonical.FieldErr(path, "content must be a string or an array of content parts")
	}
	var out string
	for i, p := range parts {
		if p.Type != "text" {
			return "", canonical.FieldErr(fmt.Sprintf("%s[%d].type", path, i), "unsupported content part type %q", p.Type)
		}
		out += p.Text
	}
	return out, nil
}

// decodeStopField accepts a single string or an array of strings.
func decodeStopField(raw json.RawMessage, path string) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, canonical.FieldErr(path, "stop must be a string or an array of strings")
	}
	return many, nil
}

func (a *OpenAIChatAdapter) EncodeResponse(req *canonical.Request, chunks []canonical.Chunk, usage canonical.UsageRecord) ([]byte, error) {
	text, calls, finish, gerr := aggregate(chunks)
	if gerr != nil {
		return a.EncodeError(gerr), nil
	}

	message := map[string]any{"role": "assistant", "content": text}
	if len(calls) > 0 {
		var wire []map[string]any
		for _, tc := range calls {
			wire = append(wire, map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			})
		}
		message["tool_calls"] = wire
	}

	return json.Marshal(map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": mapFinishReason(openAIFinishReasons, finish),
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

func (a *OpenAIChatAdapter) EncodeChunk(chunk canonical.Chunk, st *StreamState) ([]byte, error) {
	if st.ID == "" {
		st.ID = "chatcmpl-" + uuid.NewString()
		st.Created = time.Now().Unix()
	}

	switch chunk.Kind {
	case canonical.ChunkTextDelta:
		delta := map[string]any{"content": chunk.Text}
		if !st.headerSent {
			delta["role"] = "assistant"
			st.headerSent = true
		}
		return a.frame(st, delta, nil, nil), nil

	case canonical.ChunkToolCallDelta:
		function := map[string]any{"arguments": chunk.ToolCall.Arguments}
		if chunk.ToolCall.Name != "" {
			function["name"] = chunk.ToolCall.Name
		}
		call := map[string]any{
			"index":    chunk.ToolCall.Index,
			"function": function,
		}
		if chunk.ToolCall.ID != "" {
			call["id"] = chunk.ToolCall.ID
			call["type"] = "function"
		}
		delta := map[string]any{"tool_calls": []any{call}}
		if !st.headerSent {
			delta["role"] = "assistant"
			st.headerSent = true
		}
		return a.frame(st, delta, nil, nil), nil

	case canonical.ChunkUsageUpdate:
		// Nothing on the wire: usage rides on the trailing frame after
		// finish. The caller keeps st.Usage current from the collector.
		return nil, nil

	case canonical.ChunkFinish:
		reason := mapFinishReason(openAIFinishReasons, chunk.Finish)
		out := a.frame(st, map[string]any{}, &reason, nil)
		usage := map[string]any{
			"prompt_tokens":     st.Usage.PromptTokens,
			"completion_tokens": st.Usage.CompletionTokens,
			"total_tokens":      st.Usage.TotalTokens,
		}
		out = append(out, a.usageFrame(st, usage)...)
		st.terminalSent = true
		return out, nil

	case canonical.ChunkError:
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{
				"type":    string(chunk.Err.Kind),
				"message": chunk.Err.Message,
			},
		})
		st.terminalSent = true
		return []byte(fmt.Sprintf("data: %s\n\n", payload)), nil
	}

	return nil, nil
}

func (a *OpenAIChatAdapter) EncodeTerminator(_ *StreamState) []byte {
	return []byte("data: [DONE]\n\n")
}

func (a *OpenAIChatAdapter) EncodeError(gerr *canonical.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    string(gerr.Kind),
			"message": gerr.Error(),
		},
	})
	return body
}

func (a *OpenAIChatAdapter) frame(st *StreamState, delta map[string]any, finish *string, usage map[string]any) []byte {
	chunk := map[string]any{
		"id":      st.ID,
		"object":  "chat.completion.chunk",
		"created": st.Created,
		"model":   st.Model,
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	if usage != nil {
		chunk["usage"] = usage
	}
	payload, _ := json.Marshal(chunk)
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}

// usageFrame is the trailing chunk carrying only usage, with empty choices.
func (a *OpenAIChatAdapter) usageFrame(st *StreamState, usage map[string]any) []byte {
	payload, _ := json.Marshal(map[string]any{
		"id":      st.ID,
		"object":  "chat.completion.chunk",
		"created": st.Created,
		"model":   st.Model,
		"choices": []any{},
		"usage":   usage,
	})
	return []byte(fmt.Sprintf("data: %s\n\n", payload))
}
