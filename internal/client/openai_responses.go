package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/babelgate/babelgate/internal/canonical"
)

// OpenAIResponsesAdapter speaks the OpenAI responses wire format. Streaming
// frames are event-tagged SSE (response.created, response.output_text.delta,
// response.completed); there is no [DONE] sentinel.
type OpenAIResponsesAdapter struct{}

func NewOpenAIResponsesAdapter() *OpenAIResponsesAdapter { return &OpenAIResponsesAdapter{} }

func (a *OpenAIResponsesAdapter) Variant() canonical.ProtocolVariant {
	return canonical.OpenAIResponses
}

type responsesWireRequest struct {
	Model           string              `json:"model"`
	Input           json.RawMessage     `json:"input,omitempty"`
	Instructions    string              `json:"instructions,omitempty"`
	Temperature     *float64            `json:"temperature,omitempty"`
	MaxOutputTokens *int                `json:"max_output_tokens,omitempty"`
	TopP            *float64            `json:"top_p,omitempty"`
	Stream          bool                `json:"stream,omitempty"`
	Tools           []responsesWireTool `json:"tools,omitempty"`
}

type responsesWireTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type responsesWireItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (a *OpenAIResponsesAdapter) DecodeRequest(body []byte) (*canonical.Request, error) {
	var wire responsesWireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrMalformedRequest, "invalid JSON: %v", err)
	}
	if wire.Model == "" {
		return nil, canonical.FieldErr("model", "model is required")
	}
	if len(wire.Input) == 0 && wire.Instructions == "" {
		return nil, canonical.FieldErr("input", "input is required")
	}

	req := &canonical.Request{
		RequestID: uuid.NewString(),
		Model:     wire.Model,
		Stream:    wire.Stream,
		Params: canonical.Params{
			Temperature: wire.Temperature,
			MaxTokens:   wire.MaxOutputTokens,
			TopP:        wire.TopP,
		},
	}

	if wire.Instructions != "" {
		req.Messages = append(req.Messages, canonical.Message{
			Role:  canonical.RoleSystem,
			Parts: []canonical.ContentPart{canonical.TextPart(wire.Instructions)},
		})
	}

	msgs, err := decodeResponsesInput(wire.Input)
	if err != nil {
		return nil, err
	}
	req.Messages = append(req.Messages, msgs...)
	if len(req.Messages) == 0 {
		return nil, canonical.FieldErr("input", "input produced no messages")
	}

	for i, t := range wire.Tools {
		if t.Type != "function" {
			return nil, canonical.FieldErr(fmt.Sprintf("tools[%d].type", i), "unsupported tool type %q", t.Type)
		}
		if t.Name == "" {
			return nil, canonical.FieldErr(fmt.Sprintf("tools[%d].name", i), "tool name is required")
		}
		req.Tools = append(req.Tools, canonical.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	return req, nil
}

// decodeResponsesInput accepts the plain string form (one user message) and
// the item-array form.
func decodeResponsesInput(raw json.RawMessage) ([]canonical.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []canonical.Message{{
			Role:  canonical.RoleUser,
			Parts: []canonical.ContentPart{canonical.TextPart(text)},
		}}, nil
	}

	var items []responsesWireItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, canonical.FieldErr("input", "input must be a string or an array of items")
	}

	var msgs []canonical.Message
	for i, item := range items {
		path := fmt.Sprintf("input[%d]", i)
		if item.Type != "" && item.Type != "message" {
			return nil, canonical.FieldErr(path+".type", "unsupported input item type %q", item.Type)
		}
		role, err := canonical.ParseRole(item.Role)
		if err != nil {
			return nil, canonical.FieldErr(path+".role", "%v", err)
		}
		text, err := decodeResponsesContent(item.Content, path+".content")
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, canonical.Message{
			Role:  role,
			Parts: []canonical.ContentPart{canonical.TextPart(text)},
		})
	}
	return msgs, nil
}

func decodeResponsesContent(raw json.RawMessage, path string) (string, error) {
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
		return "", canonical.FieldErr(path, "content must be a string or an array of typed parts")
	}
	var out string
	for i, p := range parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			out += p.Text
		default:
			return "", canonical.FieldErr(fmt.Sprintf("%s[%d].type", path, i), "unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

func (a *OpenAIResponsesAdapter) EncodeResponse(req *canonical.Request, chunks []canonical.Chunk, usage canonical.UsageRecord) ([]byte, error) {
	text, calls, finish, gerr := aggregate(chunks)
	if gerr != nil {
		return a.EncodeError(gerr), nil
	}

	output := []map[string]any{{
		"type":   "message",
		"id":     "msg_" + uuid.NewString(),
		"role":   "assistant",
		"status": "completed",
		"content": []map[string]any{{
			"type": "output_text",
			"text": text,
		}},
	}}
	for _, tc := range calls {
		output = append(output, map[string]any{
			"type":      "function_call",
			"id":        "fc_" + uuid.NewString(),
			"call_id":   tc.ID,
			"name":      tc.Name,
			"arguments": tc.Arguments,
			"status":    "completed",
		})
	}

	status := "completed"
	if finish == canonical.FinishMaxTokens {
		status = "incomplete"
	}

	return json.Marshal(map[string]any{
		"id":         "resp_" + uuid.NewString(),
		"object":     "response",
		"created_at": time.Now().Unix(),
		"model":      req.Model,
		"status":     status,
		"output":     output,
		"usage": map[string]any{
			"input_tokens":  usage.PromptTokens,
			"output_tokens": usage.CompletionTokens,
			"total_tokens":  usage.TotalTokens,
		},
	})
}

func (a *OpenAIResponsesAdapter) EncodeChunk(chunk canonical.Chunk, st *StreamState) ([]byte, error) {
	var out []byte
	if !st.headerSent && chunk.Kind != canonical.ChunkError {
		st.ID = "resp_" + uuid.NewString()
		st.Created = time.Now().Unix()
		out = append(out, a.event(st, "response.created", map[string]any{
			"type":     "response.created",
			"response": a.responseObject(st, "in_progress", nil),
		})...)
		st.headerSent = true
	}

	switch chunk.Kind {
	case canonical.ChunkTextDelta:
		out = append(out, a.event(st, "response.output_text.delta", map[string]any{
			"type":         "response.output_text.delta",
			"output_index": 0,
			"delta":        chunk.Text,
		})...)

	case canonical.ChunkToolCallDelta:
		if chunk.ToolCall.Name != "" {
			out = append(out, a.event(st, "response.output_item.added", map[string]any{
				"type":         "response.output_item.added",
				"output_index": chunk.ToolCall.Index + 1,
				"item": map[string]any{
					"type":    "function_call",
					"call_id": chunk.ToolCall.ID,
					"name":    chunk.ToolCall.Name,
				},
			})...)
		}
		if chunk.ToolCall.Arguments != "" {
			out = append(out, a.event(st, "response.function_call_arguments.delta", map[string]any{
				"type":         "response.function_call_arguments.delta",
				"output_index": chunk.ToolCall.Index + 1,
				"delta":        chunk.ToolCall.Arguments,
			})...)
		}

	case canonical.ChunkUsageUpdate:
		// Usage rides on the response.completed frame.

	case canonical.ChunkFinish:
		status := "completed"
		if chunk.Finish == canonical.FinishMaxTokens {
			status = "incomplete"
		}
		usage := map[string]any{
			"input_tokens":  st.Usage.PromptTokens,
			"output_tokens": st.Usage.CompletionTokens,
			"total_tokens":  st.Usage.TotalTokens,
		}
		out = append(out, a.event(st, "response.completed", map[string]any{
			"type":     "response.completed",
			"response": a.responseObject(st, status, usage),
		})...)
		st.terminalSent = true

	case canonical.ChunkError:
		out = append(out, a.event(st, "response.failed", map[string]any{
			"type": "response.failed",
			"response": map[string]any{
				"id":     st.ID,
				"object": "response",
				"status": "failed",
				"error": map[string]any{
					"code":    string(chunk.Err.Kind),
					"message": chunk.Err.Message,
				},
			},
		})...)
		st.terminalSent = true
	}

	return out, nil
}

func (a *OpenAIResponsesAdapter) EncodeTerminator(_ *StreamState) []byte {
	// response.completed / response.failed close the stream.
	return nil
}

func (a *OpenAIResponsesAdapter) EncodeError(gerr *canonical.Error) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"code":    string(gerr.Kind),
			"message": gerr.Error(),
		},
	})
	return body
}

func (a *OpenAIResponsesAdapter) responseObject(st *StreamState, status string, usage map[string]any) map[string]any {
	obj := map[string]any{
		"id":         st.ID,
		"object":     "response",
		"created_at": st.Created,
		"model":      st.Model,
		"status":     status,
	}
	if usage != nil {
		obj["usage"] = usage
	}
	return obj
}

// event frames an SSE event with the monotonically increasing sequence
// number the responses protocol carries.
func (a *OpenAIResponsesAdapter) event(st *StreamState, event string, data map[string]any) []byte {
	data["sequence_number"] = st.sequence
	st.sequence++
	payload, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload))
}
