package target

import (
	"encoding/json"
	"net/http"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/usage"
)

// OpenAIResponsesTarget speaks to OpenAI responses upstreams. System
// messages become top-level instructions; conversation turns become typed
// input items; tool traffic rides as function_call / function_call_output
// items.
type OpenAIResponsesTarget struct{}

func NewOpenAIResponsesTarget() *OpenAIResponsesTarget { return &OpenAIResponsesTarget{} }

func (t *OpenAIResponsesTarget) Variant() canonical.ProtocolVariant {
	return canonical.OpenAIResponses
}

func (t *OpenAIResponsesTarget) Path() string { return "/responses" }

func (t *OpenAIResponsesTarget) ApplyAuth(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// Usage arrives once, on response.completed.
func (t *OpenAIResponsesTarget) UsageMode() usage.Mode { return usage.ModeSnapshot }

func (t *OpenAIResponsesTarget) EncodeRequest(req *canonical.Request) ([]byte, error) {
	out := map[string]any{
		"model": req.Model,
	}

	var instructions string
	var input []map[string]any
	for _, m := range req.Messages {
		if m.Role == canonical.RoleSystem {
			instructions += m.Text()
			continue
		}
		input = append(input, encodeResponsesItems(m)...)
	}
	if instructions != "" {
		out["instructions"] = instructions
	}
	out["input"] = input

	if req.Params.Temperature != nil {
		out["temperature"] = *req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		out["max_output_tokens"] = *req.Params.MaxTokens
	}
	if req.Params.TopP != nil {
		out["top_p"] = *req.Params.TopP
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, td := range req.Tools {
			tools = append(tools, map[string]any{
				"type":        "function",
				"name":        td.Name,
				"description": td.Description,
				"parameters":  td.Parameters,
			})
		}
		out["tools"] = tools
	}
	if req.Stream {
		out["stream"] = true
	}

	return json.Marshal(out)
}

func encodeResponsesItems(m canonical.Message) []map[string]any {
	partType := "input_text"
	if m.Role == canonical.RoleAssistant {
		partType = "output_text"
	}

	var items []map[string]any
	var text string
	for _, p := range m.Parts {
		switch p.Type {
		case canonical.PartText:
			text += p.Text
		case canonical.PartToolCall:
			items = append(items, map[string]any{
				"type":      "function_call",
				"call_id":   p.ToolCall.ID,
				"name":      p.ToolCall.Name,
				"arguments": p.ToolCall.Arguments,
			})
		case canonical.PartToolResult:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": p.ToolResult.ToolCallID,
				"output":  p.ToolResult.Content,
			})
		}
	}

	if text != "" || len(items) == 0 {
		message := map[string]any{
			"type":    "message",
			"role":    string(m.Role),
			"content": []map[string]any{{"type": partType, "text": text}},
		}
		items = append([]map[string]any{message}, items...)
	}
	return items
}

type responsesWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u *responsesWireUsage) chunk() canonical.Chunk {
	return canonical.UsageChunk(canonical.UsageUpdate{
		PromptTokens:     canonical.IntPtr(u.InputTokens),
		CompletionTokens: canonical.IntPtr(u.OutputTokens),
		TotalTokens:      canonical.IntPtr(u.TotalTokens),
	})
}

type responsesWireOutputItem struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Args    string `json:"arguments"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type responsesWireResponse struct {
	Status string                    `json:"status"`
	Output []responsesWireOutputItem `json:"output"`
	Usage  *responsesWireUsage       `json:"usage"`
}

func (t *OpenAIResponsesTarget) DecodeResponse(body []byte) ([]canonical.Chunk, error) {
	var wire responsesWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrUpstreamProtocolViolation, "invalid upstream JSON: %v", err)
	}

	var chunks []canonical.Chunk
	toolIdx := 0
	for _, item := range wire.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" && part.Text != "" {
					chunks = append(chunks, canonical.TextDeltaChunk(part.Text))
				}
			}
		case "function_call":
			chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
				Index:     toolIdx,
				ID:        item.CallID,
				Name:      item.Name,
				Arguments: item.Args,
			}))
			toolIdx++
		}
	}
	if wire.Usage != nil {
		chunks = append(chunks, wire.Usage.chunk())
	}
	chunks = append(chunks, canonical.FinishChunk(responsesFinish(wire.Status, toolIdx > 0)))
	return chunks, nil
}

// responsesFinish derives a finish reason: this wire reports a response
// status rather than a stop reason.
func responsesFinish(status string, sawToolCalls bool) canonical.FinishReason {
	if status == "incomplete" {
		return canonical.FinishMaxTokens
	}
	if sawToolCalls {
		return canonical.FinishToolUse
	}
	return canonical.FinishStop
}

func (t *OpenAIResponsesTarget) NewStreamDecoder() StreamDecoder {
	return &responsesDecoder{itemTool: map[int]int{}}
}

type responsesDecoder struct {
	scanner sseScanner

	// itemTool maps upstream output_index to canonical tool index.
	itemTool  map[int]int
	toolCount int
	done      bool
}

type responsesWireEvent struct {
	Type        string `json:"type"`
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
	Item        *struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Name   string `json:"name"`
	} `json:"item"`
	Response *struct {
		Status string              `json:"status"`
		Usage  *responsesWireUsage `json:"usage"`
		Error  *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

func (d *responsesDecoder) Feed(p []byte) []canonical.Chunk {
	if d.done {
		return nil
	}

	var chunks []canonical.Chunk
	for _, payload := range d.scanner.feed(p) {
		var ev responsesWireEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			d.done = true
			return append(chunks, violation("undecodable upstream event: %v", err))
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				chunks = append(chunks, canonical.TextDeltaChunk(ev.Delta))
			}

		case "response.output_item.added":
			if ev.Item != nil && ev.Item.Type == "function_call" {
				d.itemTool[ev.OutputIndex] = d.toolCount
				chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
					Index: d.toolCount,
					ID:    ev.Item.CallID,
					Name:  ev.Item.Name,
				}))
				d.toolCount++
			}

		case "response.function_call_arguments.delta":
			toolIdx, ok := d.itemTool[ev.OutputIndex]
			if !ok {
				d.done = true
				return append(chunks, violation("arguments delta for unopened item %d", ev.OutputIndex))
			}
			if ev.Delta != "" {
				chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
					Index:     toolIdx,
					Arguments: ev.Delta,
				}))
			}

		case "response.completed", "response.incomplete":
			status := "completed"
			if ev.Response != nil {
				if ev.Response.Usage != nil {
					chunks = append(chunks, ev.Response.Usage.chunk())
				}
				if ev.Response.Status != "" {
					status = ev.Response.Status
				}
			}
			if ev.Type == "response.incomplete" {
				status = "incomplete"
			}
			chunks = append(chunks, canonical.FinishChunk(responsesFinish(status, d.toolCount > 0)))
			d.done = true
			return chunks

		case "response.failed":
			msg := "upstream response failed"
			if ev.Response != nil && ev.Response.Error != nil {
				msg = ev.Response.Error.Message
			}
			chunks = append(chunks, canonical.ErrorChunk(
				canonical.E(canonical.ErrUpstreamRejected, "%s", msg)))
			d.done = true
			return chunks
		}
	}
	return chunks
}

func (d *responsesDecoder) Close() []canonical.Chunk {
	if d.done {
		return nil
	}
	d.done = true
	return []canonical.Chunk{violation("upstream stream ended without response.completed")}
}
