package target

import (
	"encoding/json"
	"net/http"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/usage"
)

const (
	anthropicVersion = "2023-06-01"

	// The wire requires max_tokens; requests arriving without one get
	// this ceiling.
	anthropicDefaultMaxTokens = 1024
)

// AnthropicTarget speaks to Anthropic messages upstreams. Parameter rules:
// temperature is clamped from the canonical [0,2] range into Anthropic's
// [0,1]; max_tokens is mandatory and defaulted when the client sent none;
// system messages are hoisted into the top-level system field.
type AnthropicTarget struct{}

func NewAnthropicTarget() *AnthropicTarget { return &AnthropicTarget{} }

func (t *AnthropicTarget) Variant() canonical.ProtocolVariant { return canonical.AnthropicMessages }

func (t *AnthropicTarget) Path() string { return "/messages" }

func (t *AnthropicTarget) ApplyAuth(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
}

// Usage arrives incrementally: input_tokens on message_start, cumulative
// output_tokens on message_delta. The decoder converts to deltas.
func (t *AnthropicTarget) UsageMode() usage.Mode { return usage.ModeDelta }

func (t *AnthropicTarget) EncodeRequest(req *canonical.Request) ([]byte, error) {
	out := map[string]any{
		"model": req.Model,
	}

	var system string
	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == canonical.RoleSystem {
			system += m.Text()
			continue
		}
		msg, err := encodeAnthropicMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if system != "" {
		out["system"] = system
	}
	out["messages"] = messages

	maxTokens := anthropicDefaultMaxTokens
	if req.Params.MaxTokens != nil {
		maxTokens = *req.Params.MaxTokens
	}
	out["max_tokens"] = maxTokens

	if req.Params.Temperature != nil {
		temp := *req.Params.Temperature
		if temp > 1 {
			temp = 1
		}
		out["temperature"] = temp
	}
	if req.Params.TopP != nil {
		out["top_p"] = *req.Params.TopP
	}
	if len(req.Params.Stop) > 0 {
		out["stop_sequences"] = req.Params.Stop
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, td := range req.Tools {
			tool := map[string]any{
				"name":        td.Name,
				"description": td.Description,
			}
			if len(td.Parameters) > 0 {
				tool["input_schema"] = td.Parameters
			} else {
				tool["input_schema"] = map[string]any{"type": "object"}
			}
			tools = append(tools, tool)
		}
		out["tools"] = tools
	}
	if req.Stream {
		out["stream"] = true
	}

	return json.Marshal(out)
}

func encodeAnthropicMessage(m canonical.Message) (map[string]any, error) {
	role := string(m.Role)
	if m.Role == canonical.RoleTool {
		// This wire carries tool results as user-role blocks.
		role = "user"
	}

	var blocks []map[string]any
	for _, p := range m.Parts {
		switch p.Type {
		case canonical.PartText:
			if p.Text != "" {
				blocks = append(blocks, map[string]any{"type": "text", "text": p.Text})
			}
		case canonical.PartToolCall:
			input := json.RawMessage(p.ToolCall.Arguments)
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    p.ToolCall.ID,
				"name":  p.ToolCall.Name,
				"input": input,
			})
		case canonical.PartToolResult:
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResult.ToolCallID,
				"content":     p.ToolResult.Content,
			}
			if p.ToolResult.IsError {
				block["is_error"] = true
			}
			blocks = append(blocks, block)
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, map[string]any{"type": "text", "text": ""})
	}

	return map[string]any{"role": role, "content": blocks}, nil
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicWireResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string              `json:"stop_reason"`
	Usage      *anthropicWireUsage `json:"usage"`
}

func (t *AnthropicTarget) DecodeResponse(body []byte) ([]canonical.Chunk, error) {
	var wire anthropicWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrUpstreamProtocolViolation, "invalid upstream JSON: %v", err)
	}

	var chunks []canonical.Chunk
	toolIdx := 0
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				chunks = append(chunks, canonical.TextDeltaChunk(block.Text))
			}
		case "tool_use":
			chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
				Index:     toolIdx,
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			}))
			toolIdx++
		}
	}
	if wire.Usage != nil {
		chunks = append(chunks, canonical.UsageChunk(canonical.UsageUpdate{
			PromptTokens:     canonical.IntPtr(wire.Usage.InputTokens),
			CompletionTokens: canonical.IntPtr(wire.Usage.OutputTokens),
		}))
	}
	chunks = append(chunks, canonical.FinishChunk(anthropicStopToCanonical(wire.StopReason)))
	return chunks, nil
}

func anthropicStopToCanonical(reason string) canonical.FinishReason {
	switch reason {
	case "max_tokens":
		return canonical.FinishMaxTokens
	case "tool_use":
		return canonical.FinishToolUse
	default:
		return canonical.FinishStop
	}
}

func (t *AnthropicTarget) NewStreamDecoder() StreamDecoder {
	return &anthropicDecoder{blockTool: map[int]int{}}
}

// anthropicDecoder parses messages SSE events. Upstream output_tokens are
// cumulative; the decoder emits only the increment since the last report so
// the delta-mode collector can sum.
type anthropicDecoder struct {
	scanner sseScanner

	// blockTool maps upstream content block index to canonical tool index.
	blockTool  map[int]int
	toolCount  int
	finish     canonical.FinishReason
	lastOutput int
	done       bool
}

type anthropicWireEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage *anthropicWireUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicWireUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (d *anthropicDecoder) Feed(p []byte) []canonical.Chunk {
	if d.done {
		return nil
	}

	var chunks []canonical.Chunk
	for _, payload := range d.scanner.feed(p) {
		var ev anthropicWireEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			d.done = true
			return append(chunks, violation("undecodable upstream event: %v", err))
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				update := canonical.UsageUpdate{
					PromptTokens: canonical.IntPtr(ev.Message.Usage.InputTokens),
				}
				// output_tokens here is the first cumulative report;
				// it must count toward the summed completion total.
				if out := ev.Message.Usage.OutputTokens; out > 0 {
					update.CompletionTokens = canonical.IntPtr(out)
				}
				chunks = append(chunks, canonical.UsageChunk(update))
				d.lastOutput = ev.Message.Usage.OutputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				d.blockTool[ev.Index] = d.toolCount
				chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
					Index: d.toolCount,
					ID:    ev.ContentBlock.ID,
					Name:  ev.ContentBlock.Name,
				}))
				d.toolCount++
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					chunks = append(chunks, canonical.TextDeltaChunk(ev.Delta.Text))
				}
			case "input_json_delta":
				toolIdx, ok := d.blockTool[ev.Index]
				if !ok {
					d.done = true
					return append(chunks, violation("input_json_delta for unopened block %d", ev.Index))
				}
				chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
					Index:     toolIdx,
					Arguments: ev.Delta.PartialJSON,
				}))
			}

		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				d.finish = anthropicStopToCanonical(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				increment := ev.Usage.OutputTokens - d.lastOutput
				d.lastOutput = ev.Usage.OutputTokens
				if increment > 0 {
					chunks = append(chunks, canonical.UsageChunk(canonical.UsageUpdate{
						CompletionTokens: canonical.IntPtr(increment),
					}))
				}
			}

		case "message_stop":
			finish := d.finish
			if finish == "" {
				finish = canonical.FinishStop
			}
			chunks = append(chunks, canonical.FinishChunk(finish))
			d.done = true
			return chunks

		case "error":
			msg := "upstream reported an error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			chunks = append(chunks, canonical.ErrorChunk(
				canonical.E(canonical.ErrUpstreamRejected, "%s", msg)))
			d.done = true
			return chunks

		case "ping", "content_block_stop":
			// No canonical effect.
		}
	}
	return chunks
}

func (d *anthropicDecoder) Close() []canonical.Chunk {
	if d.done {
		return nil
	}
	d.done = true
	return []canonical.Chunk{violation("upstream stream ended without message_stop")}
}
