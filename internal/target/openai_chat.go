package target

import (
	"encoding/json"
	"net/http"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/usage"
)

// OpenAIChatTarget speaks to OpenAI-compatible chat/completions upstreams.
// Temperature passes through unchanged: the canonical range and OpenAI's
// both run [0,2].
type OpenAIChatTarget struct{}

func NewOpenAIChatTarget() *OpenAIChatTarget { return &OpenAIChatTarget{} }

func (t *OpenAIChatTarget) Variant() canonical.ProtocolVariant { return canonical.OpenAIChat }

func (t *OpenAIChatTarget) Path() string { return "/chat/completions" }

func (t *OpenAIChatTarget) ApplyAuth(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

// Usage arrives as one complete snapshot on the trailing stream frame.
func (t *OpenAIChatTarget) UsageMode() usage.Mode { return usage.ModeSnapshot }

func (t *OpenAIChatTarget) EncodeRequest(req *canonical.Request) ([]byte, error) {
	out := map[string]any{
		"model": req.Model,
	}

	var messages []map[string]any
	for _, m := range req.Messages {
		messages = append(messages, encodeOpenAIChatMessages(m)...)
	}
	out["messages"] = messages

	if req.Params.Temperature != nil {
		out["temperature"] = *req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		out["max_tokens"] = *req.Params.MaxTokens
	}
	if req.Params.TopP != nil {
		out["top_p"] = *req.Params.TopP
	}
	if len(req.Params.Stop) > 0 {
		out["stop"] = req.Params.Stop
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, td := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        td.Name,
					"description": td.Description,
					"parameters":  td.Parameters,
				},
			})
		}
		out["tools"] = tools
	}
	if req.Stream {
		out["stream"] = true
		out["stream_options"] = map[string]any{"include_usage": true}
	}

	return json.Marshal(out)
}

// encodeOpenAIChatMessages flattens one canonical message into OpenAI wire
// messages. Tool results cannot share a message with other parts on this
// wire, so each becomes its own `tool` role message.
func encodeOpenAIChatMessages(m canonical.Message) []map[string]any {
	var out []map[string]any

	main := map[string]any{"role": string(m.Role)}
	var text string
	var calls []map[string]any

	for _, p := range m.Parts {
		switch p.Type {
		case canonical.PartText:
			text += p.Text
		case canonical.PartToolCall:
			calls = append(calls, map[string]any{
				"id":   p.ToolCall.ID,
				"type": "function",
				"function": map[string]any{
					"name":      p.ToolCall.Name,
					"arguments": p.ToolCall.Arguments,
				},
			})
		case canonical.PartToolResult:
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": p.ToolResult.ToolCallID,
				"content":      p.ToolResult.Content,
			})
		}
	}

	if text != "" || len(calls) == 0 && len(out) == 0 {
		main["content"] = text
	}
	if len(calls) > 0 {
		main["tool_calls"] = calls
	}
	if _, hasContent := main["content"]; hasContent || len(calls) > 0 {
		out = append([]map[string]any{main}, out...)
	}
	return out
}

type openAIChatWireResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIWireUsage `json:"usage"`
}

type openAIWireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *openAIWireUsage) chunk() canonical.Chunk {
	return canonical.UsageChunk(canonical.UsageUpdate{
		PromptTokens:     canonical.IntPtr(u.PromptTokens),
		CompletionTokens: canonical.IntPtr(u.CompletionTokens),
		TotalTokens:      canonical.IntPtr(u.TotalTokens),
	})
}

func (t *OpenAIChatTarget) DecodeResponse(body []byte) ([]canonical.Chunk, error) {
	var wire openAIChatWireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, canonical.E(canonical.ErrUpstreamProtocolViolation, "invalid upstream JSON: %v", err)
	}
	if len(wire.Choices) == 0 {
		return nil, canonical.E(canonical.ErrUpstreamProtocolViolation, "upstream response has no choices")
	}

	var chunks []canonical.Chunk
	choice := wire.Choices[0]
	if choice.Message.Content != "" {
		chunks = append(chunks, canonical.TextDeltaChunk(choice.Message.Content))
	}
	for i, tc := range choice.Message.ToolCalls {
		chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
			Index:     i,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}))
	}
	if wire.Usage != nil {
		chunks = append(chunks, wire.Usage.chunk())
	}
	chunks = append(chunks, canonical.FinishChunk(openAIFinishToCanonical(choice.FinishReason)))
	return chunks, nil
}

func openAIFinishToCanonical(reason string) canonical.FinishReason {
	switch reason {
	case "length":
		return canonical.FinishMaxTokens
	case "tool_calls", "function_call":
		return canonical.FinishToolUse
	case "content_filter":
		return canonical.FinishContentFilter
	default:
		return canonical.FinishStop
	}
}

func (t *OpenAIChatTarget) NewStreamDecoder() StreamDecoder {
	return &openAIChatDecoder{}
}

// openAIChatDecoder parses chat/completions SSE frames. The finish chunk is
// withheld until the [DONE] sentinel so the trailing usage-only frame still
// lands before the terminal chunk.
type openAIChatDecoder struct {
	scanner sseScanner
	finish  canonical.FinishReason
	sawBody bool
	done    bool
}

type openAIChatWireFrame struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIWireUsage `json:"usage"`
}

func (d *openAIChatDecoder) Feed(p []byte) []canonical.Chunk {
	if d.done {
		return nil
	}

	var chunks []canonical.Chunk
	for _, payload := range d.scanner.feed(p) {
		if payload == "[DONE]" {
			finish := d.finish
			if !d.sawBody {
				finish = canonical.FinishStop
			}
			chunks = append(chunks, canonical.FinishChunk(finish))
			d.done = true
			return chunks
		}

		var frame openAIChatWireFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			d.done = true
			return append(chunks, violation("undecodable upstream frame: %v", err))
		}

		if frame.Usage != nil {
			chunks = append(chunks, frame.Usage.chunk())
		}
		if len(frame.Choices) == 0 {
			continue
		}
		choice := frame.Choices[0]

		if choice.Delta.Content != "" {
			chunks = append(chunks, canonical.TextDeltaChunk(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			chunks = append(chunks, canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{
				Index:     tc.Index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}))
		}
		if choice.FinishReason != nil {
			d.finish = openAIFinishToCanonical(*choice.FinishReason)
			d.sawBody = true
		}
	}
	return chunks
}

func (d *openAIChatDecoder) Close() []canonical.Chunk {
	if d.done {
		return nil
	}
	d.done = true
	return []canonical.Chunk{violation("upstream stream ended without [DONE]")}
}
