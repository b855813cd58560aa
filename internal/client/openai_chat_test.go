package client

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelgate/babelgate/internal/canonical"
)

func TestOpenAIChat_DecodeRequest(t *testing.T) {
	adapter := NewOpenAIChatAdapter()

	body := `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "user", "content": [{"type": "text", "text": "hi"}]},
			{"role": "assistant", "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_time", "arguments": "{}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "12:00"}
		],
		"temperature": 0.5,
		"max_tokens": 128,
		"stop": ["END"],
		"stream": true,
		"tools": [{"type": "function", "function": {"name": "get_time", "parameters": {"type": "object"}}}]
	}`

	req, err := adapter.DecodeRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", req.Model)
	assert.True(t, req.Stream)
	assert.NotEmpty(t, req.RequestID)
	require.Len(t, req.Messages, 4)

	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Text())
	assert.Equal(t, "hi", req.Messages[1].Text())

	require.Len(t, req.Messages[2].Parts, 1)
	assert.Equal(t, canonical.PartToolCall, req.Messages[2].Parts[0].Type)
	assert.Equal(t, "get_time", req.Messages[2].Parts[0].ToolCall.Name)

	require.Len(t, req.Messages[3].Parts, 1)
	assert.Equal(t, canonical.PartToolResult, req.Messages[3].Parts[0].Type)
	assert.Equal(t, "call_1", req.Messages[3].Parts[0].ToolResult.ToolCallID)

	require.NotNil(t, req.Params.Temperature)
	assert.Equal(t, 0.5, *req.Params.Temperature)
	require.NotNil(t, req.Params.MaxTokens)
	assert.Equal(t, 128, *req.Params.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Params.Stop)
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_time", req.Tools[0].Name)
}

func TestOpenAIChat_DecodeRequest_FieldPaths(t *testing.T) {
	adapter := NewOpenAIChatAdapter()

	tests := []struct {
		name string
		body string
		path string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"m","messages":[]}`, "messages"},
		{"unknown role", `{"model":"m","messages":[{"role":"robot","content":"hi"}]}`, "messages[0].role"},
		{"bad content", `{"model":"m","messages":[{"role":"user","content":42}]}`, "messages[0].content"},
		{"tool without call id", `{"model":"m","messages":[{"role":"tool","content":"x"}]}`, "messages[0].tool_call_id"},
		{"bad stop", `{"model":"m","messages":[{"role":"user","content":"hi"}],"stop":5}`, "stop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := adapter.DecodeRequest([]byte(tt.body))
			require.Error(t, err)

			var ce *canonical.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, canonical.ErrMalformedRequest, ce.Kind)
			assert.Equal(t, tt.path, ce.FieldPath)
		})
	}
}

func TestOpenAIChat_StreamFraming(t *testing.T) {
	adapter := NewOpenAIChatAdapter()
	st := &StreamState{Model: "gpt-4o"}
	st.Usage = canonical.UsageRecord{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}

	var wire []byte
	for _, chunk := range []canonical.Chunk{
		canonical.TextDeltaChunk("Hel"),
		canonical.TextDeltaChunk("lo"),
		canonical.FinishChunk(canonical.FinishStop),
	} {
		out, err := adapter.EncodeChunk(chunk, st)
		require.NoError(t, err)
		wire = append(wire, out...)
	}
	wire = append(wire, adapter.EncodeTerminator(st)...)

	frames := parseDataFrames(t, string(wire))
	require.Len(t, frames, 4) // two deltas, finish, trailing usage

	first := decodeFrame(t, frames[0])
	choices := first["choices"].([]any)
	delta := choices[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "assistant", delta["role"])
	assert.Equal(t, "Hel", delta["content"])

	finish := decodeFrame(t, frames[2])
	assert.Equal(t, "stop", finish["choices"].([]any)[0].(map[string]any)["finish_reason"])

	usageFrame := decodeFrame(t, frames[3])
	assert.Empty(t, usageFrame["choices"])
	usage := usageFrame["usage"].(map[string]any)
	assert.Equal(t, float64(5), usage["total_tokens"])

	assert.True(t, strings.HasSuffix(string(wire), "data: [DONE]\n\n"))
}

func TestOpenAIChat_MidStreamError(t *testing.T) {
	adapter := NewOpenAIChatAdapter()
	st := &StreamState{Model: "gpt-4o"}

	out, err := adapter.EncodeChunk(canonical.ErrorChunk(
		canonical.E(canonical.ErrUpstreamProtocolViolation, "bad upstream bytes")), st)
	require.NoError(t, err)

	frames := parseDataFrames(t, string(out))
	require.Len(t, frames, 1)
	payload := decodeFrame(t, frames[0])
	errObj := payload["error"].(map[string]any)
	assert.Equal(t, "upstream_protocol_violation", errObj["type"])
}

func TestOpenAIChat_EncodeResponse(t *testing.T) {
	adapter := NewOpenAIChatAdapter()
	req := &canonical.Request{Model: "gpt-4o"}
	chunks := []canonical.Chunk{
		canonical.TextDeltaChunk("Hello"),
		canonical.TextDeltaChunk(" world"),
		canonical.FinishChunk(canonical.FinishStop),
	}
	usage := canonical.UsageRecord{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	body, err := adapter.EncodeResponse(req, chunks, usage)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "chat.completion", resp["object"])

	choice := resp["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	assert.Equal(t, "Hello world", choice["message"].(map[string]any)["content"])
	assert.Equal(t, float64(15), resp["usage"].(map[string]any)["total_tokens"])
}

// parseDataFrames splits SSE output into its data payloads, ignoring the
// [DONE] sentinel.
func parseDataFrames(t *testing.T, wire string) []string {
	t.Helper()
	var frames []string
	for _, line := range strings.Split(wire, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			continue
		}
		frames = append(frames, payload)
	}
	return frames
}

func decodeFrame(t *testing.T, frame string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(frame), &m))
	return m
}
