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

func TestAnthropic_DecodeRequest(t *testing.T) {
	adapter := NewAnthropicAdapter()

	body := `{
		"model": "claude-sonnet-4",
		"max_tokens": 1024,
		"system": "be terse",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "toolu_1", "name": "get_time", "input": {"tz": "UTC"}}
			]},
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "12:00"}
			]}
		],
		"stop_sequences": ["END"],
		"stream": true,
		"tools": [{"name": "get_time", "input_schema": {"type": "object"}}]
	}`

	req, err := adapter.DecodeRequest([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4", req.Model)
	assert.True(t, req.Stream)
	require.NotNil(t, req.Params.MaxTokens)
	assert.Equal(t, 1024, *req.Params.MaxTokens)
	assert.Equal(t, []string{"END"}, req.Params.Stop)

	// The system string becomes a leading system message.
	require.Len(t, req.Messages, 4)
	assert.Equal(t, canonical.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "be terse", req.Messages[0].Text())

	assert.Equal(t, "hi", req.Messages[1].Text())

	require.Len(t, req.Messages[2].Parts, 2)
	assert.Equal(t, canonical.PartText, req.Messages[2].Parts[0].Type)
	assert.Equal(t, canonical.PartToolCall, req.Messages[2].Parts[1].Type)
	assert.Equal(t, "toolu_1", req.Messages[2].Parts[1].ToolCall.ID)
	assert.JSONEq(t, `{"tz":"UTC"}`, req.Messages[2].Parts[1].ToolCall.Arguments)

	require.Len(t, req.Messages[3].Parts, 1)
	assert.Equal(t, "12:00", req.Messages[3].Parts[0].ToolResult.Content)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "get_time", req.Tools[0].Name)
}

func TestAnthropic_DecodeRequest_FieldPaths(t *testing.T) {
	adapter := NewAnthropicAdapter()

	tests := []struct {
		name string
		body string
		path string
	}{
		{"missing max_tokens", `{"model":"m","messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
		{"system role in messages", `{"model":"m","max_tokens":1,"messages":[{"role":"system","content":"hi"}]}`, "messages[0].role"},
		{"bad block type", `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"image"}]}]}`, "messages[0].content[0].type"},
		{"tool_result without id", `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[{"type":"tool_result","content":"x"}]}]}`, "messages[0].content[0].tool_use_id"},
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

func TestAnthropic_StreamFraming(t *testing.T) {
	adapter := NewAnthropicAdapter()
	st := &StreamState{Model: "claude-sonnet-4"}
	st.Usage = canonical.UsageRecord{PromptTokens: 7, CompletionTokens: 4, TotalTokens: 11}

	var wire []byte
	for _, chunk := range []canonical.Chunk{
		canonical.TextDeltaChunk("Hel"),
		canonical.TextDeltaChunk("lo"),
		canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{Index: 0, ID: "toolu_1", Name: "get_time"}),
		canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{Index: 0, Arguments: `{"tz":`}),
		canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{Index: 0, Arguments: `"UTC"}`}),
		canonical.FinishChunk(canonical.FinishToolUse),
	} {
		out, err := adapter.EncodeChunk(chunk, st)
		require.NoError(t, err)
		wire = append(wire, out...)
	}
	assert.Nil(t, adapter.EncodeTerminator(st))

	events := parseEventNames(t, string(wire))
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text block
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"content_block_start", // tool_use block
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, events)

	// message_delta carries the stop reason and output tokens.
	delta := eventPayload(t, string(wire), "message_delta")
	assert.Equal(t, "tool_use", delta["delta"].(map[string]any)["stop_reason"])
	assert.Equal(t, float64(4), delta["usage"].(map[string]any)["output_tokens"])
}

func TestAnthropic_StreamError(t *testing.T) {
	adapter := NewAnthropicAdapter()
	st := &StreamState{Model: "claude-sonnet-4"}

	_, err := adapter.EncodeChunk(canonical.TextDeltaChunk("hi"), st)
	require.NoError(t, err)

	out, err := adapter.EncodeChunk(canonical.ErrorChunk(
		canonical.E(canonical.ErrUpstreamProtocolViolation, "truncated upstream frame")), st)
	require.NoError(t, err)

	events := parseEventNames(t, string(out))
	assert.Equal(t, []string{"content_block_stop", "error"}, events)
	assert.True(t, st.terminalSent)
}

func TestAnthropic_EncodeResponse(t *testing.T) {
	adapter := NewAnthropicAdapter()
	req := &canonical.Request{Model: "claude-sonnet-4"}
	chunks := []canonical.Chunk{
		canonical.TextDeltaChunk("Hello"),
		canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{Index: 0, ID: "toolu_1", Name: "get_time"}),
		canonical.ToolCallDeltaChunk(canonical.ToolCallDelta{Index: 0, Arguments: `{"tz":"UTC"}`}),
		canonical.FinishChunk(canonical.FinishToolUse),
	}
	usage := canonical.UsageRecord{PromptTokens: 10, CompletionTokens: 6, TotalTokens: 16}

	body, err := adapter.EncodeResponse(req, chunks, usage)
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "tool_use", resp["stop_reason"])

	content := resp["content"].([]any)
	require.Len(t, content, 2)
	assert.Equal(t, "Hello", content[0].(map[string]any)["text"])

	toolUse := content[1].(map[string]any)
	assert.Equal(t, "tool_use", toolUse["type"])
	assert.Equal(t, "get_time", toolUse["name"])
	assert.Equal(t, map[string]any{"tz": "UTC"}, toolUse["input"])

	assert.Equal(t, float64(10), resp["usage"].(map[string]any)["input_tokens"])
}

func parseEventNames(t *testing.T, wire string) []string {
	t.Helper()
	var names []string
	for _, line := range strings.Split(wire, "\n") {
		if strings.HasPrefix(line, "event: ") {
			names = append(names, strings.TrimPrefix(line, "event: "))
		}
	}
	return names
}

// eventPayload returns the decoded data payload of the first event with the
// given name.
func eventPayload(t *testing.T, wire, name string) map[string]any {
	t.Helper()
	lines := strings.Split(wire, "\n")
	for i, line := range lines {
		if line == "event: "+name && i+1 < len(lines) {
			return decodeFrame(t, strings.TrimPrefix(lines[i+1], "data: "))
		}
	}
	t.Fatalf("event %q not found", name)
	return nil
}
