package target

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelgate/babelgate/internal/canonical"
)

func TestOpenAIResponsesTarget_EncodeRequest(t *testing.T) {
	target := NewOpenAIResponsesTarget()
	maxTokens := 64

	req := &canonical.Request{
		Model: "gpt-4o",
		Messages: []canonical.Message{
			{Role: canonical.RoleSystem, Parts: []canonical.ContentPart{canonical.TextPart("be terse")}},
			{Role: canonical.RoleUser, Parts: []canonical.ContentPart{canonical.TextPart("hi")}},
			{Role: canonical.RoleAssistant, Parts: []canonical.ContentPart{
				canonical.TextPart("checking"),
				canonical.ToolCallPart(canonical.ToolCall{ID: "call_1", Name: "get_time", Arguments: "{}"}),
			}},
			{Role: canonical.RoleTool, Parts: []canonical.ContentPart{
				canonical.ToolResultPart(canonical.ToolResult{ToolCallID: "call_1", Content: "12:00"}),
			}},
		},
		Params: canonical.Params{MaxTokens: &maxTokens},
		Stream: true,
	}

	body, err := target.EncodeRequest(req)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(body, &wire))

	assert.Equal(t, "be terse", wire["instructions"])
	assert.Equal(t, float64(64), wire["max_output_tokens"])
	assert.Equal(t, true, wire["stream"])

	input := wire["input"].([]any)
	require.Len(t, input, 4)

	user := input[0].(map[string]any)
	assert.Equal(t, "user", user["role"])
	assert.Equal(t, "input_text", user["content"].([]any)[0].(map[string]any)["type"])

	assistant := input[1].(map[string]any)
	assert.Equal(t, "output_text", assistant["content"].([]any)[0].(map[string]any)["type"])

	call := input[2].(map[string]any)
	assert.Equal(t, "function_call", call["type"])
	assert.Equal(t, "get_time", call["name"])

	result := input[3].(map[string]any)
	assert.Equal(t, "function_call_output", result["type"])
	assert.Equal(t, "12:00", result["output"])
}

func TestOpenAIResponsesTarget_DecodeResponse(t *testing.T) {
	target := NewOpenAIResponsesTarget()

	body := `{
		"status": "completed",
		"output": [
			{"type": "message", "content": [{"type": "output_text", "text": "Hello"}]},
			{"type": "function_call", "call_id": "call_1", "name": "get_time", "arguments": "{}"}
		],
		"usage": {"input_tokens": 5, "output_tokens": 2, "total_tokens": 7}
	}`

	chunks, err := target.DecodeResponse([]byte(body))
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	assert.Equal(t, "Hello", chunks[0].Text)
	assert.Equal(t, "get_time", chunks[1].ToolCall.Name)
	assert.Equal(t, 7, *chunks[2].Usage.TotalTokens)
	assert.Equal(t, canonical.FinishToolUse, chunks[3].Finish)
}

func TestResponsesDecoder_Stream(t *testing.T) {
	d := NewOpenAIResponsesTarget().NewStreamDecoder()

	wire := "event: response.created\n" +
		"data: {\"type\":\"response.created\",\"sequence_number\":0,\"response\":{\"status\":\"in_progress\"}}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"sequence_number\":1,\"output_index\":0,\"delta\":\"Hel\"}\n\n" +
		"event: response.output_text.delta\n" +
		"data: {\"type\":\"response.output_text.delta\",\"sequence_number\":2,\"output_index\":0,\"delta\":\"lo\"}\n\n" +
		"event: response.completed\n" +
		"data: {\"type\":\"response.completed\",\"sequence_number\":3,\"response\":{\"status\":\"completed\",\"usage\":{\"input_tokens\":4,\"output_tokens\":2,\"total_tokens\":6}}}\n\n"

	var chunks []canonical.Chunk
	half := len(wire) / 2
	chunks = append(chunks, d.Feed([]byte(wire[:half]))...)
	chunks = append(chunks, d.Feed([]byte(wire[half:]))...)
	chunks = append(chunks, d.Close()...)

	require.Len(t, chunks, 4)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, 6, *chunks[2].Usage.TotalTokens)
	assert.Equal(t, canonical.FinishStop, chunks[3].Finish)
}

func TestResponsesDecoder_ToolCalls(t *testing.T) {
	d := NewOpenAIResponsesTarget().NewStreamDecoder()

	wire := "data: {\"type\":\"response.output_item.added\",\"output_index\":1,\"item\":{\"type\":\"function_call\",\"call_id\":\"call_1\",\"name\":\"get_time\"}}\n\n" +
		"data: {\"type\":\"response.function_call_arguments.delta\",\"output_index\":1,\"delta\":\"{\\\"tz\\\":\\\"UTC\\\"}\"}\n\n" +
		"data: {\"type\":\"response.completed\",\"response\":{\"status\":\"completed\"}}\n\n"

	chunks := d.Feed([]byte(wire))
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].ToolCall.Index)
	assert.Equal(t, "get_time", chunks[0].ToolCall.Name)
	assert.Equal(t, `{"tz":"UTC"}`, chunks[1].ToolCall.Arguments)
	assert.Equal(t, canonical.FinishToolUse, chunks[2].Finish)
}

func TestResponsesDecoder_Failed(t *testing.T) {
	d := NewOpenAIResponsesTarget().NewStreamDecoder()

	chunks := d.Feed([]byte("data: {\"type\":\"response.failed\",\"response\":{\"status\":\"failed\",\"error\":{\"code\":\"server_error\",\"message\":\"backend exploded\"}}}\n\n"))
	require.Len(t, chunks, 1)
	require.Equal(t, canonical.ChunkError, chunks[0].Kind)
	assert.Equal(t, canonical.ErrUpstreamRejected, chunks[0].Err.Kind)
	assert.Contains(t, chunks[0].Err.Message, "backend exploded")
}

func TestTargetRegistry(t *testing.T) {
	r := NewRegistry()

	for _, variant := range []canonical.ProtocolVariant{
		canonical.OpenAIChat,
		canonical.OpenAIResponses,
		canonical.AnthropicMessages,
	} {
		a, err := r.Get(variant)
		require.NoError(t, err)
		assert.Equal(t, variant, a.Variant())
	}

	_, err := r.Get(canonical.ProtocolVariant("soap"))
	assert.Error(t, err)
}
