package canonical

// ChunkKind tags the variant of a streamed Chunk.
type ChunkKind string

const (
	ChunkTextDelta     ChunkKind = "text_delta"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
	ChunkUsageUpdate   ChunkKind = "usage_update"
	ChunkFinish        ChunkKind = "finish"
	ChunkError         ChunkKind = "error"
)

// FinishReason is the normalized reason a stream completed.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishToolUse       FinishReason = "tool_use"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCallDelta is an incremental fragment of a tool invocation. Index
// identifies which concurrent tool call the fragment belongs to; ID and Name
// are only set on the fragment that opens the call.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// UsageUpdate is a partial usage report from a target decoder. Nil fields
// were not present in the upstream event. Whether successive updates replace
// or accumulate is decided by the target adapter's usage mode, not here.
type UsageUpdate struct {
	PromptTokens     *int
	CompletionTokens *int
	TotalTokens      *int
}

// Chunk is one unit of a translated streaming response. Exactly one payload
// field matching Kind is meaningful. A finished stream carries exactly one
// terminal chunk (Finish or Error); no chunks follow it.
type Chunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCallDelta
	Usage    *UsageUpdate
	Finish   FinishReason
	Err      *Error
}

// Terminal reports whether the chunk ends its stream.
func (c Chunk) Terminal() bool {
	return c.Kind == ChunkFinish || c.Kind == ChunkError
}

// TextDeltaChunk builds a text delta chunk.
func TextDeltaChunk(text string) Chunk {
	return Chunk{Kind: ChunkTextDelta, Text: text}
}

// ToolCallDeltaChunk builds a tool call fragment chunk.
func ToolCallDeltaChunk(d ToolCallDelta) Chunk {
	return Chunk{Kind: ChunkToolCallDelta, ToolCall: &d}
}

// UsageChunk builds a usage update chunk.
func UsageChunk(u UsageUpdate) Chunk {
	return Chunk{Kind: ChunkUsageUpdate, Usage: &u}
}

// FinishChunk builds the terminal finish chunk.
func FinishChunk(reason FinishReason) Chunk {
	return Chunk{Kind: ChunkFinish, Finish: reason}
}

// ErrorChunk builds the terminal error chunk.
func ErrorChunk(err *Error) Chunk {
	return Chunk{Kind: ChunkError, Err: err}
}

// IntPtr returns a pointer to v. Convenience for UsageUpdate fields.
func IntPtr(v int) *int { return &v }
