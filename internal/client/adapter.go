// Package client implements the inbound-facing protocol adapters. Each
// adapter decodes one client protocol into the canonical model and encodes
// canonical chunks back into that protocol's wire shape, streaming or not.
package client

import (
	"fmt"

	"github.com/babelgate/babelgate/internal/canonical"
)

// Adapter is the capability set every client protocol implements. The set of
// implementations is closed; adding a protocol means adding one implementation
// and one registry entry.
type Adapter interface {
	Variant() canonical.ProtocolVariant

	// DecodeRequest parses the wire JSON into a canonical request. Schema
	// violations return a canonical.Error of kind ErrMalformedRequest with
	// the offending field path.
	DecodeRequest(body []byte) (*canonical.Request, error)

	// EncodeResponse renders a complete non-streaming response from the
	// final aggregated chunk sequence.
	EncodeResponse(req *canonical.Request, chunks []canonical.Chunk, usage canonical.UsageRecord) ([]byte, error)

	// EncodeChunk renders one canonical chunk into this protocol's event
	// framing. A single chunk may expand to several wire events; terminal
	// chunks emit the protocol's closing events.
	EncodeChunk(chunk canonical.Chunk, st *StreamState) ([]byte, error)

	// EncodeTerminator returns the protocol's end-of-stream sentinel, or
	// nil for protocols that just close the connection.
	EncodeTerminator(st *StreamState) []byte

	// EncodeError renders a classified error as a complete error response
	// body in this protocol's shape. Used only before streaming begins;
	// mid-stream errors travel as terminal Error chunks through
	// EncodeChunk.
	EncodeError(gerr *canonical.Error) []byte
}

// StreamState carries per-request encoder state across EncodeChunk calls.
// Adapters own which fields they use.
type StreamState struct {
	ID      string
	Model   string
	Created int64

	// Usage is kept current by the caller (from the usage collector) so
	// terminal events can report it in protocols that attach usage to
	// their closing frames.
	Usage canonical.UsageRecord

	// OpenAI chat / Anthropic shared framing state.
	headerSent bool
	blockOpen  bool
	blockIndex int
	blockTool  bool

	// Responses framing state.
	sequence int

	terminalSent bool
}

// Registry maps protocol variants to their client adapters.
type Registry struct {
	adapters map[canonical.ProtocolVariant]Adapter
}

// NewRegistry returns a registry with all built-in client adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[canonical.ProtocolVariant]Adapter)}
	r.register(NewOpenAIChatAdapter())
	r.register(NewOpenAIResponsesAdapter())
	r.register(NewAnthropicAdapter())
	return r
}

func (r *Registry) register(a Adapter) {
	r.adapters[a.Variant()] = a
}

// Get returns the adapter for the given variant.
func (r *Registry) Get(variant canonical.ProtocolVariant) (Adapter, error) {
	a, ok := r.adapters[variant]
	if !ok {
		return nil, fmt.Errorf("no client adapter for variant %q", variant)
	}
	return a, nil
}

// mapFinishReason translates a canonical finish reason through the given
// table, falling back to the table's entry for FinishStop.
func mapFinishReason(table map[canonical.FinishReason]string, reason canonical.FinishReason) string {
	if mapped, ok := table[reason]; ok {
		return mapped
	}
	return table[canonical.FinishStop]
}

// aggregate folds a chunk sequence into the pieces a non-streaming response
// needs: full text, assembled tool calls, and the finish reason.
func aggregate(chunks []canonical.Chunk) (text string, calls []canonical.ToolCall, finish canonical.FinishReason, gerr *canonical.Error) {
	finish = canonical.FinishStop
	open := map[int]*canonical.ToolCall{}
	var order []int

	for _, c := range chunks {
		switch c.Kind {
		case canonical.ChunkTextDelta:
			text += c.Text
		case canonical.ChunkToolCallDelta:
			tc, ok := open[c.ToolCall.Index]
			if !ok {
				tc = &canonical.ToolCall{}
				open[c.ToolCall.Index] = tc
				order = append(order, c.ToolCall.Index)
			}
			if c.ToolCall.ID != "" {
				tc.ID = c.ToolCall.ID
			}
			if c.ToolCall.Name != "" {
				tc.Name = c.ToolCall.Name
			}
			tc.Arguments += c.ToolCall.Arguments
		case canonical.ChunkFinish:
			finish = c.Finish
		case canonical.ChunkError:
			gerr = c.Err
		}
	}

	for _, idx := range order {
		calls = append(calls, *open[idx])
	}
	return text, calls, finish, gerr
}
