// Package target implements the upstream-facing protocol adapters. Each
// adapter renders canonical requests into one upstream wire shape and parses
// that upstream's responses, streaming or not, back into canonical chunks.
package target

import (
	"fmt"
	"net/http"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/usage"
)

// StreamDecoder is a running parser over one upstream SSE stream. It never
// assumes one network read equals one logical event: partial lines are
// buffered across Feed calls. Malformed upstream bytes surface as a terminal
// Error chunk, never as a silent drop.
type StreamDecoder interface {
	// Feed consumes the next raw bytes and returns the canonical chunks
	// completed by them. One upstream event may fan out into several
	// chunks. After a terminal chunk, Feed returns nil.
	Feed(p []byte) []canonical.Chunk

	// Close signals end of the upstream body. If the stream ended before
	// the protocol's closing event, it returns a terminal Error chunk.
	Close() []canonical.Chunk
}

// Adapter is the capability set every upstream protocol implements.
type Adapter interface {
	Variant() canonical.ProtocolVariant

	// EncodeRequest renders a canonical request into this upstream's wire
	// JSON, remapping roles, nesting, and parameter ranges.
	EncodeRequest(req *canonical.Request) ([]byte, error)

	// DecodeResponse parses a complete non-streaming upstream body into a
	// canonical chunk sequence ending in a Finish chunk.
	DecodeResponse(body []byte) ([]canonical.Chunk, error)

	NewStreamDecoder() StreamDecoder

	// Path is the endpoint path relative to the backend base URL.
	Path() string

	// ApplyAuth sets this upstream's authentication headers.
	ApplyAuth(h http.Header, apiKey string)

	// UsageMode tells the collector whether this upstream reports usage as
	// snapshots or increments.
	UsageMode() usage.Mode
}

// Registry maps protocol variants to their target adapters.
type Registry struct {
	adapters map[canonical.ProtocolVariant]Adapter
}

// NewRegistry returns a registry with all built-in target adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[canonical.ProtocolVariant]Adapter)}
	r.register(NewOpenAIChatTarget())
	r.register(NewOpenAIResponsesTarget())
	r.register(NewAnthropicTarget())
	return r
}

func (r *Registry) register(a Adapter) {
	r.adapters[a.Variant()] = a
}

// Get returns the adapter for the given variant.
func (r *Registry) Get(variant canonical.ProtocolVariant) (Adapter, error) {
	a, ok := r.adapters[variant]
	if !ok {
		return nil, fmt.Errorf("no target adapter for variant %q", variant)
	}
	return a, nil
}

// violation builds the terminal chunk every decoder emits on malformed
// upstream bytes.
func violation(format string, args ...any) canonical.Chunk {
	return canonical.ErrorChunk(canonical.E(canonical.ErrUpstreamProtocolViolation, format, args...))
}
