package transport

import (
	"context"
	"sync/atomic"

	"github.com/babelgate/babelgate/internal/canonical"
)

// State is the lifecycle of one proxied streaming request.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Stream is one in-flight upstream streaming call. Chunks arrive in decode
// order; the channel closes after the terminal chunk, or without one if the
// client cancelled.
type Stream struct {
	chunks chan canonical.Chunk
	state  atomic.Int32
}

// Chunks returns the ordered chunk channel.
func (s *Stream) Chunks() <-chan canonical.Chunk { return s.chunks }

func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) setState(st State) { s.state.Store(int32(st)) }

// finish moves to the terminal state matching the terminal chunk.
func (s *Stream) finish(chunk canonical.Chunk) {
	if chunk.Kind == canonical.ChunkError {
		s.setState(StateFailed)
		return
	}
	s.setState(StateCompleted)
}

// deliver sends one chunk, giving up when the client context ends. Reports
// whether the chunk was accepted.
func (s *Stream) deliver(ctx context.Context, chunk canonical.Chunk) bool {
	select {
	case s.chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
