// Package handlers wires the inbound HTTP surface to the translation
// pipeline: detect the client protocol, decode to the canonical model, route
// to a backend, forward through the upstream transport or serve from cache,
// and encode the result back in the client's protocol.
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/client"
	"github.com/babelgate/babelgate/internal/protocol"
	"github.com/babelgate/babelgate/internal/router"
	"github.com/babelgate/babelgate/internal/target"
	"github.com/babelgate/babelgate/internal/telemetry"
	"github.com/babelgate/babelgate/internal/transport"
	"github.com/babelgate/babelgate/internal/usage"
)

const maxRequestBody = 16 << 20

// Outcome labels for the request counter.
const (
	outcomeSuccess  = "success"
	outcomeError    = "error"
	outcomeCacheHit = "cache_hit"
)

// Gateway handles every translated chat endpoint.
type Gateway struct {
	clients   *client.Registry
	targets   *target.Registry
	router    *router.Router
	transport *transport.Transport
	metrics   *telemetry.Metrics
	logger    *slog.Logger
}

// NewGateway builds the request pipeline.
func NewGateway(rt *router.Router, tr *transport.Transport, metrics *telemetry.Metrics, logger *slog.Logger) *Gateway {
	return &Gateway{
		clients:   client.NewRegistry(),
		targets:   target.NewRegistry(),
		router:    rt,
		transport: tr,
		metrics:   metrics,
		logger:    logger,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	variant, source, err := protocol.Detect(r.URL.Path, r.Header, body)
	if err != nil {
		gerr := canonical.Classify(err)
		g.metrics.RecordFailure(gerr.Kind)
		g.logger.Warn("unrecognized protocol",
			slog.String("path", r.URL.Path),
			slog.String("error", gerr.Message))
		writeGenericError(w, gerr)
		return
	}
	g.metrics.RecordDetection(variant, source)

	adapter, err := g.clients.Get(variant)
	if err != nil {
		writeGenericError(w, canonical.Classify(err))
		return
	}

	req, err := adapter.DecodeRequest(body)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}

	decision, err := g.router.Route(req)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}

	targetAdapter, err := g.targets.Get(decision.Target)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}

	logger := g.logger.With(
		slog.String("request_id", req.RequestID),
		slog.String("client", string(variant)),
		slog.String("backend", decision.Backend.Name),
		slog.String("model", decision.Model))

	if entry, ok := g.router.Lookup(decision); ok {
		logger.Debug("serving from cache")
		g.metrics.RecordRequest(variant, decision.Target, outcomeCacheHit)
		g.replay(w, adapter, req, entry, logger)
		return
	}

	// The upstream sees the effective model name; the client response
	// echoes the name it asked for.
	upstream := *req
	upstream.Model = decision.Model

	switch {
	case decision.Cacheable:
		g.serveCollapsed(w, r, adapter, targetAdapter, req, &upstream, decision, logger)
	case req.Stream:
		g.serveStream(w, r, adapter, targetAdapter, req, &upstream, decision, logger)
	default:
		g.serveUnary(w, r, adapter, targetAdapter, req, &upstream, decision, logger)
	}
}

// serveUnary forwards a non-streaming request and renders the aggregated
// response.
func (g *Gateway) serveUnary(w http.ResponseWriter, r *http.Request, adapter client.Adapter, ta target.Adapter, req, upstream *canonical.Request, decision *router.Decision, logger *slog.Logger) {
	chunks, err := g.transport.Unary(r.Context(), decision.Backend, ta, upstream)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}
	rec := g.finalizeUsage(ta, upstream, chunks, decision.Backend.Name)
	g.writeAggregated(w, adapter, req, decision, chunks, rec, logger)
}

// serveStream forwards a streaming request chunk by chunk, re-framing each
// canonical chunk into the client's protocol as it arrives.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, adapter client.Adapter, ta target.Adapter, req, upstream *canonical.Request, decision *router.Decision, logger *slog.Logger) {
	stream, err := g.transport.Stream(r.Context(), decision.Backend, ta, upstream)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}

	flusher, _ := w.(http.Flusher)
	writeSSEHeaders(w)

	st := &client.StreamState{Model: req.Model}
	collector := usage.NewCollector(ta.UsageMode())
	var text string
	outcome := outcomeSuccess

	for chunk := range stream.Chunks() {
		switch chunk.Kind {
		case canonical.ChunkUsageUpdate:
			collector.Observe(*chunk.Usage)
			st.Usage = collector.Snapshot()
		case canonical.ChunkTextDelta:
			text += chunk.Text
		case canonical.ChunkError:
			outcome = outcomeError
			g.metrics.RecordFailure(chunk.Err.Kind)
			logger.Error("stream failed mid-flight",
				slog.String("kind", string(chunk.Err.Kind)),
				slog.String("error", chunk.Err.Message))
		}
		if chunk.Terminal() {
			st.Usage = collector.Finalize(upstream, text)
			g.metrics.RecordUsage(decision.Backend.Name, st.Usage)
		}
		if !g.writeChunk(w, flusher, adapter, chunk, st, logger) {
			return
		}
	}

	if stream.State() == transport.StateCancelled {
		logger.Debug("client disconnected mid-stream")
		return
	}
	if tail := adapter.EncodeTerminator(st); tail != nil {
		w.Write(tail)
		if flusher != nil {
			flusher.Flush()
		}
	}
	g.metrics.RecordRequest(adapter.Variant(), decision.Target, outcome)
}

// serveCollapsed handles cache-eligible requests. The upstream call runs at
// most once under a single-flight group keyed by the request fingerprint;
// the complete chunk sequence is written through to the cache and every
// caller, leader and joiners alike, replays the shared entry in its own
// protocol and framing.
func (g *Gateway) serveCollapsed(w http.ResponseWriter, r *http.Request, adapter client.Adapter, ta target.Adapter, req, upstream *canonical.Request, decision *router.Decision, logger *slog.Logger) {
	fetch := func(ctx context.Context) (*router.Entry, error) {
		// The upstream leg is always non-streaming here; waiters need
		// the complete sequence, and the client's own framing is
		// applied on replay.
		leg := *upstream
		leg.Stream = false
		chunks, err := g.transport.Unary(ctx, decision.Backend, ta, &leg)
		if err != nil {
			return nil, err
		}
		if gerr := terminalError(chunks); gerr != nil {
			return nil, gerr
		}
		rec := g.finalizeUsage(ta, &leg, chunks, decision.Backend.Name)
		return &router.Entry{Chunks: chunks, Usage: rec, StoredAt: time.Now()}, nil
	}

	entry, shared, err := g.router.FetchOrJoin(r.Context(), decision, fetch)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}
	if shared {
		logger.Debug("joined in-flight identical request")
	}
	g.metrics.RecordRequest(adapter.Variant(), decision.Target, outcomeSuccess)
	g.replay(w, adapter, req, entry, logger)
}

// replay renders a materialized chunk sequence to the client, streamed or
// aggregated per the client's request.
func (g *Gateway) replay(w http.ResponseWriter, adapter client.Adapter, req *canonical.Request, entry *router.Entry, logger *slog.Logger) {
	if !req.Stream {
		body, err := adapter.EncodeResponse(req, entry.Chunks, entry.Usage)
		if err != nil {
			g.failEarly(w, adapter, canonical.Classify(err))
			return
		}
		writeJSON(w, http.StatusOK, body)
		return
	}

	flusher, _ := w.(http.Flusher)
	writeSSEHeaders(w)

	st := &client.StreamState{Model: req.Model, Usage: entry.Usage}
	for _, chunk := range entry.Chunks {
		if chunk.Kind == canonical.ChunkUsageUpdate {
			// Usage is already finalized in the entry.
			continue
		}
		if !g.writeChunk(w, flusher, adapter, chunk, st, logger) {
			return
		}
	}
	if tail := adapter.EncodeTerminator(st); tail != nil {
		w.Write(tail)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeChunk(w http.ResponseWriter, flusher http.Flusher, adapter client.Adapter, chunk canonical.Chunk, st *client.StreamState, logger *slog.Logger) bool {
	data, err := adapter.EncodeChunk(chunk, st)
	if err != nil {
		logger.Error("encode chunk", slog.String("error", err.Error()))
		return false
	}
	if len(data) == 0 {
		return true
	}
	if _, err := w.Write(data); err != nil {
		logger.Debug("client write failed", slog.String("error", err.Error()))
		return false
	}
	if flusher != nil {
		flusher.Flush()
	}
	return true
}

// writeAggregated renders a complete chunk sequence as a unary response. A
// terminal error chunk becomes an error body with the kind's status.
func (g *Gateway) writeAggregated(w http.ResponseWriter, adapter client.Adapter, req *canonical.Request, decision *router.Decision, chunks []canonical.Chunk, rec canonical.UsageRecord, logger *slog.Logger) {
	status := http.StatusOK
	outcome := outcomeSuccess
	if gerr := terminalError(chunks); gerr != nil {
		status = gerr.Kind.HTTPStatus()
		outcome = outcomeError
		g.metrics.RecordFailure(gerr.Kind)
		logger.Error("upstream returned error",
			slog.String("kind", string(gerr.Kind)),
			slog.String("error", gerr.Message))
	}

	body, err := adapter.EncodeResponse(req, chunks, rec)
	if err != nil {
		g.failEarly(w, adapter, canonical.Classify(err))
		return
	}
	g.metrics.RecordRequest(adapter.Variant(), decision.Target, outcome)
	writeJSON(w, status, body)
}

// finalizeUsage folds the usage chunks of a complete sequence into a record,
// estimating whatever the upstream did not report.
func (g *Gateway) finalizeUsage(ta target.Adapter, upstream *canonical.Request, chunks []canonical.Chunk, backend string) canonical.UsageRecord {
	collector := usage.NewCollector(ta.UsageMode())
	var text string
	for _, chunk := range chunks {
		switch chunk.Kind {
		case canonical.ChunkUsageUpdate:
			collector.Observe(*chunk.Usage)
		case canonical.ChunkTextDelta:
			text += chunk.Text
		}
	}
	rec := collector.Finalize(upstream, text)
	g.metrics.RecordUsage(backend, rec)
	return rec
}

// failEarly reports a classified failure before any response bytes have been
// streamed, in the client's own error shape.
func (g *Gateway) failEarly(w http.ResponseWriter, adapter client.Adapter, gerr *canonical.Error) {
	g.metrics.RecordFailure(gerr.Kind)
	writeJSON(w, gerr.Kind.HTTPStatus(), adapter.EncodeError(gerr))
}

func terminalError(chunks []canonical.Chunk) *canonical.Error {
	for _, c := range chunks {
		if c.Kind == canonical.ChunkError {
			return c.Err
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// writeGenericError is the shape used before a client protocol is known.
func writeGenericError(w http.ResponseWriter, gerr *canonical.Error) {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"type":    string(gerr.Kind),
			"message": gerr.Message,
		},
	})
	writeJSON(w, gerr.Kind.HTTPStatus(), body)
}

func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
