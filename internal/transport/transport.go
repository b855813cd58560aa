// Package transport drives upstream HTTP calls: connect classification and
// retry, streaming decode with idle and total deadlines, per-backend
// concurrency caps, and response decompression.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/cenkalti/backoff/v4"

	"github.com/babelgate/babelgate/internal/canonical"
	"github.com/babelgate/babelgate/internal/config"
	"github.com/babelgate/babelgate/internal/target"
	"github.com/babelgate/babelgate/internal/telemetry"
)

// errorBodyLimit caps how much of an upstream error body lands in messages.
const errorBodyLimit = 4 << 10

var (
	errReadIdle    = errors.New("upstream read idle timeout")
	errStreamTotal = errors.New("upstream total stream timeout")
)

// watchdog is a resettable timer where a zero duration means disabled.
type watchdog struct {
	timer *time.Timer
	d     time.Duration
}

func newWatchdog(d time.Duration, f func()) *watchdog {
	if d <= 0 {
		return &watchdog{}
	}
	return &watchdog{timer: time.AfterFunc(d, f), d: d}
}

func (w *watchdog) Reset() {
	if w.timer != nil {
		w.timer.Reset(w.d)
	}
}

func (w *watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Transport owns the upstream HTTP machinery. One instance serves all
// backends.
type Transport struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	clients  map[string]*http.Client
	limiters map[string]chan struct{}
}

func New(logger *slog.Logger, metrics *telemetry.Metrics) *Transport {
	return &Transport{
		logger:   logger,
		metrics:  metrics,
		clients:  make(map[string]*http.Client),
		limiters: make(map[string]chan struct{}),
	}
}

// EndpointURL joins a backend base URL with an adapter path, avoiding a
// duplicate /v1 when the base already carries one.
func EndpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// Stream opens a streaming upstream call. The returned channel carries the
// decoded canonical chunks in order and is closed after the terminal chunk
// (or after cancellation, which produces none).
func (t *Transport) Stream(ctx context.Context, backend *config.Backend, adapter target.Adapter, req *canonical.Request) (*Stream, error) {
	release, err := t.acquire(ctx, backend)
	if err != nil {
		return nil, err
	}

	body, err := adapter.EncodeRequest(req)
	if err != nil {
		release()
		return nil, canonical.E(canonical.ErrInternal, "encode upstream request: %v", err)
	}

	resp, err := t.connectWithRetry(ctx, backend, adapter, body, true)
	if err != nil {
		release()
		return nil, err
	}

	s := &Stream{chunks: make(chan canonical.Chunk, 16)}
	s.setState(StateStreaming)
	t.metrics.StreamStarted(backend.Name)
	started := time.Now()

	go func() {
		defer func() {
			close(s.chunks)
			resp.Body.Close()
			release()
			t.metrics.StreamEnded(backend.Name)
			t.metrics.ObserveUpstreamLatency(backend.Name, time.Since(started))
		}()
		t.pump(ctx, backend, adapter.NewStreamDecoder(), resp, s)
	}()

	return s, nil
}

// Unary performs a non-streaming upstream call and decodes the complete body.
func (t *Transport) Unary(ctx context.Context, backend *config.Backend, adapter target.Adapter, req *canonical.Request) ([]canonical.Chunk, error) {
	release, err := t.acquire(ctx, backend)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := adapter.EncodeRequest(req)
	if err != nil {
		return nil, canonical.E(canonical.ErrInternal, "encode upstream request: %v", err)
	}

	started := time.Now()
	resp, err := t.connectWithRetry(ctx, backend, adapter, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	defer t.metrics.ObserveUpstreamLatency(backend.Name, time.Since(started))

	raw, err := t.readBodyBounded(ctx, backend, resp)
	if err != nil {
		return nil, err
	}
	return adapter.DecodeResponse(raw)
}

// readBodyBounded reads the complete response body under the backend's
// read-idle and total-stream timeouts, the same bounds the streaming pump
// enforces. Closing the body is what unblocks a stalled read.
func (t *Transport) readBodyBounded(ctx context.Context, backend *config.Backend, resp *http.Response) ([]byte, error) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := context.AfterFunc(reqCtx, func() { resp.Body.Close() })
	defer stop()

	idle := newWatchdog(backend.ReadIdleTimeout.Std(), func() { cancel(errReadIdle) })
	defer idle.Stop()
	total := newWatchdog(backend.StreamTimeout.Std(), func() { cancel(errStreamTotal) })
	defer total.Stop()

	reader, err := decompressReader(resp)
	if err != nil {
		return nil, canonical.E(canonical.ErrUpstreamProtocolViolation, "decompress upstream body: %v", err)
	}

	var out []byte
	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		idle.Reset()
		out = append(out, buf[:n]...)

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			return out, nil
		}

		switch cause := context.Cause(reqCtx); {
		case errors.Is(cause, errReadIdle):
			return nil, canonical.E(canonical.ErrUpstreamUnavailable, "upstream went idle for %s", backend.ReadIdleTimeout.Std())
		case errors.Is(cause, errStreamTotal):
			return nil, canonical.E(canonical.ErrUpstreamUnavailable, "upstream response exceeded %s", backend.StreamTimeout.Std())
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, canonical.E(canonical.ErrUpstreamUnavailable, "read upstream body: %v", readErr)
		}
	}
}

// pump reads the upstream body, feeds the decoder, and forwards chunks until
// a terminal chunk, EOF, timeout, or cancellation.
func (t *Transport) pump(ctx context.Context, backend *config.Backend, decoder target.StreamDecoder, resp *http.Response, s *Stream) {
	reqCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Reading resp.Body does not honor reqCtx by itself; closing the body
	// is what unblocks a stuck read.
	stop := context.AfterFunc(reqCtx, func() { resp.Body.Close() })
	defer stop()

	idle := newWatchdog(backend.ReadIdleTimeout.Std(), func() { cancel(errReadIdle) })
	defer idle.Stop()
	total := newWatchdog(backend.StreamTimeout.Std(), func() { cancel(errStreamTotal) })
	defer total.Stop()

	reader, err := decompressReader(resp)
	if err != nil {
		t.fail(ctx, s, canonical.E(canonical.ErrUpstreamProtocolViolation, "decompress upstream body: %v", err))
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := reader.Read(buf)
		idle.Reset()

		if n > 0 {
			for _, chunk := range decoder.Feed(buf[:n]) {
				if !s.deliver(ctx, chunk) {
					s.setState(StateCancelled)
					return
				}
				if chunk.Terminal() {
					s.finish(chunk)
					return
				}
			}
		}

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			for _, chunk := range decoder.Close() {
				if !s.deliver(ctx, chunk) {
					s.setState(StateCancelled)
					return
				}
				if chunk.Terminal() {
					s.finish(chunk)
					return
				}
			}
			// Decoder saw its closing event earlier in this read.
			s.setState(StateCompleted)
			return
		}

		switch cause := context.Cause(reqCtx); {
		case errors.Is(cause, errReadIdle):
			t.fail(ctx, s, canonical.E(canonical.ErrUpstreamUnavailable, "upstream went idle for %s", backend.ReadIdleTimeout.Std()))
		case errors.Is(cause, errStreamTotal):
			t.fail(ctx, s, canonical.E(canonical.ErrUpstreamUnavailable, "stream exceeded %s", backend.StreamTimeout.Std()))
		case ctx.Err() != nil:
			s.setState(StateCancelled)
		default:
			t.fail(ctx, s, canonical.E(canonical.ErrUpstreamUnavailable, "upstream connection dropped: %v", readErr))
		}
		return
	}
}

func (t *Transport) fail(ctx context.Context, s *Stream, gerr *canonical.Error) {
	t.logger.Error("upstream stream failed", "kind", string(gerr.Kind), "error", gerr.Message)
	chunk := canonical.ErrorChunk(gerr)
	s.deliver(ctx, chunk)
	s.finish(chunk)
}

// connectWithRetry opens the upstream request, retrying only retryable
// classifications. Retries happen strictly before any chunk is decoded, so a
// started client stream is never corrupted.
func (t *Transport) connectWithRetry(ctx context.Context, backend *config.Backend, adapter target.Adapter, body []byte, stream bool) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backend.Retry.InitialBackoff.Std()
	bo.MaxInterval = backend.Retry.MaxBackoff.Std()

	attempts := backend.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var resp *http.Response
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			t.metrics.RecordRetry(backend.Name)
			t.logger.Warn("retrying upstream connect", "backend", backend.Name, "attempt", attempt)
		}
		r, err := t.connect(ctx, backend, adapter, body, stream)
		if err != nil {
			if !canonical.Classify(err).Kind.Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *Transport) connect(ctx context.Context, backend *config.Backend, adapter target.Adapter, body []byte, stream bool) (*http.Response, error) {
	url := EndpointURL(backend.BaseURL, adapter.Path())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, canonical.E(canonical.ErrInternal, "build upstream request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	adapter.ApplyAuth(httpReq.Header, backend.APIKey)

	resp, err := t.client(backend).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, canonical.E(canonical.ErrUpstreamUnavailable, "connect %s: %v", backend.Name, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = resp.Status
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, canonical.E(canonical.ErrUpstreamUnavailable, "upstream %s returned %d: %s", backend.Name, resp.StatusCode, msg)
		}
		gerr := canonical.E(canonical.ErrUpstreamRejected, "upstream %s returned %d: %s", backend.Name, resp.StatusCode, msg)
		gerr.UpstreamStatus = resp.StatusCode
		return nil, gerr
	}

	return resp, nil
}

// client returns the pooled HTTP client for a backend. Client.Timeout stays
// zero; streams outlive any sane whole-request deadline and are bounded by
// the pump's timers instead.
func (t *Transport) client(backend *config.Backend) *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[backend.Name]; ok {
		return c
	}
	c := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: backend.ConnectTimeout.Std(),
			}).DialContext,
			ResponseHeaderTimeout: backend.ConnectTimeout.Std(),
			MaxIdleConnsPerHost:   8,
		},
	}
	t.clients[backend.Name] = c
	return c
}

// acquire takes a slot in the backend's concurrency cap, waiting up to the
// configured backpressure grace before failing overloaded.
func (t *Transport) acquire(ctx context.Context, backend *config.Backend) (func(), error) {
	if backend.MaxConcurrent <= 0 {
		return func() {}, nil
	}

	t.mu.Lock()
	limiter, ok := t.limiters[backend.Name]
	if !ok {
		limiter = make(chan struct{}, backend.MaxConcurrent)
		t.limiters[backend.Name] = limiter
	}
	t.mu.Unlock()

	release := func() { <-limiter }

	select {
	case limiter <- struct{}{}:
		return release, nil
	default:
	}

	wait := backend.BackpressureWait.Std()
	if wait <= 0 {
		return nil, canonical.E(canonical.ErrOverloaded, "backend %s is at its concurrency cap", backend.Name)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case limiter <- struct{}{}:
		return release, nil
	case <-timer.C:
		return nil, canonical.E(canonical.ErrOverloaded, "backend %s stayed at its concurrency cap for %s", backend.Name, wait)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decompressReader unwraps gzip and brotli bodies.
func decompressReader(resp *http.Response) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return gz, nil
	case "br":
		return brotli.NewReader(resp.Body), nil
	default:
		return resp.Body, nil
	}
}
