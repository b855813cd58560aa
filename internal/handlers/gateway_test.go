package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelgate/babelgate/internal/config"
	"github.com/babelgate/babelgate/internal/router"
	"github.com/babelgate/babelgate/internal/telemetry"
	"github.com/babelgate/babelgate/internal/transport"
)

// newTestGateway wires a full pipeline against a single upstream.
func newTestGateway(t *testing.T, upstreamURL, protocol string) *Gateway {
	t.Helper()

	cfg := &config.Config{
		Backends: []config.Backend{{
			Name:     "upstream",
			BaseURL:  upstreamURL,
			APIKey:   "sk-test",
			Protocol: protocol,
			Retry:    config.Retry{MaxAttempts: 1},
		}},
		Router: config.Router{Default: "upstream", LongContextTokens: 60000},
		Cache:  config.Cache{TTL: config.Duration(time.Minute), Capacity: 16},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.NewMetrics(nil)
	rt := router.New(cfg, metrics, logger)
	t.Cleanup(rt.Close)

	return NewGateway(rt, transport.New(logger, metrics), metrics, logger)
}

func openAIChatSSE(t *testing.T) http.HandlerFunc {
	t.Helper()
	frames := []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

// eventNames extracts the event: lines of an SSE body in order.
func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

// eventPayload returns the data payload of the first event with the name.
func eventPayload(t *testing.T, body, name string) map[string]any {
	t.Helper()
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line == "event: "+name {
			data := strings.TrimPrefix(lines[i+1], "data: ")
			var payload map[string]any
			require.NoError(t, json.Unmarshal([]byte(data), &payload))
			return payload
		}
	}
	t.Fatalf("no %s event in body:\n%s", name, body)
	return nil
}

func TestGateway_AnthropicClientToOpenAIUpstream_Streaming(t *testing.T) {
	upstream := httptest.NewServer(openAIChatSSE(t))
	defer upstream.Close()
	g := newTestGateway(t, upstream.URL, "openai_chat")

	body := `{"model":"gpt-4o","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	out := rec.Body.String()
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventNames(out))

	delta := eventPayload(t, out, "message_delta")
	assert.Equal(t, "end_turn", delta["delta"].(map[string]any)["stop_reason"])
	assert.Equal(t, float64(2), delta["usage"].(map[string]any)["output_tokens"])
}

func TestGateway_OpenAIClientToAnthropicUpstream_Unary(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-test", r.Header.Get("x-api-key"))
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		gotBody = buf.Bytes()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant",
			"content":[{"type":"text","text":"Hi there"}],
			"stop_reason":"end_turn",
			"usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer upstream.Close()
	g := newTestGateway(t, upstream.URL, "anthropic_messages")

	body := `{"model":"claude-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	choice := resp["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "Hi there", choice["message"].(map[string]any)["content"])
	assert.Equal(t, "stop", choice["finish_reason"])
	assert.Equal(t, float64(5), resp["usage"].(map[string]any)["total_tokens"])

	// The upstream saw an Anthropic-shaped request.
	var sent map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &sent))
	assert.Contains(t, sent, "max_tokens")
}

func TestGateway_DeterministicRequestsAreCached(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"index":0,
			"message":{"role":"assistant","content":"cached answer"},
			"finish_reason":"stop"}],
			"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`)
	}))
	defer upstream.Close()
	g := newTestGateway(t, upstream.URL, "openai_chat")

	body := `{"model":"gpt-4o","temperature":0,"messages":[{"role":"user","content":"2+2?"}]}`
	var first, second string
	for i, out := range []*string{&first, &second} {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		*out = rec.Body.String()
	}

	assert.Equal(t, int32(1), calls.Load(), "second request is served from cache")
	assert.Contains(t, second, "cached answer")

	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(first), &a))
	require.NoError(t, json.Unmarshal([]byte(second), &b))
	assert.Equal(t, a["usage"], b["usage"])
}

func TestGateway_CachedEntryReplaysAsStream(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Cache-eligible upstream legs are always unary.
		var sent map[string]any
		json.NewDecoder(r.Body).Decode(&sent)
		assert.NotEqual(t, true, sent["stream"])
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","choices":[{"index":0,
			"message":{"role":"assistant","content":"replayed"},
			"finish_reason":"stop"}],
			"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`)
	}))
	defer upstream.Close()
	g := newTestGateway(t, upstream.URL, "openai_chat")

	body := `{"model":"gpt-4o","temperature":0,"stream":true,"messages":[{"role":"user","content":"2+2?"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	out := rec.Body.String()
	assert.Contains(t, out, `"replayed"`)
	assert.True(t, strings.HasSuffix(out, "data: [DONE]\n\n"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGateway_MalformedRequest(t *testing.T) {
	g := newTestGateway(t, "http://unused.invalid", "openai_chat")

	body := `{"messages":[{"role":"user","content":"hi"}]}` // no model
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]any)
	assert.Equal(t, "malformed_request", errObj["type"])
	assert.Contains(t, errObj["message"], "model")
}

func TestGateway_UnrecognizedProtocol(t *testing.T) {
	g := newTestGateway(t, "http://unused.invalid", "openai_chat")

	req := httptest.NewRequest(http.MethodPost, "/gateway", strings.NewReader(`{"prompt":"hi"}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unrecognized_protocol", resp["error"].(map[string]any)["type"])
}

func TestGateway_UpstreamRejectionMapsToBadGateway(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no such model"}}`, http.StatusNotFound)
	}))
	defer upstream.Close()
	g := newTestGateway(t, upstream.URL, "openai_chat")

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_rejected", resp["error"].(map[string]any)["type"])
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	g := newTestGateway(t, "http://unused.invalid", "openai_chat")

	req := httptest.NewRequest(http.MethodGet, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
