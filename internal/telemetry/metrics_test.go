package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelgate/babelgate/internal/canonical"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordDetection(canonical.AnthropicMessages, "path")
	m.RecordDetection(canonical.AnthropicMessages, "path")
	m.RecordRequest(canonical.AnthropicMessages, canonical.OpenAIChat, "completed")
	m.RecordFailure(canonical.ErrUpstreamUnavailable)
	m.RecordRetry("openai")
	m.ObserveUpstreamLatency("openai", 120*time.Millisecond)

	m.StreamStarted("openai")
	m.StreamStarted("openai")
	m.StreamEnded("openai")

	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction()
	m.SetCacheEntries(3)

	m.RecordUsage("openai", canonical.UsageRecord{PromptTokens: 10, CompletionTokens: 5})
	m.RecordUsage("openai", canonical.UsageRecord{PromptTokens: 2, CompletionTokens: 1, Estimated: true})

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.detectionsTotal.WithLabelValues("anthropic_messages", "path")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.requestsTotal.WithLabelValues("anthropic_messages", "openai_chat", "completed")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.failuresTotal.WithLabelValues("upstream_unavailable")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.inflightStreams.WithLabelValues("openai")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cacheHitsTotal))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.cacheEntries))
	assert.Equal(t, float64(10),
		testutil.ToFloat64(m.usageTokensTotal.WithLabelValues("openai", "prompt", "false")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.usageTokensTotal.WithLabelValues("openai", "completion", "true")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordCacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "babelgate_cache_hits_total 1")
}
