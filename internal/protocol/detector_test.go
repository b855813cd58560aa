package protocol

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelgate/babelgate/internal/canonical"
)

func TestDetect_PathTakesPrecedence(t *testing.T) {
	// Body shaped like an Anthropic request must not override the path.
	body := []byte(`{"model":"m","system":"s","max_tokens":10,"messages":[]}`)

	tests := []struct {
		path     string
		expected canonical.ProtocolVariant
	}{
		{"/v1/chat/completions", canonical.OpenAIChat},
		{"/v1/responses", canonical.OpenAIResponses},
		{"/v1/messages", canonical.AnthropicMessages},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			variant, source, err := Detect(tt.path, http.Header{}, body)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, variant)
			assert.Equal(t, SourcePath, source)
		})
	}
}

func TestDetect_AnthropicVersionHeader(t *testing.T) {
	header := http.Header{}
	header.Set("anthropic-version", "2023-06-01")

	variant, source, err := Detect("/proxy", header, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, canonical.AnthropicMessages, variant)
	assert.Equal(t, SourceHeader, source)
}

func TestDetect_ShapeHeuristics(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected canonical.ProtocolVariant
	}{
		{
			name:     "anthropic system plus max_tokens",
			body:     `{"model":"m","system":"be nice","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
			expected: canonical.AnthropicMessages,
		},
		{
			name:     "responses input",
			body:     `{"model":"m","input":"hi"}`,
			expected: canonical.OpenAIResponses,
		},
		{
			name:     "responses instructions",
			body:     `{"model":"m","instructions":"be nice","input":[]}`,
			expected: canonical.OpenAIResponses,
		},
		{
			name:     "openai chat messages",
			body:     `{"model":"m","messages":[{"role":"user","content":"hi"}]}`,
			expected: canonical.OpenAIChat,
		},
		{
			name:     "openai chat with max_tokens but no system",
			body:     `{"model":"m","max_tokens":50,"messages":[{"role":"user","content":"hi"}]}`,
			expected: canonical.OpenAIChat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			variant, source, err := Detect("/gateway", http.Header{}, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, variant)
			assert.Equal(t, SourceShape, source)
		})
	}
}

func TestDetect_FailsClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty object", `{}`},
		{"not json", `hello`},
		{"ambiguous anthropic and responses", `{"system":"s","max_tokens":5,"input":"hi"}`},
		{"ambiguous responses and chat", `{"input":"hi","messages":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Detect("/gateway", http.Header{}, []byte(tt.body))
			require.Error(t, err)

			var ce *canonical.Error
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, canonical.ErrUnrecognizedProtocol, ce.Kind)
		})
	}
}
