// Package protocol classifies inbound requests into a ProtocolVariant.
package protocol

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/babelgate/babelgate/internal/canonical"
)

// Inbound endpoint paths, matched before any body inspection.
const (
	PathChatCompletions = "/v1/chat/completions"
	PathResponses       = "/v1/responses"
	PathMessages        = "/v1/messages"
)

// Detection sources, reported alongside the variant so operators can see
// which signal classified the traffic.
const (
	SourcePath   = "path"
	SourceHeader = "header"
	SourceShape  = "shape"
)

// Detect classifies an inbound request into exactly one ProtocolVariant and
// reports which signal decided it. It is a pure function of its inputs and
// has no side effects.
//
// Detection is priority ordered: the request path wins outright, then the
// anthropic-version header, then JSON shape heuristics over the top-level
// keys. When the shape heuristics match more than one variant the request is
// rejected as unrecognized rather than guessed at.
func Detect(path string, header http.Header, body []byte) (canonical.ProtocolVariant, string, error) {
	switch {
	case strings.HasPrefix(path, PathChatCompletions):
		return canonical.OpenAIChat, SourcePath, nil
	case strings.HasPrefix(path, PathResponses):
		return canonical.OpenAIResponses, SourcePath, nil
	case strings.HasPrefix(path, PathMessages):
		return canonical.AnthropicMessages, SourcePath, nil
	}

	if header.Get("anthropic-version") != "" {
		return canonical.AnthropicMessages, SourceHeader, nil
	}

	variant, err := detectShape(body)
	return variant, SourceShape, err
}

// detectShape applies the JSON shape heuristics. Matches, most specific
// first:
//
//   - top-level "system" plus "max_tokens" -> AnthropicMessages
//   - top-level "input" or "instructions"  -> OpenAIResponses
//   - top-level "messages" array           -> OpenAIChat
//
// A body that satisfies more than one rule from different variants is
// ambiguous and fails closed.
func detectShape(body []byte) (canonical.ProtocolVariant, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return "", canonical.E(canonical.ErrUnrecognizedProtocol, "request body is not a JSON object")
	}

	_, hasSystem := top["system"]
	_, hasMaxTokens := top["max_tokens"]
	_, hasInput := top["input"]
	_, hasInstructions := top["instructions"]
	_, hasMessages := top["messages"]

	anthropic := hasSystem && hasMaxTokens
	responses := hasInput || hasInstructions

	switch {
	case anthropic && responses:
		return "", ambiguous()
	case anthropic:
		// "messages" is also present in the Anthropic shape; the
		// system+max_tokens pair is the more specific match.
		return canonical.AnthropicMessages, nil
	case responses && hasMessages:
		return "", ambiguous()
	case responses:
		return canonical.OpenAIResponses, nil
	case hasMessages:
		return canonical.OpenAIChat, nil
	}

	return "", canonical.E(canonical.ErrUnrecognizedProtocol, "no known protocol shape matched")
}

func ambiguous() error {
	return canonical.E(canonical.ErrUnrecognizedProtocol, "request shape matches multiple protocols")
}
