package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/babelgate/babelgate/internal/canonical"
)

// fingerprintRequest is the normalized shape hashed for cache identity.
// Volatile fields stay out: the request ID changes per call, and the stream
// flag does not affect the canonical chunks a request produces.
type fingerprintRequest struct {
	Model       string              `json:"model"`
	Messages    []fingerprintMsg    `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
	TopP        *float64            `json:"top_p,omitempty"`
	Stop        []string            `json:"stop,omitempty"`
	Tools       []fingerprintTool   `json:"tools,omitempty"`
}

type fingerprintMsg struct {
	Role  string            `json:"role"`
	Parts []fingerprintPart `json:"parts"`
}

type fingerprintPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ToolID     string `json:"tool_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolArgs   string `json:"tool_args,omitempty"`
	ResultFor  string `json:"result_for,omitempty"`
	ResultText string `json:"result_text,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

type fingerprintTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  string `json:"parameters,omitempty"`
}

// Fingerprint computes the stable cache identity of a request. Marshaling a
// fixed struct keeps field order deterministic.
func Fingerprint(req *canonical.Request) string {
	fp := fingerprintRequest{
		Model:       req.Model,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		TopP:        req.Params.TopP,
		Stop:        req.Params.Stop,
	}

	for _, m := range req.Messages {
		msg := fingerprintMsg{Role: string(m.Role)}
		for _, p := range m.Parts {
			part := fingerprintPart{Type: string(p.Type)}
			switch p.Type {
			case canonical.PartText:
				part.Text = p.Text
			case canonical.PartToolCall:
				part.ToolID = p.ToolCall.ID
				part.ToolName = p.ToolCall.Name
				part.ToolArgs = p.ToolCall.Arguments
			case canonical.PartToolResult:
				part.ResultFor = p.ToolResult.ToolCallID
				part.ResultText = p.ToolResult.Content
				part.IsError = p.ToolResult.IsError
			}
			msg.Parts = append(msg.Parts, part)
		}
		fp.Messages = append(fp.Messages, msg)
	}

	for _, td := range req.Tools {
		fp.Tools = append(fp.Tools, fingerprintTool{
			Name:        td.Name,
			Description: td.Description,
			Parameters:  string(td.Parameters),
		})
	}

	data, err := json.Marshal(fp)
	if err != nil {
		// Marshal of plain structs cannot fail; keep the signature simple.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
