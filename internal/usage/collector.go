// Package usage accumulates token accounting across a response, whatever
// cadence the upstream reports it at, and falls back to local estimation when
// the upstream reports nothing.
package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/babelgate/babelgate/internal/canonical"
)

// Mode describes how an upstream reports token counts mid-stream.
type Mode int

const (
	// ModeSnapshot upstreams send complete counts; each update replaces
	// the previous one.
	ModeSnapshot Mode = iota
	// ModeDelta upstreams send increments; updates are summed.
	ModeDelta
)

// Collector folds UsageUpdate chunks into a single UsageRecord for one
// response. It is not safe for concurrent use; each request owns one.
type Collector struct {
	mode Mode

	prompt     int
	completion int
	total      int

	sawPrompt     bool
	sawCompletion bool
	sawTotal      bool
}

func NewCollector(mode Mode) *Collector {
	return &Collector{mode: mode}
}

// Observe applies one upstream usage update.
func (c *Collector) Observe(u canonical.UsageUpdate) {
	switch c.mode {
	case ModeSnapshot:
		if u.PromptTokens != nil {
			c.prompt = *u.PromptTokens
			c.sawPrompt = true
		}
		if u.CompletionTokens != nil {
			c.completion = *u.CompletionTokens
			c.sawCompletion = true
		}
		if u.TotalTokens != nil {
			c.total = *u.TotalTokens
			c.sawTotal = true
		}
	case ModeDelta:
		if u.PromptTokens != nil {
			c.prompt += *u.PromptTokens
			c.sawPrompt = true
		}
		if u.CompletionTokens != nil {
			c.completion += *u.CompletionTokens
			c.sawCompletion = true
		}
		if u.TotalTokens != nil {
			c.total += *u.TotalTokens
			c.sawTotal = true
		}
	}
}

// Snapshot returns the counts observed so far without estimation. Streaming
// encoders read this to fill terminal frames before Finalize runs.
func (c *Collector) Snapshot() canonical.UsageRecord {
	rec := canonical.UsageRecord{
		PromptTokens:     c.prompt,
		CompletionTokens: c.completion,
		TotalTokens:      c.total,
	}
	if !c.sawTotal {
		rec.TotalTokens = c.prompt + c.completion
	}
	return rec
}

// Finalize produces the definitive record for the request. Counts the
// upstream never reported are estimated from the request and the accumulated
// completion text, and flagged as such.
func (c *Collector) Finalize(req *canonical.Request, completionText string) canonical.UsageRecord {
	rec := canonical.UsageRecord{
		PromptTokens:     c.prompt,
		CompletionTokens: c.completion,
		TotalTokens:      c.total,
	}

	if !c.sawPrompt {
		rec.PromptTokens = EstimateRequestTokens(req)
		rec.Estimated = true
	}
	if !c.sawCompletion {
		rec.CompletionTokens = CountTokens(completionText)
		rec.Estimated = true
	}

	if c.sawTotal {
		if rec.TotalTokens != rec.PromptTokens+rec.CompletionTokens {
			rec.UpstreamInconsistent = true
		}
	} else {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	return rec
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// CountTokens counts tokens in text with the cl100k_base encoding, falling
// back to a bytes/4 heuristic if the encoding cannot be loaded.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return (len(text) + 3) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// EstimateRequestTokens approximates the prompt size of a request. It is
// used both for filling in missing prompt counts and for long-context
// routing decisions.
func EstimateRequestTokens(req *canonical.Request) int {
	if req == nil {
		return 0
	}
	var n int
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch p.Type {
			case canonical.PartText:
				n += CountTokens(p.Text)
			case canonical.PartToolCall:
				n += CountTokens(p.ToolCall.Name) + CountTokens(p.ToolCall.Arguments)
			case canonical.PartToolResult:
				n += CountTokens(p.ToolResult.Content)
			}
		}
		// Per-message framing overhead.
		n += 4
	}
	return n
}
