package canonical

// UsageRecord is the finalized token accounting for one request.
type UsageRecord struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Estimated marks records reconstructed by token counting because the
	// upstream never reported usage.
	Estimated bool

	// UpstreamInconsistent marks records whose upstream-reported total did
	// not equal prompt+completion. The record is still usable; the flag is
	// telemetry only.
	UpstreamInconsistent bool
}
