package llm

// Chunk is a single increment produced by a streaming generation. The engine
// delivers chunks in production order over a channel that it closes when the
// sequence is exhausted. A mid-stream failure is delivered in-band through
// Err as the final chunk before close.
type Chunk struct {
	Text         string // Incremental text, typically one token
	FinishReason string // Non-empty on the engine's own final chunk ("stop", "length")
	Err          error  // Engine failure; terminates the stream
}

// Finish reasons reported by the engine.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)
