package llm

import "context"

// Engine is the inference collaborator contract. The numeric kernels and
// model loading live behind this interface; the session engine only drives
// it. Implementations must be safe for concurrent use.
type Engine interface {
	// Load loads the configured model (and adapter, if any). It is called
	// once, from a background task at process start.
	Load(ctx context.Context) error

	// StreamGenerate starts a generation and returns a finite, in-order,
	// non-restartable channel of chunks. Cancelling ctx halts underlying
	// token production; the channel is always closed when production ends.
	StreamGenerate(ctx context.Context, prompt string, params SamplingParams) (<-chan Chunk, error)

	// FormatPrompt renders turns through the model's chat template. The
	// second return is false when no template is available, in which case
	// the caller falls back to a plain role-prefixed format.
	FormatPrompt(turns []Turn) (string, bool)

	// Memory introspection, in bytes.
	ActiveMemory() uint64
	PeakMemory() uint64
	CacheMemory() uint64

	// CacheLength reports the current KV cache occupancy in tokens.
	CacheLength() int

	// ClearCache drops engine-level cache state. Cooperative: callers decide
	// when, the engine never evicts on its own.
	ClearCache()
}
