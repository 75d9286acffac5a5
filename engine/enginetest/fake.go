// Package enginetest provides a scripted llm.Engine for tests.
package enginetest

import (
	"context"
	"sync"

	"github.com/papercomputeco/hearth/pkg/llm"
)

// Call records one StreamGenerate invocation.
type Call struct {
	Prompt string
	Params llm.SamplingParams
}

// Fake is a scripted engine. Configure either Chunks (a fixed sequence
// replayed on every call) or Generator (invoked with the chunk index until it
// reports false). The zero value produces an empty stream.
type Fake struct {
	mu sync.Mutex

	Chunks    []llm.Chunk
	Generator func(i int) (llm.Chunk, bool)

	LoadErr  error
	StartErr error

	// Template, when set, is returned from FormatPrompt with ok=true.
	Template func(turns []llm.Turn) string

	Active   uint64
	Peak     uint64
	Cache    uint64
	CacheLen int

	calls       []Call
	clearCalled int
}

var _ llm.Engine = (*Fake)(nil)

func (f *Fake) Load(ctx context.Context) error {
	return f.LoadErr
}

func (f *Fake) StreamGenerate(ctx context.Context, prompt string, params llm.SamplingParams) (<-chan llm.Chunk, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Call{Prompt: prompt, Params: params})
	gen := f.Generator
	chunks := f.Chunks
	startErr := f.StartErr
	f.mu.Unlock()

	if startErr != nil {
		return nil, startErr
	}

	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		if gen != nil {
			for i := 0; ; i++ {
				c, ok := gen(i)
				if !ok {
					return
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (f *Fake) FormatPrompt(turns []llm.Turn) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Template == nil {
		return "", false
	}
	return f.Template(turns), true
}

func (f *Fake) ActiveMemory() uint64 { return f.Active }
func (f *Fake) PeakMemory() uint64   { return f.Peak }
func (f *Fake) CacheMemory() uint64  { return f.Cache }
func (f *Fake) CacheLength() int     { return f.CacheLen }

func (f *Fake) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalled++
}

// Calls returns the recorded StreamGenerate invocations.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// ClearCalls returns how many times ClearCache ran.
func (f *Fake) ClearCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clearCalled
}
