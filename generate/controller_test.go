package generate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/compact"
	"github.com/papercomputeco/hearth/engine/enginetest"
	"github.com/papercomputeco/hearth/guard"
	"github.com/papercomputeco/hearth/pkg/llm"
	"github.com/papercomputeco/hearth/session"
)

type staticPrompt string

func (p staticPrompt) SystemPrompt() string { return string(p) }

func newTestController(fake *enginetest.Fake) (*Controller, *session.Store) {
	logger := zap.NewNop()
	store := session.NewStore()
	c := NewController(fake, store, compact.New(fake, logger), guard.New(fake, logger),
		staticPrompt("You are a helpful assistant."), logger)
	return c, store
}

func collect(events *[]Event) func(Event) {
	return func(e Event) { *events = append(*events, e) }
}

func tokenEvents(events []Event) []string {
	var tokens []string
	for _, e := range events {
		if e.Token != "" {
			tokens = append(tokens, e.Token)
		}
	}
	return tokens
}

func chunksFromWords(words ...string) []llm.Chunk {
	chunks := make([]llm.Chunk, len(words))
	for i, w := range words {
		chunks[i] = llm.Chunk{Text: w}
	}
	return chunks
}

func TestStreamEmitsTokensThenDone(t *testing.T) {
	fake := &enginetest.Fake{Chunks: []llm.Chunk{
		{Text: "Hello"},
		{Text: " there"},
		{Text: "!", FinishReason: llm.FinishStop},
	}}
	c, store := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	assert.Equal(t, StateStoppedNormal, state)
	assert.Equal(t, []string{"Hello", " there", "!"}, tokenEvents(events))
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Done, "done frame terminates the stream")

	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello there!", history[1].Content)
}

func TestStreamHaltsBeforeRoleMarkerReachesClient(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("Hello", " there", "User:", " ignored")}
	c, store := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	assert.Equal(t, StateStoppedPattern, state)
	assert.Equal(t, []string{"Hello", " there"}, tokenEvents(events))

	for _, e := range events {
		assert.NotContains(t, e.Token, "User:")
	}

	history := store.History()
	require.Len(t, history, 2)
	assert.False(t, strings.HasSuffix(history[1].Content, "User:"))
	assert.Equal(t, "Hello there", history[1].Content)
}

func TestStreamHaltsOnTemplateDelimiter(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("Answer", "<|eot_id|>", "junk")}
	c, store := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	assert.Equal(t, StateStoppedPattern, state)
	assert.Equal(t, []string{"Answer"}, tokenEvents(events))
	assert.Equal(t, "Answer", store.History()[1].Content)
}

func TestStreamStopsOnRepetition(t *testing.T) {
	// A two-word phrase repeated forever: by the first checkpoint past 50
	// tokens the unique-word ratio over the recent window is 2/40.
	fake := &enginetest.Fake{Generator: func(i int) (llm.Chunk, bool) {
		if i%2 == 0 {
			return llm.Chunk{Text: "lorem "}, true
		}
		return llm.Chunk{Text: "ipsum "}, true
	}}
	c, _ := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 10_000},
	}, collect(&events))

	assert.Equal(t, StateStoppedRepetition, state)
	assert.Equal(t, 75, len(tokenEvents(events)), "first checkpoint after 50 tokens is 75")
}

func TestStreamHardLimitYieldsExactTokenCount(t *testing.T) {
	fake := &enginetest.Fake{Generator: func(i int) (llm.Chunk, bool) {
		return llm.Chunk{Text: fmt.Sprintf("w%d ", i)}, true
	}}
	c, _ := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 10},
	}, collect(&events))

	assert.Equal(t, StateStoppedLimit, state)
	assert.Len(t, tokenEvents(events), 10)
	assert.True(t, events[len(events)-1].Done)
}

func TestStreamWrapUpNudge(t *testing.T) {
	fake := &enginetest.Fake{Generator: func(i int) (llm.Chunk, bool) {
		switch {
		case i < 770:
			return llm.Chunk{Text: fmt.Sprintf("w%d ", i)}, true
		case i == 770:
			return llm.Chunk{Text: "in conclusion"}, true
		case i == 771:
			return llm.Chunk{Text: "."}, true
		default:
			return llm.Chunk{Text: fmt.Sprintf("x%d ", i)}, true
		}
	}}
	c, _ := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 10_000},
	}, collect(&events))

	assert.Equal(t, StateStoppedNormal, state)
	assert.Len(t, tokenEvents(events), 772, "stops on the sentence ender after the closing phrase")
}

func TestStreamDiscardsPartialOutputOnError(t *testing.T) {
	fake := &enginetest.Fake{Chunks: []llm.Chunk{
		{Text: "partial "},
		{Text: "output "},
		{Err: errors.New("kernel panic in attention")},
	}}
	c, store := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	assert.Equal(t, StateError, state)

	var sawError bool
	for _, e := range events {
		if e.Error != "" {
			sawError = true
			assert.Contains(t, e.Error, "kernel panic")
		}
	}
	assert.True(t, sawError)
	assert.True(t, events[len(events)-1].Done)

	// Only the user turn persists; partial assistant output is discarded.
	history := store.History()
	require.Len(t, history, 1)
	assert.Equal(t, llm.RoleUser, history[0].Role)
}

func TestStreamStartFailureEmitsError(t *testing.T) {
	fake := &enginetest.Fake{StartErr: errors.New("model not resident")}
	c, store := newTestController(fake)

	var events []Event
	state := c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	assert.Equal(t, StateError, state)
	require.Len(t, events, 2)
	assert.Contains(t, events[0].Error, "model not resident")
	assert.True(t, events[1].Done)
	assert.Len(t, store.History(), 1)
}

func TestStreamRegenerate(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("second ", "answer")}
	c, store := newTestController(fake)

	store.Append(llm.RoleUser, "tell me a story")
	store.Append(llm.RoleAssistant, "first answer")
	priorSeed := store.Seed()

	var events []Event
	c.Stream(context.Background(), Request{
		Regenerate: true,
		Params:     llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	history := store.History()
	require.Len(t, history, 2)
	assert.Equal(t, "tell me a story", history[0].Content)
	assert.Equal(t, "second answer", history[1].Content)

	assert.NotEqual(t, priorSeed, store.Seed(), "regeneration draws a fresh seed")

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, store.Seed(), calls[0].Params.Seed)
}

func TestStreamSeedsFromSession(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("ok")}
	c, store := newTestController(fake)

	var events []Event
	c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 100, Seed: 999_999_999},
	}, collect(&events))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, store.Seed(), calls[0].Params.Seed, "per-call seed comes from the session")
}

func TestStreamCancellationStopsProduction(t *testing.T) {
	fake := &enginetest.Fake{Generator: func(i int) (llm.Chunk, bool) {
		return llm.Chunk{Text: fmt.Sprintf("w%d ", i)}, true
	}}
	c, store := newTestController(fake)

	ctx, cancel := context.WithCancel(context.Background())
	var events []Event
	state := c.Stream(ctx, Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 10_000},
	}, func(e Event) {
		events = append(events, e)
		if len(events) == 5 {
			cancel()
		}
	})

	assert.Equal(t, StateClosed, state)
	for _, e := range events {
		assert.False(t, e.Done, "no done frame after disconnect")
	}
	assert.Len(t, store.History(), 1, "partial output is not persisted after disconnect")
}

func TestStreamReleasesProducerAfterHeuristicStop(t *testing.T) {
	// An unbounded generator only stops producing when the controller cancels
	// the stream; without that, each generation strands one blocked goroutine.
	fake := &enginetest.Fake{Generator: func(i int) (llm.Chunk, bool) {
		return llm.Chunk{Text: fmt.Sprintf("w%d ", i)}, true
	}}
	c, _ := newTestController(fake)

	before := runtime.NumGoroutine()

	for i := 0; i < 20; i++ {
		var events []Event
		state := c.Stream(context.Background(), Request{
			Prompt: "hi",
			Params: llm.SamplingParams{MaxTokens: 10},
		}, collect(&events))
		require.Equal(t, StateStoppedLimit, state)
	}

	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond, "producer goroutines must exit once the stream is abandoned")
}

func TestStreamResourceHookEvictsAboveThreshold(t *testing.T) {
	fake := &enginetest.Fake{
		Active: 11 << 30,
		Generator: func(i int) (llm.Chunk, bool) {
			return llm.Chunk{Text: fmt.Sprintf("w%d ", i)}, i < 120
		},
	}
	c, _ := newTestController(fake)

	var events []Event
	c.Stream(context.Background(), Request{
		Prompt: "hi",
		Params: llm.SamplingParams{MaxTokens: 10_000},
	}, collect(&events))

	// Checked at tokens 50 and 100.
	assert.Equal(t, 2, fake.ClearCalls())
}

func TestStreamInsertsReminderOnCadence(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("reply")}
	c, store := newTestController(fake)

	for i := 0; i < 9; i++ {
		store.Append(llm.RoleUser, "earlier")
	}

	var events []Event
	c.Stream(context.Background(), Request{
		Prompt: "tenth",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	history := store.History()
	require.Len(t, history, 12)
	assert.Equal(t, llm.RoleSystem, history[10].Role)
	assert.True(t, strings.HasPrefix(history[10].Content, "REMINDER: "))
}

func TestAssemblePromptFallbackFormat(t *testing.T) {
	fake := &enginetest.Fake{Chunks: chunksFromWords("ok")}
	c, store := newTestController(fake)

	store.Append(llm.RoleUser, "first question")
	store.Append(llm.RoleAssistant, "first answer")

	var events []Event
	c.Stream(context.Background(), Request{
		Prompt: "second question",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	prompt := calls[0].Prompt
	assert.Contains(t, prompt, "You are a helpful assistant.")
	assert.Contains(t, prompt, "RESPONSE GUIDELINES")
	assert.Contains(t, prompt, "User: first question\n")
	assert.Contains(t, prompt, "Assistant: first answer\n")
	assert.Contains(t, prompt, "User: second question\n")
	assert.True(t, strings.HasSuffix(prompt, "Assistant:"), "fallback format ends in assistant cue")
}

func TestAssemblePromptUsesChatTemplate(t *testing.T) {
	fake := &enginetest.Fake{
		Chunks: chunksFromWords("ok"),
		Template: func(turns []llm.Turn) string {
			var b strings.Builder
			for _, turn := range turns {
				b.WriteString("<|" + turn.Role + "|>" + turn.Content)
			}
			return b.String()
		},
	}
	c, _ := newTestController(fake)

	var events []Event
	c.Stream(context.Background(), Request{
		Prompt: "hello",
		Params: llm.SamplingParams{MaxTokens: 100},
	}, collect(&events))

	calls := fake.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "<|system|>")
	assert.Contains(t, calls[0].Prompt, "<|user|>hello")
}

func TestCleanResponseStripsTemplateTokensAndTrailingRoles(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"template tokens":  {"Hello<|eot_id|> world</s>", "Hello world"},
		"trailing role":    {"The story ends here. Assistant:", "The story ends here."},
		"trailing human":   {"Done now.\nHuman:", "Done now."},
		"whitespace":       {"  answer  ", "answer"},
		"assistant marker": {"text<|assistant|>", "text"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, cleanResponse(tc.in))
		})
	}
}
