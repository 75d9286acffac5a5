// Package compact bounds conversation context by replacing older history with
// a generated summary, and counters instruction drift with periodic reminder
// turns. Compaction is lossy and irreversible by design.
package compact

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/pkg/llm"
	"github.com/papercomputeco/hearth/session"
)

const (
	// TriggerThreshold is the turn count above which compaction fires.
	TriggerThreshold = 100

	// RetainedWindow is how many trailing turns survive compaction verbatim.
	RetainedWindow = 50

	// ReminderInterval is the turn-count cadence for reminder turns.
	ReminderInterval = 10

	// PlaceholderSummary substitutes for a failed summarization call.
	// Compaction never fails the user's request.
	PlaceholderSummary = "Previous story context continues..."

	summaryMaxTokens = 300
	summarySeed      = 42
)

// Compactor rewrites session history once it outgrows the trigger threshold.
type Compactor struct {
	engine llm.Engine
	logger *zap.Logger
}

// New creates a compactor that summarizes through the given engine.
func New(engine llm.Engine, logger *zap.Logger) *Compactor {
	return &Compactor{engine: engine, logger: logger}
}

// MaybeInsertReminder appends a system turn echoing the base instruction when
// the turn count lands on the reminder cadence. The reminder is an ordinary
// turn and may be swept into a later compaction's summary.
func (c *Compactor) MaybeInsertReminder(store *session.Store, systemPrompt string) bool {
	n := store.Len()
	if n == 0 || n%ReminderInterval != 0 {
		return false
	}
	store.Append(llm.RoleSystem, "REMINDER: "+systemPrompt)
	return true
}

// Compact summarizes the history prefix when the turn count exceeds the
// trigger threshold, leaving one summary system turn plus the retained
// window. Reports whether compaction ran.
func (c *Compactor) Compact(ctx context.Context, store *session.Store, systemPrompt string) bool {
	history := store.History()
	if len(history) <= TriggerThreshold {
		return false
	}

	prefix := history[:len(history)-RetainedWindow]
	c.logger.Info("summarizing older context",
		zap.Int("history_len", len(history)),
		zap.Int("prefix_len", len(prefix)),
	)

	summary := c.summarize(ctx, prefix)

	store.ReplacePrefix(RetainedWindow, []llm.Turn{{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("%s\n\nStory context: %s", systemPrompt, summary),
	}})

	c.logger.Info("context compacted", zap.Int("new_len", store.Len()))
	return true
}

// summarize issues one bounded, deterministic inference call over the prefix
// transcript. Any failure yields the placeholder summary.
func (c *Compactor) summarize(ctx context.Context, prefix []llm.Turn) string {
	var transcript strings.Builder
	for _, turn := range prefix {
		switch turn.Role {
		case llm.RoleUser:
			transcript.WriteString("User: " + turn.Content + "\n")
		case llm.RoleAssistant:
			transcript.WriteString("Assistant: " + turn.Content + "\n")
		}
	}

	prompt := fmt.Sprintf(`Please create a concise summary of this story conversation, preserving key plot points, characters, settings, and important details:

%s

Summary:`, transcript.String())

	stream, err := c.engine.StreamGenerate(ctx, prompt, llm.SamplingParams{
		Temperature:       0.3, // low temperature for consistent summaries
		TopP:              0.9,
		TopK:              50,
		RepetitionPenalty: 1.1,
		MaxTokens:         summaryMaxTokens,
		Seed:              summarySeed,
	})
	if err != nil {
		c.logger.Warn("summarization failed", zap.Error(err))
		return PlaceholderSummary
	}

	var summary strings.Builder
	for chunk := range stream {
		if chunk.Err != nil {
			c.logger.Warn("summarization failed mid-stream", zap.Error(chunk.Err))
			return PlaceholderSummary
		}
		summary.WriteString(chunk.Text)
	}

	result := strings.TrimSpace(summary.String())
	if result == "" {
		return PlaceholderSummary
	}
	return result
}
