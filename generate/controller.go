package generate

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/compact"
	"github.com/papercomputeco/hearth/guard"
	"github.com/papercomputeco/hearth/pkg/llm"
	"github.com/papercomputeco/hearth/session"
)

// responseGuidance is appended to the base system instruction on every call.
const responseGuidance = "\n\nRESPONSE GUIDELINES: Keep responses focused and concise. " +
	"Aim for 2-3 paragraphs maximum. Include narrative description, character dialogue " +
	"when appropriate, and clear scene progression. Avoid rambling or repetitive content."

// PromptSource supplies the base system instruction.
type PromptSource interface {
	SystemPrompt() string
}

// Request is one generation request after per-call overrides are resolved.
type Request struct {
	Prompt     string
	Params     llm.SamplingParams
	Regenerate bool
}

// Controller runs the streaming generation state machine. Generations are
// serialized: there is one session and one model, so history mutation and
// streaming run single-writer behind the controller's mutex.
type Controller struct {
	engine    llm.Engine
	store     *session.Store
	compactor *compact.Compactor
	guard     *guard.Guard
	prompts   PromptSource
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewController wires the controller with its collaborators.
func NewController(engine llm.Engine, store *session.Store, compactor *compact.Compactor,
	g *guard.Guard, prompts PromptSource, logger *zap.Logger) *Controller {
	return &Controller{
		engine:    engine,
		store:     store,
		compactor: compactor,
		guard:     g,
		prompts:   prompts,
		logger:    logger,
	}
}

// Stream runs one full generation, pushing events to emit strictly in
// production order, and returns the terminal state. Cancelling ctx (client
// disconnect) halts engine production; nothing further is emitted or
// persisted for that attempt.
func (c *Controller) Stream(ctx context.Context, req Request, emit func(Event)) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	// The stop heuristics abandon the stream mid-production; cancelling on
	// every exit releases the engine's producer instead of leaving it blocked
	// on an unread channel for the life of the request connection.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// INIT: update history, bound context, assemble the prompt.
	if req.Regenerate {
		c.store.RandomizeSeed()
		c.store.PopTrailingAssistant()
	} else {
		c.store.Append(llm.RoleUser, req.Prompt)
	}

	systemPrompt := c.prompts.SystemPrompt()
	c.compactor.MaybeInsertReminder(c.store, systemPrompt)
	c.compactor.Compact(ctx, c.store, systemPrompt)

	prompt := c.assemblePrompt(systemPrompt)
	req.Params.Seed = c.store.Seed()

	c.logger.Debug("starting generation",
		zap.Float64("temperature", req.Params.Temperature),
		zap.Float64("top_p", req.Params.TopP),
		zap.Int("top_k", req.Params.TopK),
		zap.Float64("repetition_penalty", req.Params.RepetitionPenalty),
		zap.Int("max_tokens", req.Params.MaxTokens),
		zap.Int("seed", req.Params.Seed),
		zap.Bool("regenerate", req.Regenerate),
	)

	stream, err := c.engine.StreamGenerate(ctx, prompt, req.Params)
	if err != nil {
		c.logger.Error("could not start generation", zap.Error(err))
		emit(Event{Error: err.Error()})
		emit(Event{Done: true})
		return StateError
	}

	// STREAMING: one event per accepted token, rules in fixed priority.
	st := newStreamState(req.Params.MaxTokens)
	state := StateStreaming
	var streamErr error

streaming:
	for chunk := range stream {
		if chunk.Err != nil {
			state = StateError
			streamErr = chunk.Err
			break
		}

		if token := chunk.Text; token != "" {
			for _, rule := range stopRules {
				if rule.preEmit && rule.match(st, token) {
					state = rule.state
					break streaming
				}
			}

			st.accept(token)
			emit(Event{Token: token})

			for _, rule := range stopRules {
				if !rule.preEmit && rule.match(st, token) {
					state = rule.state
					break streaming
				}
			}

			if st.count%resourceCheckEvery == 0 {
				c.guard.CheckAndEvict()
			}
		}

		if chunk.FinishReason != "" {
			if chunk.FinishReason == llm.FinishLength {
				state = StateStoppedLimit
			} else {
				state = StateStoppedNormal
			}
			break
		}
	}

	if state == StateStreaming {
		// Engine exhausted its sequence without a finish reason.
		state = StateStoppedNormal
	}

	if ctx.Err() != nil {
		c.logger.Info("generation cancelled by client",
			zap.Int("tokens", st.count))
		return StateClosed
	}

	// Termination: persist the cleaned turn, or discard on error.
	if state == StateError {
		c.logger.Error("inference failure mid-stream", zap.Error(streamErr))
		emit(Event{Error: streamErr.Error()})
	} else {
		if cleaned := cleanResponse(st.full.String()); cleaned != "" {
			c.store.Append(llm.RoleAssistant, cleaned)
		}
		c.logger.Info("generation complete",
			zap.Stringer("state", state),
			zap.Int("tokens", st.count),
			zap.Int("history_len", c.store.Len()),
		)
	}

	emit(Event{Done: true})
	return state
}

// assemblePrompt renders the system instruction, guidance, and history
// through the engine's chat template when available, else the plain
// role-prefixed format ending in an assistant cue.
func (c *Controller) assemblePrompt(systemPrompt string) string {
	instruction := systemPrompt + responseGuidance
	history := c.store.History()

	turns := make([]llm.Turn, 0, len(history)+1)
	turns = append(turns, llm.Turn{Role: llm.RoleSystem, Content: instruction})
	turns = append(turns, history...)
	if prompt, ok := c.engine.FormatPrompt(turns); ok {
		return prompt
	}

	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\n")
	for _, turn := range history {
		switch turn.Role {
		case llm.RoleUser:
			b.WriteString("User: " + turn.Content + "\n")
		case llm.RoleAssistant:
			b.WriteString("Assistant: " + turn.Content + "\n")
		}
	}
	b.WriteString("Assistant:")
	return b.String()
}
