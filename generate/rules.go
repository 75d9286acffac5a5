package generate

import (
	"strings"
)

const (
	shortWindowSize      = 50
	repetitionCheckAfter = 50
	repetitionCheckEvery = 25
	repetitionSpan       = 40
	repetitionMinWords   = 15
	repetitionMinRatio   = 0.25
	wrapUpThreshold      = 768
	wrapUpTail           = 10
	resourceCheckEvery   = 50
)

// stopPatterns are role-boundary markers that must never reach the client.
var stopPatterns = []string{
	"User:", "\nUser", "Assistant:", "\nAssistant",
	"\nA:", "A:", "\nQ:", "Q:", "\n\n---", "Human:", "\nHuman",
}

// templateTokens are complete chat-template delimiters, matched exactly.
var templateTokens = []string{
	"<|eot_id|>", "<|start_header_id|>", "<|end_header_id|>",
	"<|im_start|>", "<|im_end|>", "<s>", "</s>",
}

// strippedTokens are removed from the final response text.
var strippedTokens = []string{
	"<|eot_id|>", "<|start_header_id|>", "<|end_header_id|>",
	"<|im_start|>", "<|im_end|>", "<s>", "</s>", "<|assistant|>",
	"<|user|>", "<|system|>",
}

// trailingRoles are stripped from the end of the final response text.
var trailingRoles = []string{"Assistant:", "User:", "Human:", "AI:"}

var closingPhrases = []string{
	"in conclusion", "finally", "to summarize", "overall", "in summary",
}

var sentenceEnders = map[string]bool{".": true, "!": true, "?": true, "\n": true}

// streamState is the per-generation ephemeral state: the accumulated text, a
// running token counter, and the short rolling window of recent tokens. It is
// discarded when the generation call ends.
type streamState struct {
	full      strings.Builder
	count     int
	window    []string
	maxTokens int
}

func newStreamState(maxTokens int) *streamState {
	return &streamState{
		window:    make([]string, 0, shortWindowSize),
		maxTokens: maxTokens,
	}
}

// accept appends the token to the accumulated text and rolling window.
func (s *streamState) accept(token string) {
	s.full.WriteString(token)
	s.count++
	s.window = append(s.window, token)
	if len(s.window) > shortWindowSize {
		s.window = s.window[1:]
	}
}

// tail joins the last n window tokens.
func (s *streamState) tail(n int) string {
	if len(s.window) < n {
		n = len(s.window)
	}
	return strings.Join(s.window[len(s.window)-n:], "")
}

// stopRule pairs a predicate with the state it produces. Rules are evaluated
// once per token in fixed priority order; preEmit rules run against the
// candidate token before it is emitted, the rest after.
type stopRule struct {
	state   State
	preEmit bool
	match   func(s *streamState, token string) bool
}

// stopRules in priority order: pattern > repetition > wrap-up > hard limit.
var stopRules = []stopRule{
	{state: StateStoppedPattern, preEmit: true, match: matchRoleBoundary},
	{state: StateStoppedRepetition, match: matchRepetition},
	{state: StateStoppedNormal, match: matchWrapUp},
	{state: StateStoppedLimit, match: matchHardLimit},
}

// matchRoleBoundary reports whether accepting token would put a role marker
// or template delimiter into the response.
func matchRoleBoundary(s *streamState, token string) bool {
	test := s.full.String() + token
	for _, pattern := range stopPatterns {
		if strings.Contains(test, pattern) {
			return true
		}
	}
	for _, delim := range templateTokens {
		if strings.Contains(test, delim) {
			return true
		}
	}
	return false
}

// matchRepetition checks the unique-word ratio over the recent window at the
// periodic checkpoint.
func matchRepetition(s *streamState, token string) bool {
	if s.count <= repetitionCheckAfter || s.count%repetitionCheckEvery != 0 {
		return false
	}

	words := strings.Fields(s.tail(repetitionSpan))
	if len(words) <= repetitionMinWords {
		return false
	}

	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(unique))/float64(len(words)) < repetitionMinRatio
}

// matchWrapUp looks for a closing-phrase cue on sentence boundaries once the
// response is long enough to nudge toward an ending.
func matchWrapUp(s *streamState, token string) bool {
	if s.count < wrapUpThreshold || !sentenceEnders[token] {
		return false
	}

	recent := strings.ToLower(s.tail(wrapUpTail))
	for _, phrase := range closingPhrases {
		if strings.Contains(recent, phrase) {
			return true
		}
	}
	return false
}

func matchHardLimit(s *streamState, token string) bool {
	return s.count >= s.maxTokens
}

// cleanResponse strips leaked template tokens and a trailing role marker from
// the accumulated response before it is persisted.
func cleanResponse(text string) string {
	cleaned := strings.TrimSpace(text)
	for _, tok := range strippedTokens {
		cleaned = strings.ReplaceAll(cleaned, tok, "")
	}
	cleaned = strings.TrimSpace(cleaned)
	for _, role := range trailingRoles {
		if strings.HasSuffix(cleaned, role) {
			cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, role))
		}
	}
	return cleaned
}
