// Package session owns the ordered conversation history and the current
// generation seed for the single shared chat session.
package session

import (
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/papercomputeco/hearth/pkg/llm"
)

// Store holds the conversation turns, the current seed, and the derived last
// user prompt. There is one Store per process, created at startup and mutated
// by every request, so all access goes through its mutex.
type Store struct {
	mu             sync.RWMutex
	id             string
	turns          []llm.Turn
	seed           int
	lastUserPrompt string
}

// NewStore creates an empty session with a fresh random seed. The session is
// assigned a unique UUIDv7 identifier for log correlation.
func NewStore() *Store {
	return &Store{
		id:   uuid.Must(uuid.NewV7()).String(),
		seed: drawSeed(),
	}
}

func drawSeed() int {
	return rand.Intn(1_000_000) + 1
}

// ID returns the unique session identifier.
func (s *Store) ID() string {
	return s.id
}

// Append adds a turn to the end of the history.
func (s *Store) Append(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.turns = append(s.turns, llm.Turn{Role: role, Content: content})
	if role == llm.RoleUser {
		s.lastUserPrompt = content
	}
}

// DeleteAt removes the turn at index. Out-of-range indexes are a no-op and
// report false.
func (s *Store) DeleteAt(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.turns) {
		return false
	}
	s.turns = append(s.turns[:index], s.turns[index+1:]...)
	s.recomputeLastUserPrompt()
	return true
}

// DeleteLast removes the most recent turn. Empty history is a no-op and
// reports false.
func (s *Store) DeleteLast() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 {
		return false
	}
	s.turns = s.turns[:len(s.turns)-1]
	s.recomputeLastUserPrompt()
	return true
}

// PopTrailingAssistant removes the trailing assistant turn, if present. Used
// by regeneration, which re-generates the dropped response.
func (s *Store) PopTrailingAssistant() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) == 0 || s.turns[len(s.turns)-1].Role != llm.RoleAssistant {
		return false
	}
	s.turns = s.turns[:len(s.turns)-1]
	s.recomputeLastUserPrompt()
	return true
}

// History returns a defensive copy of the conversation turns in order.
func (s *Store) History() []llm.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]llm.Turn, len(s.turns))
	copy(copied, s.turns)
	return copied
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// LastUserPrompt returns the content of the most recent user turn, or empty
// when the history holds none. Recomputed after every deletion.
func (s *Store) LastUserPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUserPrompt
}

// ReplacePrefix swaps everything before the last keep turns for the given
// replacement turns. Used only by the compactor; when the history holds at
// most keep turns it is a no-op.
func (s *Store) ReplacePrefix(keep int, replacement []llm.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.turns) <= keep {
		return
	}
	retained := s.turns[len(s.turns)-keep:]
	next := make([]llm.Turn, 0, len(replacement)+keep)
	next = append(next, replacement...)
	next = append(next, retained...)
	s.turns = next
	s.recomputeLastUserPrompt()
}

// Seed returns the current generation seed.
func (s *Store) Seed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed
}

// RandomizeSeed replaces the session seed with a fresh draw and returns it.
func (s *Store) RandomizeSeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seed = drawSeed()
	return s.seed
}

// recomputeLastUserPrompt scans backward for the most recent user turn.
// Callers must hold the write lock.
func (s *Store) recomputeLastUserPrompt() {
	s.lastUserPrompt = ""
	for i := len(s.turns) - 1; i >= 0; i-- {
		if s.turns[i].Role == llm.RoleUser {
			s.lastUserPrompt = s.turns[i].Content
			return
		}
	}
}
