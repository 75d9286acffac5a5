// Package prefs persists the user's sampling preferences to a small JSON
// file. Reads fall back to hard-coded defaults so a missing or corrupt file
// is never fatal; writes are validated and atomic.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/papercomputeco/hearth/pkg/llm"
)

// Preferences is the durable sampling configuration.
type Preferences struct {
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MaxTokens         int     `json:"max_tokens"`
}

// Defaults returns the documented fallback preferences.
func Defaults() Preferences {
	return Preferences{
		Temperature:       0.7,
		TopP:              0.9,
		TopK:              50,
		RepetitionPenalty: 1.1,
		MaxTokens:         1024,
	}
}

// Params converts preferences into sampling parameters with the given seed.
func (p Preferences) Params(seed int) llm.SamplingParams {
	return llm.SamplingParams{
		Temperature:       p.Temperature,
		TopP:              p.TopP,
		TopK:              p.TopK,
		RepetitionPenalty: p.RepetitionPenalty,
		MaxTokens:         p.MaxTokens,
		Seed:              seed,
	}
}

// Store loads and saves preferences at a fixed path.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewStore creates a preference store backed by the file at path.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Load returns the persisted preferences, or the defaults when the file is
// missing or unreadable.
func (s *Store) Load() Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("could not read preference file, using defaults",
				zap.String("path", s.path), zap.Error(err))
		}
		return Defaults()
	}

	var p Preferences
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Warn("corrupt preference file, using defaults",
			zap.String("path", s.path), zap.Error(err))
		return Defaults()
	}
	return p
}

// Save validates the raw payload and atomically overwrites the preference
// file. The store is untouched when validation fails.
func (s *Store) Save(payload map[string]any) (Preferences, error) {
	p, err := Validate(payload)
	if err != nil {
		return Preferences{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(p, "", "    ")
	if err != nil {
		return Preferences{}, fmt.Errorf("marshal preferences: %w", err)
	}

	// Write-then-rename so readers never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".prefs-*")
	if err != nil {
		return Preferences{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Preferences{}, fmt.Errorf("write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Preferences{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return Preferences{}, fmt.Errorf("replace preference file: %w", err)
	}

	return p, nil
}

// Validate checks that payload is a well-formed mapping of exactly the five
// recognized preference keys and returns the parsed preferences.
func Validate(payload map[string]any) (Preferences, error) {
	if payload == nil {
		return Preferences{}, fmt.Errorf("preferences payload must be an object")
	}

	recognized := map[string]bool{
		"temperature":        true,
		"top_p":              true,
		"top_k":              true,
		"repetition_penalty": true,
		"max_tokens":         true,
	}
	for key := range payload {
		if !recognized[key] {
			return Preferences{}, fmt.Errorf("unrecognized preference key %q", key)
		}
	}

	p := Preferences{}
	var err error
	if p.Temperature, err = floatField(payload, "temperature"); err != nil {
		return Preferences{}, err
	}
	if p.TopP, err = floatField(payload, "top_p"); err != nil {
		return Preferences{}, err
	}
	if p.TopK, err = intField(payload, "top_k"); err != nil {
		return Preferences{}, err
	}
	if p.RepetitionPenalty, err = floatField(payload, "repetition_penalty"); err != nil {
		return Preferences{}, err
	}
	if p.MaxTokens, err = intField(payload, "max_tokens"); err != nil {
		return Preferences{}, err
	}

	switch {
	case p.Temperature < 0:
		return Preferences{}, fmt.Errorf("temperature must be >= 0")
	case p.TopP < 0 || p.TopP > 1:
		return Preferences{}, fmt.Errorf("top_p must be within [0, 1]")
	case p.TopK < 0:
		return Preferences{}, fmt.Errorf("top_k must be >= 0")
	case p.RepetitionPenalty < 1:
		return Preferences{}, fmt.Errorf("repetition_penalty must be >= 1")
	case p.MaxTokens <= 0:
		return Preferences{}, fmt.Errorf("max_tokens must be > 0")
	}

	return p, nil
}

func floatField(payload map[string]any, key string) (float64, error) {
	v, ok := payload[key]
	if !ok {
		return 0, fmt.Errorf("missing preference key %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("preference %q must be a number", key)
	}
	return f, nil
}

func intField(payload map[string]any, key string) (int, error) {
	f, err := floatField(payload, key)
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, fmt.Errorf("preference %q must be an integer", key)
	}
	return int(f), nil
}
