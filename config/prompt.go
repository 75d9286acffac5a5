package config

import (
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultSystemPrompt is used when no system prompt file exists.
const DefaultSystemPrompt = "You are a helpful, harmless, and honest AI assistant. Provide clear, accurate, and concise responses."

// PromptLoader serves the base system prompt from a file, caching the content
// and invalidating the cache when the file changes on disk. When watching is
// unavailable it falls back to reading the file on every call.
type PromptLoader struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cached string
	valid  bool
}

// NewPromptLoader creates a loader for the system prompt file at path.
func NewPromptLoader(path string, logger *zap.Logger) *PromptLoader {
	l := &PromptLoader{path: path, logger: logger}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("prompt file watching unavailable, reading per call", zap.Error(err))
		return l
	}
	if err := watcher.Add(path); err != nil {
		// File may not exist yet; reads fall back to the default prompt.
		logger.Debug("not watching system prompt file", zap.String("path", path), zap.Error(err))
		watcher.Close()
		return l
	}

	l.watcher = watcher
	go l.watch()
	return l
}

// SystemPrompt returns the current base system prompt.
func (l *PromptLoader) SystemPrompt() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil && l.valid {
		return l.cached
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return DefaultSystemPrompt
	}
	prompt := strings.TrimSpace(string(data))

	if l.watcher != nil {
		l.cached = prompt
		l.valid = true
	}
	return prompt
}

func (l *PromptLoader) watch() {
	for {
		select {
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.logger.Debug("system prompt file changed", zap.String("op", event.Op.String()))
			l.mu.Lock()
			l.valid = false
			l.mu.Unlock()
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("prompt watcher error", zap.Error(err))
		}
	}
}

// Close stops the file watcher, if one is running.
func (l *PromptLoader) Close() error {
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
