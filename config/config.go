// Package config reads the startup configuration selecting the active model
// and adapter, and serves the system prompt file.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the startup configuration. It is read once at process start and
// never hot-reloaded.
type Config struct {
	// Address to listen on (e.g., ":5000")
	ListenAddr string `toml:"listen_addr"`

	// Inference runtime base URL (e.g., "http://localhost:11434")
	RuntimeURL string `toml:"runtime_url"`

	// Model to load, as known to the runtime
	ModelPath string `toml:"model_path"`

	// Optional LoRA adapter
	AdapterPath string `toml:"adapter_path"`

	// Path to the durable sampling preference file
	PreferencesPath string `toml:"preferences_path"`

	// Path to the system prompt file
	SystemPromptPath string `toml:"system_prompt_path"`
}

// Default returns the configuration used when no config file exists.
func Default() Config {
	return Config{
		ListenAddr:       "127.0.0.1:5000",
		RuntimeURL:       "http://localhost:11434",
		PreferencesPath:  "slider_preferences.json",
		SystemPromptPath: "system_prompt.txt",
	}
}

// Load reads the TOML config at path, filling unset fields from Default. A
// missing file yields the defaults with no error; a corrupt file yields the
// defaults and a non-fatal error for the caller to log.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var loaded Config
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if loaded.ListenAddr != "" {
		cfg.ListenAddr = loaded.ListenAddr
	}
	if loaded.RuntimeURL != "" {
		cfg.RuntimeURL = loaded.RuntimeURL
	}
	cfg.ModelPath = loaded.ModelPath
	cfg.AdapterPath = loaded.AdapterPath
	if loaded.PreferencesPath != "" {
		cfg.PreferencesPath = loaded.PreferencesPath
	}
	if loaded.SystemPromptPath != "" {
		cfg.SystemPromptPath = loaded.SystemPromptPath
	}

	return cfg, nil
}
