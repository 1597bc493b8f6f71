// Package config loads the runtime configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level runtime configuration.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Storage  StorageConfig  `yaml:"storage"`
	Subtask  SubtaskConfig  `yaml:"subtask"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ProviderConfig selects and configures the LLM backend.
type ProviderConfig struct {
	// APIKey authenticates against the endpoint. Supports ${ENV} refs.
	APIKey string `yaml:"api_key"`

	// BaseURL points at an OpenAI-compatible endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the default model name.
	Model string `yaml:"model"`

	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxContextTokens int           `yaml:"max_context_tokens"`
	MaxOutputTokens  int           `yaml:"max_output_tokens"`
}

// AgentConfig tunes the loop engine.
type AgentConfig struct {
	MaxLoops               int           `yaml:"max_loops"`
	MaxRetries             int           `yaml:"max_retries"`
	MaxCompensationRetries int           `yaml:"max_compensation_retries"`
	RetryDelay             time.Duration `yaml:"retry_delay"`
	RequestTimeout         time.Duration `yaml:"request_timeout"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	MaxBufferSize          int           `yaml:"max_buffer_size"`
	ToolTimeout            time.Duration `yaml:"tool_timeout"`
	ToolConcurrency        int           `yaml:"tool_concurrency"`
	Stream                 bool          `yaml:"stream"`
	Thinking               bool          `yaml:"thinking"`
	EnableCompaction       bool          `yaml:"enable_compaction"`
	SystemPrompt           string        `yaml:"system_prompt"`
	WorkingDirectory       string        `yaml:"working_directory"`
}

// StorageConfig selects the memory backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file for the sqlite backend.
	Path string `yaml:"path"`
}

// SubtaskConfig tunes the sub-task runtime.
type SubtaskConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PersistInterval   time.Duration `yaml:"persist_interval"`
	StopWait          time.Duration `yaml:"stop_wait"`

	// RecoverOnStart runs the crash recovery pass at startup.
	RecoverOnStart bool `yaml:"recover_on_start"`

	// RestartInterrupted re-executes interrupted runs instead of
	// marking them failed.
	RestartInterrupted bool `yaml:"restart_interrupted"`
}

// LoggingConfig tunes diagnostic output.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			APIKey: "${OPENAI_API_KEY}",
		},
		Storage: StorageConfig{Backend: "memory"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML configuration file, expanding ${ENV} references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot produce a working runtime.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Backend) {
	case "", "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// ExpandKey resolves the provider API key, which may be a literal or an
// unexpanded ${ENV} reference when loaded from Default.
func (c *Config) ExpandKey() string {
	return os.ExpandEnv(c.Provider.APIKey)
}
