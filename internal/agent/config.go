package agent

import (
	"log/slog"
	"time"

	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

// Config configures one Engine. Build from DefaultConfig and override;
// sanitizeConfig replaces invalid numeric fields with defaults.
type Config struct {
	// MaxLoops is the hard cap on think/act iterations per Execute.
	// Default: 3000.
	MaxLoops int

	// MaxRetries caps retries of a single provider call for transient
	// errors. Zero disables retries. Default: 10.
	MaxRetries int

	// MaxCompensationRetries caps empty-response retries. Tracked
	// separately from MaxRetries and not reset by success. Zero
	// disables compensation. Default: 1.
	MaxCompensationRetries int

	// RetryDelay is the base backoff between retries. Default: 5s.
	RetryDelay time.Duration

	// RequestTimeout is the per-provider-call wall-clock cap. When zero,
	// the provider's own timeout applies.
	RequestTimeout time.Duration

	// IdleTimeout is the per-provider-call inactivity cap: the stream
	// fails if no chunk arrives within it. Zero disables.
	IdleTimeout time.Duration

	// MaxBufferSize caps accumulated streamed bytes per call. Overflow
	// is a hard failure. Default: 100000.
	MaxBufferSize int

	// Stream requests streaming responses from the provider.
	Stream bool

	// Thinking treats reasoning-only responses as valid completions.
	Thinking bool

	// EnableCompaction turns on automatic history summarization.
	EnableCompaction bool

	// Compaction configures summarization when EnableCompaction is set.
	Compaction CompactionConfig

	// Model overrides the provider's default model when non-empty.
	Model string

	// SessionID resumes an existing session when non-empty.
	SessionID string

	// SystemPrompt is the system prompt for new sessions.
	SystemPrompt string

	// Memory is the storage backend. Defaults to an in-memory manager.
	Memory memory.Manager

	// Provider is the LLM backend. Required.
	Provider Provider

	// Registry provides tools. A nil registry means no tools.
	Registry *ToolRegistry

	// ToolExec tunes tool batch execution (concurrency, per-tool
	// timeout, stream log retention). Zero fields fall back to
	// DefaultToolExecConfig.
	ToolExec ToolExecConfig

	// Sink receives the event stream. A nil sink discards events.
	Sink EventSink

	// Sanitizer redacts sensitive tool output before it is persisted
	// or emitted. Optional.
	Sanitizer Sanitizer

	// WorkingDirectory is handed to tools through their context.
	WorkingDirectory string

	// Logger for engine diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// CompactionConfig tunes automatic history summarization.
type CompactionConfig struct {
	// MaxTokens caps the summary length. Default: 1024.
	MaxTokens int

	// KeepLast is how many recent messages survive compaction verbatim.
	// Default: 10.
	KeepLast int

	// TriggerRatio triggers compaction when cumulative tokens exceed
	// TriggerRatio * provider.MaxContextTokens(). Default: 0.8.
	TriggerRatio float64
}

// Default configuration values.
const (
	DefaultMaxLoops               = 3000
	DefaultMaxRetries             = 10
	DefaultMaxCompensationRetries = 1
	DefaultRetryDelay             = 5 * time.Second
	DefaultMaxBufferSize          = 100_000
)

// DefaultConfig returns the default engine configuration. Provider and
// Sink must still be supplied by the caller.
func DefaultConfig() *Config {
	return &Config{
		MaxLoops:               DefaultMaxLoops,
		MaxRetries:             DefaultMaxRetries,
		MaxCompensationRetries: DefaultMaxCompensationRetries,
		RetryDelay:             DefaultRetryDelay,
		MaxBufferSize:          DefaultMaxBufferSize,
		Compaction:             CompactionConfig{MaxTokens: 1024, KeepLast: 10, TriggerRatio: 0.8},
		ToolExec:               DefaultToolExecConfig(),
	}
}

func sanitizeConfig(config *Config) *Config {
	if config == nil {
		return DefaultConfig()
	}
	cfg := *config
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = DefaultMaxLoops
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.MaxCompensationRetries < 0 {
		cfg.MaxCompensationRetries = DefaultMaxCompensationRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.Compaction.MaxTokens <= 0 {
		cfg.Compaction.MaxTokens = 1024
	}
	if cfg.Compaction.KeepLast <= 0 {
		cfg.Compaction.KeepLast = 10
	}
	if cfg.Compaction.TriggerRatio <= 0 || cfg.Compaction.TriggerRatio > 1 {
		cfg.Compaction.TriggerRatio = 0.8
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewInMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "agent")
	}
	return &cfg
}

// Result is the outcome of one Execute call.
type Result struct {
	// Status is "completed", "failed", or "aborted".
	Status string `json:"status"`

	// FinalMessage is the assistant's final answer on completion.
	FinalMessage *models.Message `json:"final_message,omitempty"`

	// Failure describes the terminal error on failed/aborted runs.
	Failure *Failure `json:"failure,omitempty"`

	// LoopCount is the number of think/act iterations consumed.
	LoopCount int `json:"loop_count"`

	// RetryCount is the total number of provider retries across the run.
	RetryCount int `json:"retry_count"`

	// SessionID identifies the session the run used.
	SessionID string `json:"session_id"`
}
