package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/internal/providers/openaicompat"
	"github.com/haasonsaas/strand/internal/stream"
	"github.com/haasonsaas/strand/internal/subtask"
	"github.com/haasonsaas/strand/internal/todo"
	"github.com/haasonsaas/strand/pkg/models"
)

// buildRunCmd creates the "run" command: one agent run for a prompt,
// streaming output to the terminal.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		tracePath  string
		background bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run the agent for a single prompt and stream the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return runAgent(cmd.Context(), configPath, sessionID, tracePath, prompt, background)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session id")
	cmd.Flags().StringVar(&tracePath, "trace", "", "Append raw events as JSONL to this file")
	cmd.Flags().BoolVar(&background, "background", false, "Run as a detached sub-task and print the run id")

	return cmd
}

// buildTasksCmd creates the "tasks" command: list persisted sub-task runs.
func buildTasksCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List sub-task runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(configPath)
			if err != nil {
				return err
			}
			defer env.close()

			runs, err := env.memory.QuerySubTaskRuns(cmd.Context(),
				memory.SubTaskQuery{ParentSessionID: sessionID})
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("%s  %-10s  %s\n", run.RunID, run.Status, run.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Filter by parent session id")

	return cmd
}

// buildRecoverCmd creates the "recover" command: run the crash recovery
// pass over persisted sub-task runs.
func buildRecoverCmd() *cobra.Command {
	var (
		configPath string
		restart    bool
	)

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail or restart sub-task runs interrupted by a crash",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := buildEnv(configPath)
			if err != nil {
				return err
			}
			defer env.close()

			runtime, err := subtask.NewRuntime(subtask.Config{
				Memory:   env.memory,
				Provider: env.provider,
				Logger:   env.logger.With("component", "subtask"),
			})
			if err != nil {
				return err
			}
			return runtime.Recover(cmd.Context(), subtask.RecoveryOptions{Restart: restart})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVar(&restart, "restart", false, "Re-execute interrupted runs instead of failing them")

	return cmd
}

// env bundles the wired runtime dependencies for one CLI invocation.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	memory   memory.Manager
	provider agent.Provider
}

func (e *env) close() {
	if e.memory != nil {
		_ = e.memory.Close()
	}
}

func buildEnv(configPath string) (*env, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	mem, err := buildMemory(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := mem.Initialize(context.Background()); err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}

	provider, err := openaicompat.New(openaicompat.Config{
		APIKey:           cfg.ExpandKey(),
		BaseURL:          cfg.Provider.BaseURL,
		Model:            cfg.Provider.Model,
		RequestTimeout:   cfg.Provider.RequestTimeout,
		MaxContextTokens: cfg.Provider.MaxContextTokens,
		MaxOutputTokens:  cfg.Provider.MaxOutputTokens,
	})
	if err != nil {
		return nil, err
	}

	return &env{cfg: cfg, logger: logger, memory: mem, provider: provider}, nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func buildMemory(cfg config.StorageConfig) (memory.Manager, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return memory.NewInMemory(), nil
	case "sqlite":
		return memory.NewSQLite(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// runAgent wires the full runtime and executes one prompt, rendering the
// event stream to the terminal through the adapter.
func runAgent(ctx context.Context, configPath, sessionID, tracePath, prompt string, background bool) error {
	env, err := buildEnv(configPath)
	if err != nil {
		return err
	}
	defer env.close()

	registry := agent.NewToolRegistry()
	taskStore := todo.NewStore(env.memory)
	if err := todo.RegisterTools(registry, taskStore); err != nil {
		return err
	}

	events := make(chan models.Event, 256)
	var sink agent.EventSink = agent.NewChanSink(events)
	if tracePath != "" {
		trace, err := stream.NewTraceSink(tracePath)
		if err != nil {
			return err
		}
		defer trace.Close()
		sink = agent.NewMultiSink(sink, trace)
	}

	agentCfg := buildAgentConfig(env, registry, sink, sessionID)

	runtime, err := subtask.NewRuntime(subtask.Config{
		Memory:        env.memory,
		Provider:      env.provider,
		Sink:          sink,
		AgentDefaults: agentCfg,
	})
	if err != nil {
		return err
	}
	if err := subtask.RegisterTools(registry, runtime); err != nil {
		return err
	}
	if env.cfg.Subtask.RecoverOnStart {
		if err := runtime.Recover(ctx, subtask.RecoveryOptions{
			Restart: env.cfg.Subtask.RestartInterrupted,
		}); err != nil {
			env.logger.Warn("recovery pass failed", "error", err)
		}
	}

	if background {
		run, err := runtime.Start(ctx, subtask.StartRequest{
			Prompt: prompt,
			Mode:   models.SubTaskBackground,
		})
		if err != nil {
			return err
		}
		fmt.Println(run.RunID)
		return nil
	}

	engine, err := agent.NewEngine(agentCfg)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go renderEvents(events, done)

	result, err := engine.Execute(ctx, prompt)
	close(events)
	<-done
	if err != nil {
		return err
	}
	if result.Status != string(models.StateCompleted) {
		if result.Failure != nil {
			return fmt.Errorf("%s", result.Failure.Error())
		}
		return fmt.Errorf("run ended with status %s", result.Status)
	}
	return nil
}

func buildAgentConfig(env *env, registry *agent.ToolRegistry, sink agent.EventSink, sessionID string) *agent.Config {
	cfg := agent.DefaultConfig()
	ac := env.cfg.Agent
	if ac.MaxLoops > 0 {
		cfg.MaxLoops = ac.MaxLoops
	}
	if ac.MaxRetries > 0 {
		cfg.MaxRetries = ac.MaxRetries
	}
	if ac.MaxCompensationRetries > 0 {
		cfg.MaxCompensationRetries = ac.MaxCompensationRetries
	}
	if ac.RetryDelay > 0 {
		cfg.RetryDelay = ac.RetryDelay
	}
	if ac.MaxBufferSize > 0 {
		cfg.MaxBufferSize = ac.MaxBufferSize
	}
	if ac.ToolTimeout > 0 {
		cfg.ToolExec.PerToolTimeout = ac.ToolTimeout
	}
	if ac.ToolConcurrency > 0 {
		cfg.ToolExec.Concurrency = ac.ToolConcurrency
	}
	cfg.RequestTimeout = ac.RequestTimeout
	cfg.IdleTimeout = ac.IdleTimeout
	cfg.Stream = ac.Stream
	cfg.Thinking = ac.Thinking
	cfg.EnableCompaction = ac.EnableCompaction
	cfg.SystemPrompt = ac.SystemPrompt
	cfg.WorkingDirectory = ac.WorkingDirectory
	cfg.SessionID = sessionID
	cfg.Model = env.cfg.Provider.Model
	cfg.Memory = env.memory
	cfg.Provider = env.provider
	cfg.Registry = registry
	cfg.Sink = sink
	cfg.Logger = env.logger.With("component", "agent")
	return cfg
}

// renderEvents drives the stream adapter over the event channel and
// prints the rebuilt stream.
func renderEvents(events <-chan models.Event, done chan<- struct{}) {
	defer close(done)

	adapter := stream.NewAdapter(stream.Handlers{
		TextDelta: func(msgID, content string) {
			fmt.Print(content)
		},
		TextComplete: func(msgID, content string) {
			fmt.Println()
		},
		ToolUpdate: func(inv *stream.Invocation) {
			if inv.Status != stream.InvocationRunning {
				fmt.Printf("  [tool %s: %s]\n", inv.ToolName, inv.Status)
			}
		},
		Status: func(state models.AgentState, message string) {
			if state == models.StateRetrying {
				fmt.Fprintf(os.Stderr, "  %s\n", message)
			}
		},
		SessionComplete: func(s stream.Summary) {
			fmt.Fprintf(os.Stderr, "session %s: %s (%d tokens)\n",
				s.SessionID, s.State, s.Usage.Total)
		},
	})
	for e := range events {
		adapter.HandleEvent(e)
	}
	adapter.Flush()
}
