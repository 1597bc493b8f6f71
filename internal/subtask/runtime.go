// Package subtask runs child agents spawned by the task tool, in the
// foreground or detached in the background, with persisted progress
// snapshots and crash recovery.
package subtask

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

const (
	// DefaultHeartbeatInterval drives progress snapshots for running
	// children.
	DefaultHeartbeatInterval = time.Second

	// DefaultPersistInterval is the minimum spacing between persisted
	// snapshots unless the snapshot changed.
	DefaultPersistInterval = 1500 * time.Millisecond

	// DefaultStopWait bounds how long Stop waits for a child to settle
	// before forcing the cancelled state.
	DefaultStopWait = 2 * time.Second

	// interruptedReason marks runs found non-terminal after a restart.
	interruptedReason = "Task interrupted by program exit"
)

// Persona is a named child configuration: system prompt plus toolset.
type Persona struct {
	Name         string
	SystemPrompt string
	Registry     *agent.ToolRegistry
}

// Config configures the sub-task runtime.
type Config struct {
	Memory   memory.Manager
	Provider agent.Provider

	// Sink receives the parent-side event stream; child events are
	// wrapped in subagent envelopes before delivery.
	Sink agent.EventSink

	// Personas maps subagent type names to child configurations. The
	// empty key is the default persona.
	Personas map[string]Persona

	// AgentDefaults seeds the child engine configuration. Provider,
	// Memory, Sink, SessionID, and SystemPrompt are overridden per run.
	AgentDefaults *agent.Config

	HeartbeatInterval time.Duration
	PersistInterval   time.Duration
	StopWait          time.Duration

	Logger *slog.Logger
}

// Runtime owns the map of run ids to live handles. Handles keep a
// reference to the child engine only while the run is live; it is
// cleared on terminal state.
type Runtime struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*runHandle
}

// NewRuntime creates a sub-task runtime.
func NewRuntime(config Config) (*Runtime, error) {
	if config.Memory == nil {
		return nil, fmt.Errorf("subtask runtime requires a memory manager")
	}
	if config.Provider == nil {
		return nil, agent.ErrNoProvider
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.PersistInterval <= 0 {
		config.PersistInterval = DefaultPersistInterval
	}
	if config.StopWait <= 0 {
		config.StopWait = DefaultStopWait
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "subtask")
	}
	return &Runtime{
		config:  config,
		logger:  config.Logger,
		handles: make(map[string]*runHandle),
	}, nil
}

// runHandle tracks one live child run.
type runHandle struct {
	mu     sync.Mutex
	run    *models.SubTaskRun
	engine *agent.Engine
	cancel context.CancelFunc
	done   chan struct{}

	lastPersist   time.Time
	dirty         bool
	stopRequested bool
}

func (h *runHandle) snapshot() models.SubTaskRun {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.run
}

// StartRequest describes a child run to launch.
type StartRequest struct {
	ParentSessionID string
	Prompt          string
	Description     string
	SubagentType    string
	Mode            models.SubTaskMode
	ModelHint       string

	// ChildSessionID resumes an existing child session when non-empty;
	// otherwise a deterministic id is derived from the run id.
	ChildSessionID string
}

// Start launches a child run. Background mode returns the queued
// snapshot immediately; foreground mode blocks until the run is
// terminal and returns the final snapshot.
func (r *Runtime) Start(ctx context.Context, req StartRequest) (*models.SubTaskRun, error) {
	if req.Prompt == "" {
		return nil, agent.ErrEmptyInput
	}
	if req.Mode == "" {
		req.Mode = models.SubTaskForeground
	}

	runID := uuid.NewString()
	childSessionID := req.ChildSessionID
	if childSessionID == "" {
		childSessionID = ChildSessionID(req.ParentSessionID, runID)
	}
	run := &models.SubTaskRun{
		RunID:           runID,
		ParentSessionID: req.ParentSessionID,
		ChildSessionID:  childSessionID,
		Mode:            req.Mode,
		Status:          models.SubTaskQueued,
		CreatedAt:       time.Now(),
		Description:     req.Description,
		Prompt:          req.Prompt,
		SubagentType:    req.SubagentType,
		ModelHint:       req.ModelHint,
	}
	if err := r.config.Memory.SaveSubTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	handle := &runHandle{
		run:  run,
		done: make(chan struct{}),
	}
	r.mu.Lock()
	r.handles[runID] = handle
	r.mu.Unlock()

	// Background children detach from the caller's context so a returning
	// tool call doesn't kill them.
	childCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle.cancel = cancel

	go r.runChild(childCtx, handle, req)

	if req.Mode == models.SubTaskForeground {
		select {
		case <-handle.done:
		case <-ctx.Done():
			handle.mu.Lock()
			handle.stopRequested = true
			handle.mu.Unlock()
			cancel()
			<-handle.done
		}
		final := handle.snapshot()
		return &final, nil
	}

	queued := handle.snapshot()
	return &queued, nil
}

// ChildSessionID derives the deterministic child session id for a run.
func ChildSessionID(parentSessionID, runID string) string {
	return parentSessionID + "::subtask::" + runID
}

// runChild drives one child engine to a terminal state, heartbeating
// snapshots along the way.
func (r *Runtime) runChild(ctx context.Context, handle *runHandle, req StartRequest) {
	defer close(handle.done)

	run := handle.run
	persona := r.persona(req.SubagentType)

	model, applied := ResolveModel(req.ModelHint)
	if req.ModelHint != "" {
		r.logger.Info("model routing resolved",
			"hint", req.ModelHint, "model", model, "applied", applied)
	}

	cfg := r.childConfig(run, persona, model)
	engine, err := agent.NewEngine(cfg)
	if err != nil {
		r.finish(ctx, handle, models.SubTaskFailed, "", err.Error())
		return
	}

	handle.mu.Lock()
	handle.engine = engine
	run.Status = models.SubTaskRunning
	run.StartedAt = time.Now()
	run.LastActivityAt = run.StartedAt
	handle.mu.Unlock()
	r.persist(ctx, handle, true)

	stopHeartbeat := make(chan struct{})
	go r.heartbeat(ctx, handle, stopHeartbeat)

	result := engine.ExecuteWithResult(ctx, req.Prompt)
	close(stopHeartbeat)

	handle.mu.Lock()
	stopRequested := handle.stopRequested
	handle.engine = nil
	handle.mu.Unlock()

	switch {
	case stopRequested || result.Status == string(models.StateAborted):
		reason := "cancelled by task_stop"
		if result.Failure != nil {
			reason = result.Failure.UserMessage
		}
		r.finish(ctx, handle, models.SubTaskCancelled, "", reason)
	case result.Status == string(models.StateCompleted):
		output := ""
		if result.FinalMessage != nil {
			output = result.FinalMessage.Content
		}
		r.finish(ctx, handle, models.SubTaskCompleted, output, "")
	default:
		reason := "child run failed"
		if result.Failure != nil {
			reason = result.Failure.Error()
		}
		r.finish(ctx, handle, models.SubTaskFailed, "", reason)
	}
}

// childConfig assembles the child engine configuration, wrapping child
// events in subagent envelopes on the parent stream.
func (r *Runtime) childConfig(run *models.SubTaskRun, persona Persona, model string) *agent.Config {
	var cfg agent.Config
	if r.config.AgentDefaults != nil {
		cfg = *r.config.AgentDefaults
	} else {
		cfg = *agent.DefaultConfig()
	}
	cfg.Provider = r.config.Provider
	cfg.Memory = r.config.Memory
	cfg.SessionID = run.ChildSessionID
	cfg.SystemPrompt = persona.SystemPrompt
	cfg.Registry = persona.Registry
	if model != "" {
		cfg.Model = model
	}

	parentEmitter := agent.NewEmitter(run.ParentSessionID, r.config.Sink)
	handle := r.handle(run.RunID)
	cfg.Sink = agent.NewCallbackSink(func(ctx context.Context, e models.Event) {
		r.observe(handle, e)
		parentEmitter.EmitSubagentEvent(ctx, run.RunID, run.ChildSessionID, run.SubagentType, e)
	})
	return &cfg
}

// observe updates the handle's progress counters from a child event.
func (r *Runtime) observe(handle *runHandle, e models.Event) {
	if handle == nil {
		return
	}
	handle.mu.Lock()
	defer handle.mu.Unlock()
	run := handle.run
	run.LastActivityAt = time.Now()
	switch e.Type {
	case models.EventTextComplete:
		run.Turns++
		run.MessageCount++
	case models.EventToolCallCreated:
		if e.ToolCalls != nil {
			run.ToolsUsed += len(e.ToolCalls.Calls)
			if n := len(e.ToolCalls.Calls); n > 0 {
				run.LastToolName = e.ToolCalls.Calls[n-1].Name
			}
			run.MessageCount++
		}
	case models.EventToolCallResult:
		run.MessageCount++
	}
	handle.dirty = true
}

// heartbeat persists progress snapshots while the child runs, coalescing
// writes to at most one per persist interval unless the snapshot changed.
func (r *Runtime) heartbeat(ctx context.Context, handle *runHandle, stop <-chan struct{}) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.persist(ctx, handle, false)
		}
	}
}

// persist writes the current snapshot, rate-limited unless forced or
// dirty.
func (r *Runtime) persist(ctx context.Context, handle *runHandle, force bool) {
	handle.mu.Lock()
	if !force && !handle.dirty && time.Since(handle.lastPersist) < r.config.PersistInterval {
		handle.mu.Unlock()
		return
	}
	snapshot := *handle.run
	handle.dirty = false
	handle.lastPersist = time.Now()
	handle.mu.Unlock()

	if err := r.config.Memory.SaveSubTaskRun(ctx, &snapshot); err != nil {
		r.logger.Warn("failed to persist run snapshot", "run_id", snapshot.RunID, "error", err)
	}
}

// finish records the terminal snapshot and releases the live handle's
// engine reference.
func (r *Runtime) finish(ctx context.Context, handle *runHandle, status models.SubTaskStatus, output, errText string) {
	handle.mu.Lock()
	run := handle.run
	run.Status = status
	run.FinishedAt = time.Now()
	run.Output = output
	run.Error = errText
	handle.engine = nil
	handle.mu.Unlock()

	r.persist(context.WithoutCancel(ctx), handle, true)
	r.logger.Info("sub-task finished",
		"run_id", run.RunID, "status", status, "child_session", run.ChildSessionID)
}

func (r *Runtime) handle(runID string) *runHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[runID]
}

// Output returns the current or final snapshot for a run. When block is
// true it waits up to timeout for the run to reach a terminal state.
func (r *Runtime) Output(ctx context.Context, runID string, block bool, timeout time.Duration) (*models.SubTaskRun, error) {
	handle := r.handle(runID)
	if handle == nil {
		// Not live in this process: fall back to the persisted record.
		return r.config.Memory.GetSubTaskRun(ctx, runID)
	}

	if block {
		var timeoutC <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timeoutC = timer.C
		}
		select {
		case <-handle.done:
		case <-timeoutC:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	snapshot := handle.snapshot()
	return &snapshot, nil
}

// Stop requests cancellation of a run: mark cancelling, signal the
// child's abort, and wait bounded for it to settle. If the child does
// not settle in time the cancelled state is forced.
func (r *Runtime) Stop(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	handle := r.handle(runID)
	if handle == nil {
		run, err := r.config.Memory.GetSubTaskRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if !run.Status.Terminal() {
			// No live handle to signal; the record is stale.
			run.Status = models.SubTaskCancelled
			run.FinishedAt = time.Now()
			run.Error = "cancelled without a live run"
			if err := r.config.Memory.SaveSubTaskRun(ctx, run); err != nil {
				return nil, err
			}
		}
		return run, nil
	}

	handle.mu.Lock()
	alreadyTerminal := handle.run.Status.Terminal()
	if !alreadyTerminal {
		handle.stopRequested = true
		handle.run.Status = models.SubTaskCancelling
	}
	engine := handle.engine
	cancel := handle.cancel
	handle.mu.Unlock()

	if alreadyTerminal {
		snapshot := handle.snapshot()
		return &snapshot, nil
	}

	r.persist(ctx, handle, true)
	if engine != nil {
		engine.Abort()
	}
	if cancel != nil {
		cancel()
	}

	timer := time.NewTimer(r.config.StopWait)
	defer timer.Stop()
	select {
	case <-handle.done:
	case <-timer.C:
		// The child did not settle in time; force the terminal state.
		r.finish(ctx, handle, models.SubTaskCancelled, "", "forced cancellation after stop timeout")
	}

	snapshot := handle.snapshot()
	return &snapshot, nil
}

// List returns snapshots of every run spawned by the given session.
func (r *Runtime) List(ctx context.Context, parentSessionID string) ([]*models.SubTaskRun, error) {
	return r.config.Memory.QuerySubTaskRuns(ctx, memory.SubTaskQuery{ParentSessionID: parentSessionID})
}

func (r *Runtime) persona(name string) Persona {
	if p, ok := r.config.Personas[name]; ok {
		return p
	}
	if p, ok := r.config.Personas[""]; ok {
		return p
	}
	return Persona{}
}
