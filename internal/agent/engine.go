package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/strand/internal/backoff"
	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

var tracer = otel.Tracer("github.com/haasonsaas/strand/internal/agent")

// Engine drives the think/act loop for one agent. A single Engine runs
// one Execute at a time; concurrent calls are rejected while a prior
// call is non-terminal.
type Engine struct {
	config   *Config
	provider Provider
	memory   memory.Manager
	registry *ToolRegistry
	executor *ToolExecutor
	logger   *slog.Logger

	mu      sync.Mutex
	busy    bool
	cancel  context.CancelFunc
	aborted bool

	// Counters for the current or most recent run.
	loopCount              int
	retryCount             int
	totalRetryCount        int
	compensationRetryCount int
}

// NewEngine creates an engine from the given configuration.
// The provider is required; everything else has defaults.
func NewEngine(config *Config) (*Engine, error) {
	cfg := sanitizeConfig(config)
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewToolRegistry()
	}
	return &Engine{
		config:   cfg,
		provider: cfg.Provider,
		memory:   cfg.Memory,
		registry: registry,
		executor: NewToolExecutor(registry, cfg.Sanitizer, cfg.Logger, cfg.ToolExec),
		logger:   cfg.Logger,
	}, nil
}

// Counters returns the loop and retry counters of the current or most
// recent run.
func (e *Engine) Counters() (loopCount, retryCount, totalRetryCount, compensationRetryCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopCount, e.retryCount, e.totalRetryCount, e.compensationRetryCount
}

// Abort requests cancellation of the in-flight Execute. Idempotent; a
// no-op when the engine is idle.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.aborted = true
		e.cancel()
	}
}

// ExecuteWithResult runs the loop and always returns a Result, folding
// entry-point validation errors into a failed Result. Used by tools and
// sub-task runners that must never propagate an error.
func (e *Engine) ExecuteWithResult(ctx context.Context, input string) *Result {
	result, err := e.Execute(ctx, input)
	if err != nil {
		return &Result{
			Status:  string(models.StateFailed),
			Failure: NewFailure(CodeRuntimeError, "agent could not start", err),
		}
	}
	return result
}

// Execute runs the think/act loop for one user input. It returns an
// error only for entry-point validation (empty input, busy engine,
// missing provider); expected failures come back inside the Result.
func (e *Engine) Execute(ctx context.Context, input string) (*Result, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrAgentBusy
	}
	e.busy = true
	e.aborted = false
	e.loopCount = 0
	e.retryCount = 0
	e.totalRetryCount = 0
	e.compensationRetryCount = 0
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.busy = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	session, err := e.resolveSession(runCtx)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	runCtx, span := tracer.Start(runCtx, "agent.execute",
		trace.WithAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("provider", e.provider.Name()),
		))
	defer span.End()

	emitter := NewEmitter(session.ID, e.config.Sink)
	emitter.SeedUsage(session.Usage)

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   input,
		CreatedAt: time.Now(),
	}
	if err := e.memory.AddMessageToContext(runCtx, session.ID, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	result := e.runLoop(runCtx, session, emitter)
	result.SessionID = session.ID

	// Persist cumulative usage so a resumed session carries its token
	// count across runs. The run context may already be canceled.
	session.Usage = emitter.Usage()
	if err := e.memory.UpdateSession(context.WithoutCancel(runCtx), session); err != nil {
		e.logger.Warn("failed to persist session usage", "error", err, "session_id", session.ID)
	}

	span.SetAttributes(
		attribute.String("run.status", result.Status),
		attribute.Int("run.loop_count", result.LoopCount),
	)
	observeRun(result.Status, result.LoopCount, result.RetryCount)
	return result, nil
}

func (e *Engine) resolveSession(ctx context.Context) (*models.Session, error) {
	if e.config.SessionID != "" {
		session, err := e.memory.GetSession(ctx, e.config.SessionID)
		if err == nil {
			return session, nil
		}
		// Resume id that does not exist yet: create it.
		session = &models.Session{
			ID:           e.config.SessionID,
			SystemPrompt: e.config.SystemPrompt,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if err := e.memory.CreateSession(ctx, session); err != nil {
			return nil, err
		}
		return session, nil
	}
	session := &models.Session{
		ID:           uuid.NewString(),
		SystemPrompt: e.config.SystemPrompt,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := e.memory.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// runLoop is the iteration driver. Each iteration performs one provider
// call (with its own retry loop reusing the loop slot) and then zero or
// more tool executions.
func (e *Engine) runLoop(ctx context.Context, session *models.Session, emitter *Emitter) *Result {
	for {
		e.mu.Lock()
		if e.loopCount >= e.config.MaxLoops {
			e.mu.Unlock()
			return e.fail(ctx, emitter, NewFailure(CodeLoopExceeded,
				fmt.Sprintf("agent exceeded the maximum of %d loops", e.config.MaxLoops), nil))
		}
		e.loopCount++
		loop := e.loopCount
		e.mu.Unlock()

		emitter.EmitStatus(ctx, models.StateRunning, fmt.Sprintf("Processing (loop %d)", loop), "")

		resp, failure := e.callWithRetries(ctx, session, emitter)
		if failure != nil {
			if failure.Code == CodeAborted {
				return e.abortResult(ctx, emitter, failure)
			}
			return e.fail(ctx, emitter, failure)
		}

		done, result := e.handleResponse(ctx, session, emitter, resp)
		if done {
			return result
		}
	}
}

// callWithRetries performs one logical provider call, retrying transient
// failures and compensating empty responses without consuming additional
// loop slots.
func (e *Engine) callWithRetries(ctx context.Context, session *models.Session, emitter *Emitter) (*collectedResponse, *Failure) {
	for {
		if ctx.Err() != nil {
			return nil, e.abortFailure(ctx)
		}

		emitter.EmitStatus(ctx, models.StateThinking, "Thinking...", "")

		resp, err := e.callProvider(ctx, session, emitter)
		if err != nil {
			if errors.Is(err, errMissingChoices) {
				return nil, NewFailure(CodeLLMResponseInvalid,
					"the language model response was missing choices", err)
			}
			if errors.Is(err, errBufferOverflow) {
				return nil, NewFailure(CodeLLMRequestFailed,
					"stream exceeded max buffer size", err)
			}
			if ctx.Err() != nil && !e.isTimeoutOnly(err) {
				return nil, e.abortFailure(ctx)
			}
			pe := classifyProviderError(err)
			if failure := e.handleProviderError(ctx, emitter, pe); failure != nil {
				return nil, failure
			}
			continue
		}

		// Empty response: compensation retry, tracked separately from the
		// transient retry counter and never reset by success.
		if resp.empty(e.config.Thinking) {
			if failure := e.handleEmptyResponse(ctx, emitter, resp); failure != nil {
				return nil, failure
			}
			continue
		}

		// Successful call: the transient retry counter resets.
		e.mu.Lock()
		e.retryCount = 0
		e.mu.Unlock()
		return resp, nil
	}
}

// isTimeoutOnly reports whether err is a per-call timeout rather than a
// run-level cancellation. Per-call deadlines must not masquerade as an
// abort.
func (e *Engine) isTimeoutOnly(err error) bool {
	pe := classifyProviderError(err)
	return pe != nil && pe.Code == "TIMEOUT"
}

func (e *Engine) handleProviderError(ctx context.Context, emitter *Emitter, pe *ProviderError) *Failure {
	if pe.Code == "CANCELLED" {
		return e.abortFailure(ctx)
	}

	if !pe.Retryable {
		return NewFailure(CodeLLMRequestFailed, "the language model request failed", pe)
	}

	e.mu.Lock()
	e.retryCount++
	e.totalRetryCount++
	retries := e.retryCount
	e.mu.Unlock()
	observeRetry(pe.Code)

	if retries > e.config.MaxRetries {
		// The terminal status carries the classified code even when no
		// retrying status was ever emitted (MaxRetries 0).
		if e.config.MaxRetries == 0 && pe.Code == "TIMEOUT" {
			return NewFailure(CodeLLMTimeout,
				fmt.Sprintf("the language model request timed out [%s] %s", pe.Code, pe.Message), pe)
		}
		return NewFailure(CodeMaxRetriesExceeded,
			fmt.Sprintf("agent exceeded the maximum of %d retries [%s] %s",
				e.config.MaxRetries, pe.Code, pe.Message), pe)
	}

	emitter.EmitStatus(ctx, models.StateRetrying,
		fmt.Sprintf("Retrying... [%s] %s", pe.Code, pe.Message), "")
	e.logger.Warn("provider call failed, retrying",
		"code", pe.Code, "retry", retries, "max_retries", e.config.MaxRetries)

	if err := backoff.Sleep(ctx, e.retryDelay(retries)); err != nil {
		return e.abortFailure(ctx)
	}
	return nil
}

func (e *Engine) handleEmptyResponse(ctx context.Context, emitter *Emitter, resp *collectedResponse) *Failure {
	e.mu.Lock()
	e.compensationRetryCount++
	attempts := e.compensationRetryCount
	e.mu.Unlock()
	observeRetry("EMPTY_RESPONSE")

	if attempts > e.config.MaxCompensationRetries {
		return NewFailure(CodeMaxRetriesExceeded,
			"the language model returned an empty response repeatedly", ErrEmptyResponse)
	}

	emitter.EmitStatus(ctx, models.StateRetrying,
		fmt.Sprintf("Retrying after empty response... [EMPTY_RESPONSE] (attempt %d/%d)",
			attempts, e.config.MaxCompensationRetries), "")
	e.logger.Warn("provider returned empty response, compensating",
		"attempt", attempts, "finish_reason", resp.finishReason)

	if err := backoff.Sleep(ctx, e.retryDelay(attempts)); err != nil {
		return e.abortFailure(ctx)
	}
	return nil
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	policy := backoff.DefaultPolicy()
	policy.InitialMs = float64(e.config.RetryDelay / time.Millisecond)
	return backoff.Compute(policy, attempt)
}

// handleResponse classifies a non-empty response: tool calls continue the
// loop, text completes it.
func (e *Engine) handleResponse(ctx context.Context, session *models.Session, emitter *Emitter, resp *collectedResponse) (bool, *Result) {
	if len(resp.toolCalls) > 0 {
		// Tool calls with a missing id cannot be answered; the message is
		// excluded from future context so retries don't resend an orphan.
		for _, call := range resp.toolCalls {
			if call.ID == "" {
				e.excludeMessage(ctx, session.ID, resp)
				return true, e.fail(ctx, emitter, NewFailure(CodeLLMResponseInvalid,
					"the language model produced an invalid tool call", nil))
			}
		}
		e.runToolBatch(ctx, session, emitter, resp)
		if ctx.Err() != nil {
			return true, e.abortResult(ctx, emitter, e.abortFailure(ctx))
		}
		return false, nil
	}

	content := resp.content
	if content == "" && e.config.Thinking {
		content = resp.reasoning
	}

	final := &models.Message{
		ID:               resp.msgID,
		Role:             models.RoleAssistant,
		Content:          content,
		ReasoningContent: resp.reasoning,
		FinishReason:     resp.finishReason,
		CreatedAt:        time.Now(),
	}
	if err := e.memory.AddMessageToContext(ctx, session.ID, final); err != nil {
		return true, e.fail(ctx, emitter, NewFailure(CodeRuntimeError, "failed to persist the final message", err))
	}

	if !resp.streamed {
		emitter.EmitTextStart(ctx, resp.msgID)
		if content != "" {
			emitter.EmitTextDelta(ctx, content, resp.msgID)
		}
	}
	emitter.EmitTextComplete(ctx, content, resp.msgID)
	emitter.EmitStatus(ctx, models.StateCompleted, "", resp.msgID)

	e.mu.Lock()
	loops, retries := e.loopCount, e.totalRetryCount
	e.mu.Unlock()
	return true, &Result{
		Status:       string(models.StateCompleted),
		FinalMessage: final,
		LoopCount:    loops,
		RetryCount:   retries,
	}
}

// runToolBatch persists the assistant tool-call message, executes the
// batch, and appends one tool message per call in input order.
func (e *Engine) runToolBatch(ctx context.Context, session *models.Session, emitter *Emitter, resp *collectedResponse) {
	assistant := &models.Message{
		ID:               resp.msgID,
		Role:             models.RoleAssistant,
		Content:          resp.content,
		ReasoningContent: resp.reasoning,
		ToolCalls:        resp.toolCalls,
		FinishReason:     resp.finishReason,
		CreatedAt:        time.Now(),
	}
	if err := e.memory.AddMessageToContext(ctx, session.ID, assistant); err != nil {
		e.logger.Error("failed to persist assistant tool-call message", "error", err)
	}

	emitter.EmitToolCallCreated(ctx, resp.toolCalls, resp.msgID, resp.content)
	emitter.EmitStatus(ctx, models.StateRunning,
		fmt.Sprintf("Executing %d tool(s)", len(resp.toolCalls)), resp.msgID)

	toolCtx := WithToolContext(ctx, &ToolContext{
		SessionID:        session.ID,
		Memory:           e.memory,
		WorkingDirectory: e.config.WorkingDirectory,
	})
	results := e.executor.ExecuteBatch(toolCtx, resp.toolCalls, emitter, resp.msgID)

	for i := range results {
		r := &results[i]
		toolMsg := &models.Message{
			ID:         uuid.NewString(),
			Role:       models.RoleTool,
			Content:    r.Content,
			ToolCallID: r.Call.ID,
			CreatedAt:  time.Now(),
		}
		if err := e.memory.AddMessageToContext(ctx, session.ID, toolMsg); err != nil {
			e.logger.Error("failed to persist tool message", "error", err, "call_id", r.Call.ID)
		}
		observeToolCall(r.Call.Name, r.Result.IsError, r.Duration)
	}

	if AnyFailed(results) {
		emitter.EmitStatus(ctx, models.StateRunning,
			"Tool execution partially or fully failed", resp.msgID)
	}
}

func (e *Engine) excludeMessage(ctx context.Context, sessionID string, resp *collectedResponse) {
	msg := &models.Message{
		ID:                  resp.msgID,
		Role:                models.RoleAssistant,
		Content:             resp.content,
		ToolCalls:           resp.toolCalls,
		FinishReason:        resp.finishReason,
		ExcludedFromContext: true,
		ExcludedReason:      models.ExcludedInvalidResponse,
		CreatedAt:           time.Now(),
	}
	if err := e.memory.AddMessageToContext(ctx, sessionID, msg); err != nil {
		e.logger.Error("failed to persist excluded message", "error", err)
		return
	}
}

func (e *Engine) abortFailure(ctx context.Context) *Failure {
	return NewFailure(CodeAborted, "the run was aborted", ctx.Err())
}

func (e *Engine) abortResult(ctx context.Context, emitter *Emitter, failure *Failure) *Result {
	// The run context is already canceled; emit the terminal status on a
	// fresh context so sinks still receive it.
	emitCtx := context.WithoutCancel(ctx)
	emitter.EmitStatus(emitCtx, models.StateAborted, failure.UserMessage, "")

	e.mu.Lock()
	loops, retries := e.loopCount, e.totalRetryCount
	e.mu.Unlock()
	return &Result{
		Status:     string(models.StateAborted),
		Failure:    failure,
		LoopCount:  loops,
		RetryCount: retries,
	}
}

func (e *Engine) fail(ctx context.Context, emitter *Emitter, failure *Failure) *Result {
	emitCtx := context.WithoutCancel(ctx)
	emitter.EmitError(emitCtx, failure.Code, failure.UserMessage)
	emitter.EmitStatus(emitCtx, models.StateFailed, failure.UserMessage, "")
	e.logger.Error("run failed", "code", failure.Code, "detail", failure.InternalMessage)

	e.mu.Lock()
	loops, retries := e.loopCount, e.totalRetryCount
	e.mu.Unlock()
	return &Result{
		Status:     string(models.StateFailed),
		Failure:    failure,
		LoopCount:  loops,
		RetryCount: retries,
	}
}
