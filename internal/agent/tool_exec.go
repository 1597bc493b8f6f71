package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Stream log retention bounds per tool call. Oldest chunks are dropped
// first when either bound is exceeded.
const (
	DefaultMaxStreamChunks = 400
	DefaultMaxStreamChars  = 120_000
)

// ToolExecConfig configures tool batch execution.
type ToolExecConfig struct {
	// Concurrency is the maximum number of tools running at once.
	// Default: 4. Set to 1 for sequential execution.
	Concurrency int

	// PerToolTimeout bounds each individual tool execution.
	// Default: 30 seconds.
	PerToolTimeout time.Duration

	// MaxStreamChunks bounds the retained stream log per call.
	MaxStreamChunks int

	// MaxStreamChars bounds the retained stream log per call.
	MaxStreamChars int
}

// DefaultToolExecConfig returns the default execution settings.
func DefaultToolExecConfig() ToolExecConfig {
	return ToolExecConfig{
		Concurrency:     4,
		PerToolTimeout:  30 * time.Second,
		MaxStreamChunks: DefaultMaxStreamChunks,
		MaxStreamChars:  DefaultMaxStreamChars,
	}
}

// ToolExecutor runs tool call batches with bounded concurrency, per-call
// timeouts, and panic recovery. Results come back in input order so the
// conversation stays deterministic regardless of completion order.
type ToolExecutor struct {
	registry  *ToolRegistry
	sanitizer Sanitizer
	logger    *slog.Logger
	config    ToolExecConfig
}

// NewToolExecutor creates an executor. sanitizer may be nil.
func NewToolExecutor(registry *ToolRegistry, sanitizer Sanitizer, logger *slog.Logger, config ToolExecConfig) *ToolExecutor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerToolTimeout <= 0 {
		config.PerToolTimeout = 30 * time.Second
	}
	if config.MaxStreamChunks <= 0 {
		config.MaxStreamChunks = DefaultMaxStreamChunks
	}
	if config.MaxStreamChars <= 0 {
		config.MaxStreamChars = DefaultMaxStreamChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolExecutor{
		registry:  registry,
		sanitizer: sanitizer,
		logger:    logger,
		config:    config,
	}
}

// ToolExecResult is the outcome of one call in a batch.
type ToolExecResult struct {
	Index    int
	Call     models.ToolCall
	Result   ToolResult
	Content  string
	TimedOut bool
	Duration time.Duration

	// StreamLog is the retained window of streamed output chunks.
	StreamLog []string
}

// ExecuteBatch runs all calls concurrently (bounded by the configured
// parallelism), streams output through the emitter, and emits one
// toolCallResult per call in input order. Malformed argument JSON is
// reported as a tool error without dispatching the tool.
func (e *ToolExecutor) ExecuteBatch(ctx context.Context, calls []models.ToolCall, emitter *Emitter, msgID string) []ToolExecResult {
	results := make([]ToolExecResult, len(calls))

	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = e.canceledResult(idx, call)
				return
			}

			start := time.Now()
			results[idx] = e.executeOne(ctx, idx, call, emitter, msgID)
			results[idx].Duration = time.Since(start)
		}(i, call)
	}

	wg.Wait()

	// Emit results in input order, sanitizing flagged content first.
	for i := range results {
		r := &results[i]
		r.Content = e.renderContent(r.Result)
		if r.Result.Sensitive && e.sanitizer != nil {
			r.Content = e.sanitizer.Sanitize(r.Content)
		}
		status := models.ToolResultSuccess
		if r.Result.IsError {
			status = models.ToolResultError
		}
		if emitter != nil {
			emitter.EmitToolCallResult(ctx, r.Call.ID, r.Content, status, msgID, r.Result.ExitCode)
		}
	}

	return results
}

// AnyFailed reports whether any call in the batch errored.
func AnyFailed(results []ToolExecResult) bool {
	for i := range results {
		if results[i].Result.IsError {
			return true
		}
	}
	return false
}

func (e *ToolExecutor) executeOne(ctx context.Context, idx int, call models.ToolCall, emitter *Emitter, msgID string) ToolExecResult {
	// Reject malformed argument JSON without invoking the tool.
	if len(call.Args) > 0 && !json.Valid(call.Args) {
		e.logger.Warn("tool call has malformed arguments", "tool", call.Name, "call_id", call.ID)
		return ToolExecResult{
			Index: idx,
			Call:  call,
			Result: ToolResult{
				Content: fmt.Sprintf("invalid tool arguments: malformed JSON for tool %q", call.Name),
				IsError: true,
			},
		}
	}

	log := newStreamLog(e.config.MaxStreamChunks, e.config.MaxStreamChars)
	emit := func(chunk string) {
		log.append(chunk)
		if emitter != nil {
			emitter.EmitToolCallStream(ctx, call.ID, chunk, msgID)
		}
	}

	timeout := e.effectiveTimeout(call.Name)
	toolCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, timedOut := e.runWithRecovery(toolCtx, call, emit, timeout)
	return ToolExecResult{
		Index:     idx,
		Call:      call,
		Result:    result,
		TimedOut:  timedOut,
		StreamLog: log.snapshot(),
	}
}

// effectiveTimeout resolves the per-call deadline: a LongRunningTool's
// own timeout wins over the configured one.
func (e *ToolExecutor) effectiveTimeout(name string) time.Duration {
	if e.registry != nil {
		if tool, ok := e.registry.Get(name); ok {
			if lr, ok := tool.(LongRunningTool); ok {
				return lr.ExecutionTimeout()
			}
		}
	}
	return e.config.PerToolTimeout
}

// runWithRecovery executes one call in a goroutine so timeouts and panics
// cannot wedge the batch.
func (e *ToolExecutor) runWithRecovery(ctx context.Context, call models.ToolCall, emit func(string), timeout time.Duration) (ToolResult, bool) {
	type execOutcome struct {
		result *ToolResult
		err    error
	}

	resultChan := make(chan execOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				select {
				case resultChan <- execOutcome{err: fmt.Errorf("tool %q panicked: %v", call.Name, r)}:
				default:
				}
			}
		}()
		result, err := e.registry.Execute(ctx, call.Name, call.Args, emit)
		select {
		case resultChan <- execOutcome{result: result, err: err}:
		default:
			e.logger.Warn("tool finished after deadline, result discarded",
				"tool", call.Name, "call_id", call.ID)
		}
	}()

	select {
	case <-ctx.Done():
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		content := "tool execution canceled"
		if timedOut {
			content = fmt.Sprintf("tool execution timed out after %v", timeout)
		}
		return ToolResult{Content: content, IsError: true}, timedOut
	case out := <-resultChan:
		if out.err != nil {
			return ToolResult{Content: out.err.Error(), IsError: true}, false
		}
		if out.result == nil {
			return ToolResult{Content: "", IsError: false}, false
		}
		return *out.result, false
	}
}

func (e *ToolExecutor) canceledResult(idx int, call models.ToolCall) ToolExecResult {
	return ToolExecResult{
		Index:  idx,
		Call:   call,
		Result: ToolResult{Content: "tool execution canceled", IsError: true},
	}
}

// renderContent stringifies a tool result payload for the conversation.
func (e *ToolExecutor) renderContent(r ToolResult) string {
	switch v := r.Content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case json.RawMessage:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// streamLog retains a bounded window of stream chunks, dropping the
// oldest first when either bound is exceeded.
type streamLog struct {
	mu        sync.Mutex
	chunks    []string
	chars     int
	maxChunks int
	maxChars  int
}

func newStreamLog(maxChunks, maxChars int) *streamLog {
	return &streamLog{maxChunks: maxChunks, maxChars: maxChars}
}

func (l *streamLog) append(chunk string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chunks = append(l.chunks, chunk)
	l.chars += len(chunk)
	for len(l.chunks) > l.maxChunks || (l.chars > l.maxChars && len(l.chunks) > 1) {
		l.chars -= len(l.chunks[0])
		l.chunks = l.chunks[1:]
	}
}

func (l *streamLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.chunks))
	copy(out, l.chunks)
	return out
}
