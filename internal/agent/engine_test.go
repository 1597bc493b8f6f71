package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

// scriptedProvider returns one canned generation per call. The last step
// repeats when calls outnumber steps.
type scriptedProvider struct {
	steps        []func(req *Request) (*Generation, error)
	calls        atomic.Int32
	generateFunc func(ctx context.Context, req *Request) (*Generation, error)
	timeout      time.Duration
}

func (p *scriptedProvider) Generate(ctx context.Context, req *Request) (*Generation, error) {
	if p.generateFunc != nil {
		return p.generateFunc(ctx, req)
	}
	n := int(p.calls.Add(1)) - 1
	if n >= len(p.steps) {
		n = len(p.steps) - 1
	}
	return p.steps[n](req)
}

func (p *scriptedProvider) Name() string                  { return "scripted" }
func (p *scriptedProvider) RequestTimeout() time.Duration { return p.timeout }
func (p *scriptedProvider) MaxContextTokens() int         { return 128_000 }
func (p *scriptedProvider) MaxOutputTokens() int          { return 4096 }

func textStep(content string) func(*Request) (*Generation, error) {
	return func(*Request) (*Generation, error) {
		return &Generation{Response: &Response{
			Choices: []Choice{{
				Message:      ResponseMessage{Role: "assistant", Content: content},
				FinishReason: models.FinishStop,
			}},
			Usage: &models.Usage{Prompt: 10, Completion: 5, Total: 15},
		}}, nil
	}
}

func toolStep(calls ...models.ToolCall) func(*Request) (*Generation, error) {
	return func(*Request) (*Generation, error) {
		return &Generation{Response: &Response{
			Choices: []Choice{{
				Message:      ResponseMessage{Role: "assistant", ToolCalls: calls},
				FinishReason: models.FinishToolCalls,
			}},
		}}, nil
	}
}

func errStep(err error) func(*Request) (*Generation, error) {
	return func(*Request) (*Generation, error) { return nil, err }
}

func streamStep(chunks ...Chunk) func(*Request) (*Generation, error) {
	return func(*Request) (*Generation, error) {
		ch := make(chan Chunk, len(chunks))
		for _, c := range chunks {
			ch <- c
		}
		close(ch)
		return &Generation{Stream: ch}, nil
	}
}

// eventRecorder captures the event stream for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *eventRecorder) record(_ context.Context, e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) statusMessages(state models.AgentState) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == models.EventStatus && e.Status != nil && e.Status.State == state {
			out = append(out, e.Status.Message)
		}
	}
	return out
}

func (r *eventRecorder) terminalStates() []models.AgentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AgentState
	for _, e := range r.events {
		if e.Type == models.EventStatus && e.Status != nil && e.Status.State.Terminal() {
			out = append(out, e.Status.State)
		}
	}
	return out
}

func testConfig(p Provider, rec *eventRecorder) *Config {
	cfg := DefaultConfig()
	cfg.Provider = p
	cfg.Memory = memory.NewInMemory()
	cfg.RetryDelay = time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if rec != nil {
		cfg.Sink = NewCallbackSink(rec.record)
	}
	return cfg
}

// echoTool returns its "text" argument verbatim.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the given text back" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`)
}

func (echoTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &ToolResult{Content: in.Text}, nil
}

func TestExecuteCompletesTextRun(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		textStep("all done"),
	}}
	engine, err := NewEngine(testConfig(provider, rec))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Execute(context.Background(), "do the thing")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.FinalMessage == nil || result.FinalMessage.Content != "all done" {
		t.Errorf("FinalMessage = %+v, want content %q", result.FinalMessage, "all done")
	}
	if result.LoopCount != 1 {
		t.Errorf("LoopCount = %d, want 1", result.LoopCount)
	}
	if result.SessionID == "" {
		t.Error("SessionID is empty")
	}

	if terminals := rec.terminalStates(); len(terminals) != 1 || terminals[0] != models.StateCompleted {
		t.Errorf("terminal statuses = %v, want exactly one completed", terminals)
	}
	completes := rec.ofType(models.EventTextComplete)
	if len(completes) != 1 || completes[0].Text.Content != "all done" {
		t.Errorf("text-complete events = %+v, want one with final content", completes)
	}
	// Non-streamed responses still open the message before completing it.
	if starts := rec.ofType(models.EventTextStart); len(starts) != 1 {
		t.Errorf("text-start events = %d, want 1", len(starts))
	}
	if usages := rec.ofType(models.EventUsageUpdate); len(usages) != 1 || usages[0].Usage.Usage.Total != 15 {
		t.Errorf("usage events = %+v, want one cumulative total of 15", usages)
	}
}

func TestExecuteRunsToolLoop(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		toolStep(models.ToolCall{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}),
		textStep("done"),
	}}

	cfg := testConfig(provider, rec)
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(echoTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.LoopCount != 2 {
		t.Errorf("LoopCount = %d, want 2", result.LoopCount)
	}

	created := rec.ofType(models.EventToolCallCreated)
	if len(created) != 1 || len(created[0].ToolCalls.Calls) != 1 {
		t.Fatalf("tool_call_created events = %+v, want one with one call", created)
	}
	results := rec.ofType(models.EventToolCallResult)
	if len(results) != 1 {
		t.Fatalf("tool_call_result events = %d, want 1", len(results))
	}
	if got := results[0].ToolResult; got.CallID != "call-1" || got.Result != "hi" || got.Status != models.ToolResultSuccess {
		t.Errorf("tool result = %+v, want call-1 success %q", got, "hi")
	}

	history, err := cfg.Memory.GetFullHistory(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("GetFullHistory: %v", err)
	}
	// user, assistant tool-call, tool, assistant final
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[2].Role != models.RoleTool || history[2].ToolCallID != "call-1" {
		t.Errorf("tool message = %+v, want role tool with call-1", history[2])
	}
}

func TestExecuteRetriesTransientErrorThenSucceeds(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		errStep(NewRetryableError("SERVER_ERROR", "upstream 503")),
		textStep("recovered"),
	}}
	engine, err := NewEngine(testConfig(provider, rec))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	// Retries reuse the loop slot.
	if result.LoopCount != 1 {
		t.Errorf("LoopCount = %d, want 1", result.LoopCount)
	}
	if result.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", result.RetryCount)
	}

	retrying := rec.statusMessages(models.StateRetrying)
	if len(retrying) != 1 || retrying[0] != "Retrying... [SERVER_ERROR] upstream 503" {
		t.Errorf("retrying statuses = %q, want the bracketed code form", retrying)
	}

	// The consecutive counter resets on success; the total does not.
	_, retryCount, totalRetryCount, _ := engine.Counters()
	if retryCount != 0 {
		t.Errorf("retryCount after success = %d, want 0", retryCount)
	}
	if totalRetryCount != 1 {
		t.Errorf("totalRetryCount = %d, want 1", totalRetryCount)
	}
}

func TestExecuteFailsAfterMaxRetries(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		errStep(NewRetryableError("SERVER_ERROR", "upstream 503")),
	}}
	cfg := testConfig(provider, rec)
	cfg.MaxRetries = 2

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeMaxRetriesExceeded {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeMaxRetriesExceeded)
	}
	if got := len(rec.statusMessages(models.StateRetrying)); got != 2 {
		t.Errorf("retrying statuses = %d, want 2", got)
	}
	if terminals := rec.terminalStates(); len(terminals) != 1 || terminals[0] != models.StateFailed {
		t.Errorf("terminal statuses = %v, want exactly one failed", terminals)
	}
	if failed := rec.statusMessages(models.StateFailed); len(failed) != 1 || !strings.Contains(failed[0], "[SERVER_ERROR]") {
		t.Errorf("failed statuses = %v, want one containing [SERVER_ERROR]", failed)
	}
}

func TestExecuteFatalProviderErrorDoesNotRetry(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		errStep(NewFatalError("invalid_parameter_error", "bad temperature")),
	}}
	engine, err := NewEngine(testConfig(provider, rec))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMRequestFailed {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLLMRequestFailed)
	}
	if got := rec.statusMessages(models.StateRetrying); len(got) != 0 {
		t.Errorf("retrying statuses = %q, want none", got)
	}
}

func TestExecuteTimeoutWithRetriesDisabled(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		errStep(NewRetryableError("TIMEOUT", "deadline exceeded")),
	}}
	cfg := testConfig(provider, rec)
	cfg.MaxRetries = 0

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMTimeout {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLLMTimeout)
	}
	// With retries disabled no retrying status is ever emitted, so the
	// failed status must carry the classified code itself.
	failed := rec.statusMessages(models.StateFailed)
	if len(failed) != 1 || !strings.Contains(failed[0], "[TIMEOUT]") {
		t.Errorf("failed statuses = %v, want one containing [TIMEOUT]", failed)
	}
}

func TestExecuteCompensatesEmptyResponse(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		textStep(""),
		textStep("second try worked"),
	}}
	engine, err := NewEngine(testConfig(provider, rec))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.LoopCount != 1 {
		t.Errorf("LoopCount = %d, want 1", result.LoopCount)
	}

	retrying := rec.statusMessages(models.StateRetrying)
	want := "Retrying after empty response... [EMPTY_RESPONSE] (attempt 1/1)"
	if len(retrying) != 1 || retrying[0] != want {
		t.Errorf("retrying statuses = %q, want [%q]", retrying, want)
	}
	if _, _, _, compensation := engine.Counters(); compensation != 1 {
		t.Errorf("compensationRetryCount = %d, want 1", compensation)
	}
}

func TestExecuteFailsWhenEmptyResponsesPersist(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		textStep(""),
	}}
	engine, err := NewEngine(testConfig(provider, nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Execute(context.Background(), "try")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeMaxRetriesExceeded {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeMaxRetriesExceeded)
	}
}

func TestExecuteThinkingAcceptsReasoningOnlyResponse(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		func(*Request) (*Generation, error) {
			return &Generation{Response: &Response{
				Choices: []Choice{{
					Message:      ResponseMessage{Role: "assistant", ReasoningContent: "thought it through"},
					FinishReason: models.FinishStop,
				}},
			}}, nil
		},
	}}
	cfg := testConfig(provider, nil)
	cfg.Thinking = true

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "think")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	if result.FinalMessage.Content != "thought it through" {
		t.Errorf("FinalMessage.Content = %q, want reasoning promoted to content", result.FinalMessage.Content)
	}
}

func TestExecuteStopsAtLoopCap(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		toolStep(models.ToolCall{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"text":"again"}`)}),
	}}
	cfg := testConfig(provider, nil)
	cfg.MaxLoops = 2
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(echoTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "loop forever")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLoopExceeded {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLoopExceeded)
	}
	if result.LoopCount != 2 {
		t.Errorf("LoopCount = %d, want 2", result.LoopCount)
	}
}

func TestAbortDuringBackoffEndsRunPromptly(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		errStep(NewRetryableError("SERVER_ERROR", "upstream 503")),
	}}
	cfg := testConfig(provider, rec)
	cfg.RetryDelay = 30 * time.Second

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Execute(context.Background(), "try")
		done <- outcome{r, err}
	}()

	// Let the run reach the backoff sleep, then abort.
	time.Sleep(50 * time.Millisecond)
	engine.Abort()

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Execute: %v", out.err)
		}
		if out.result.Status != string(models.StateAborted) {
			t.Fatalf("Status = %q, want aborted", out.result.Status)
		}
		if out.result.Failure == nil || out.result.Failure.Code != CodeAborted {
			t.Errorf("Failure = %+v, want %s", out.result.Failure, CodeAborted)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not abort within 2s")
	}

	if terminals := rec.terminalStates(); len(terminals) != 1 || terminals[0] != models.StateAborted {
		t.Errorf("terminal statuses = %v, want exactly one aborted", terminals)
	}
}

func TestExecuteRejectsInvalidToolCallID(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		toolStep(models.ToolCall{ID: "", Name: "echo", Args: json.RawMessage(`{"text":"x"}`)}),
	}}
	cfg := testConfig(provider, nil)
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(echoTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMResponseInvalid {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLLMResponseInvalid)
	}

	// The orphan assistant message is kept in history but excluded from
	// future context.
	history, err := cfg.Memory.GetFullHistory(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("GetFullHistory: %v", err)
	}
	var excluded *models.Message
	for _, m := range history {
		if m.Role == models.RoleAssistant {
			excluded = m
		}
	}
	if excluded == nil || !excluded.ExcludedFromContext || excluded.ExcludedReason != models.ExcludedInvalidResponse {
		t.Errorf("assistant message = %+v, want excluded with reason %q", excluded, models.ExcludedInvalidResponse)
	}
	current, err := cfg.Memory.GetCurrentContext(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	for _, m := range current {
		if m.Role == models.RoleAssistant {
			t.Errorf("excluded message still in current context: %+v", m)
		}
	}
}

func TestExecuteFailsOnMissingChoices(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		func(*Request) (*Generation, error) {
			return &Generation{Response: &Response{}}, nil
		},
	}}
	engine, err := NewEngine(testConfig(provider, nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMResponseInvalid {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLLMResponseInvalid)
	}
}

func TestExecuteStreamsTextDeltas(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		streamStep(
			Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: "Hel"}}}},
			Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: "lo"}}}},
			Chunk{
				Choices: []ChunkChoice{{FinishReason: models.FinishStop}},
				Usage:   &models.Usage{Prompt: 8, Completion: 2, Total: 10},
			},
		),
	}}
	cfg := testConfig(provider, rec)
	cfg.Stream = true

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "greet")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}

	var concat strings.Builder
	for _, e := range rec.ofType(models.EventTextDelta) {
		concat.WriteString(e.Text.Content)
	}
	completes := rec.ofType(models.EventTextComplete)
	if len(completes) != 1 {
		t.Fatalf("text-complete events = %d, want 1", len(completes))
	}
	if concat.String() != completes[0].Text.Content || concat.String() != "Hello" {
		t.Errorf("deltas = %q, complete = %q, want both %q", concat.String(), completes[0].Text.Content, "Hello")
	}
	// One message open per streamed response, not re-opened on completion.
	if starts := rec.ofType(models.EventTextStart); len(starts) != 1 {
		t.Errorf("text-start events = %d, want 1", len(starts))
	}
}

func TestExecuteAssemblesStreamedToolCallFragments(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		streamStep(
			Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallDelta{
				{Index: 0, ID: "call-1", Name: "echo", Args: `{"text":`},
			}}}}},
			Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallDelta{
				{Index: 0, Args: `"streamed"}`},
			}}}}},
			Chunk{Choices: []ChunkChoice{{FinishReason: models.FinishToolCalls}}},
		),
		textStep("done"),
	}}
	cfg := testConfig(provider, nil)
	cfg.Stream = true
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(echoTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}

	history, err := cfg.Memory.GetFullHistory(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("GetFullHistory: %v", err)
	}
	var toolMsg *models.Message
	for _, m := range history {
		if m.Role == models.RoleTool {
			toolMsg = m
		}
	}
	if toolMsg == nil || toolMsg.Content != "streamed" {
		t.Errorf("tool message = %+v, want echoed content %q", toolMsg, "streamed")
	}
}

func TestExecuteFailsOnStreamBufferOverflow(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		streamStep(
			Chunk{Choices: []ChunkChoice{{Delta: ChunkDelta{Content: "this is more than ten bytes"}}}},
		),
	}}
	cfg := testConfig(provider, nil)
	cfg.Stream = true
	cfg.MaxBufferSize = 10

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMRequestFailed {
		t.Fatalf("Failure = %+v, want %s", result.Failure, CodeLLMRequestFailed)
	}
	if !strings.Contains(result.Failure.UserMessage, "max buffer size") {
		t.Errorf("UserMessage = %q, want mention of the buffer cap", result.Failure.UserMessage)
	}
}

func TestExecuteRetriesStreamErrorChunk(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		streamStep(Chunk{Error: &ChunkError{Code: "server_error", Message: "overloaded"}}),
		textStep("recovered"),
	}}
	cfg := testConfig(provider, rec)
	cfg.Stream = true

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}
	retrying := rec.statusMessages(models.StateRetrying)
	if len(retrying) != 1 || !strings.Contains(retrying[0], "[server_error]") {
		t.Errorf("retrying statuses = %q, want one carrying [server_error]", retrying)
	}
}

func TestExecuteIdleStreamTimesOut(t *testing.T) {
	provider := &scriptedProvider{generateFunc: func(ctx context.Context, req *Request) (*Generation, error) {
		// Never delivers a chunk; the idle timer must fire.
		return &Generation{Stream: make(chan Chunk)}, nil
	}}
	cfg := testConfig(provider, nil)
	cfg.Stream = true
	cfg.IdleTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeLLMTimeout {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeLLMTimeout)
	}
}

func TestExecuteSurfacesToolErrorsToModel(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		// Args fail schema validation: "text" is required.
		toolStep(models.ToolCall{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"wrong":1}`)}),
		textStep("handled the failure"),
	}}
	cfg := testConfig(provider, rec)
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(echoTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Execute(context.Background(), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Tool failures feed back into the loop; the run still completes.
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}

	results := rec.ofType(models.EventToolCallResult)
	if len(results) != 1 || results[0].ToolResult.Status != models.ToolResultError {
		t.Fatalf("tool results = %+v, want one error result", results)
	}
	var sawFailureStatus bool
	for _, msg := range rec.statusMessages(models.StateRunning) {
		if strings.Contains(msg, "failed") {
			sawFailureStatus = true
		}
	}
	if !sawFailureStatus {
		t.Error("no running status reported the tool failure")
	}
}

func TestExecuteRejectsEmptyInput(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){textStep("x")}}
	engine, err := NewEngine(testConfig(provider, nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := engine.Execute(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("Execute(blank) = %v, want ErrEmptyInput", err)
	}
}

func TestExecuteRejectsConcurrentRuns(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce sync.Once
	provider := &scriptedProvider{generateFunc: func(ctx context.Context, req *Request) (*Generation, error) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		return textStep("done")(req)
	}}
	engine, err := NewEngine(testConfig(provider, nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := engine.Execute(context.Background(), "first"); err != nil {
			t.Errorf("first Execute: %v", err)
		}
	}()

	<-entered
	if _, err := engine.Execute(context.Background(), "second"); !errors.Is(err, ErrAgentBusy) {
		t.Errorf("second Execute = %v, want ErrAgentBusy", err)
	}
	close(release)
	<-done

	// Idle again: a new run is accepted.
	if _, err := engine.Execute(context.Background(), "third"); err != nil {
		t.Errorf("third Execute: %v", err)
	}
}

func TestExecuteResumesSessionHistory(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){textStep("reply")}}
	cfg := testConfig(provider, nil)
	cfg.SessionID = "session-reuse"

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i := 0; i < 2; i++ {
		result, err := engine.Execute(context.Background(), fmt.Sprintf("turn %d", i+1))
		if err != nil {
			t.Fatalf("Execute turn %d: %v", i+1, err)
		}
		if result.SessionID != "session-reuse" {
			t.Fatalf("SessionID = %q, want session-reuse", result.SessionID)
		}
	}

	history, err := cfg.Memory.GetFullHistory(context.Background(), "session-reuse")
	if err != nil {
		t.Fatalf("GetFullHistory: %v", err)
	}
	// Two user turns and two assistant replies.
	if len(history) != 4 {
		t.Errorf("history length = %d, want 4", len(history))
	}
}

func TestExecuteWithResultFoldsEntryErrors(t *testing.T) {
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){textStep("x")}}
	engine, err := NewEngine(testConfig(provider, nil))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result := engine.ExecuteWithResult(context.Background(), "")
	if result.Status != string(models.StateFailed) {
		t.Fatalf("Status = %q, want failed", result.Status)
	}
	if result.Failure == nil || result.Failure.Code != CodeRuntimeError {
		t.Errorf("Failure = %+v, want %s", result.Failure, CodeRuntimeError)
	}
}

func TestNewEngineRequiresProvider(t *testing.T) {
	if _, err := NewEngine(&Config{}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("NewEngine(no provider) = %v, want ErrNoProvider", err)
	}
}

func TestExecuteUsesConfiguredToolTimeout(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){
		toolStep(models.ToolCall{ID: "call-1", Name: "slow", Args: []byte(`{}`)}),
		textStep("after tools"),
	}}
	cfg := testConfig(provider, rec)
	cfg.ToolExec = ToolExecConfig{PerToolTimeout: 20 * time.Millisecond}
	cfg.Registry = NewToolRegistry()
	cfg.Registry.MustRegister(slowTool{})

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	start := time.Now()
	result, err := engine.Execute(context.Background(), "run the slow tool")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("run took %v, configured tool timeout not applied", elapsed)
	}
	if result.Status != string(models.StateCompleted) {
		t.Fatalf("Status = %q, want completed", result.Status)
	}

	events := rec.ofType(models.EventToolCallResult)
	if len(events) != 1 {
		t.Fatalf("tool result events = %d, want 1", len(events))
	}
	if !strings.Contains(events[0].ToolResult.Result, "timed out after 20ms") {
		t.Errorf("tool result = %q, want the configured 20ms deadline", events[0].ToolResult.Result)
	}
}

func TestExecutePersistsSessionUsageAcrossRuns(t *testing.T) {
	rec := &eventRecorder{}
	provider := &scriptedProvider{steps: []func(*Request) (*Generation, error){textStep("reply")}}
	cfg := testConfig(provider, rec)
	cfg.SessionID = "session-usage"

	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	for i, want := range []int{15, 30} {
		if _, err := engine.Execute(context.Background(), fmt.Sprintf("turn %d", i+1)); err != nil {
			t.Fatalf("Execute turn %d: %v", i+1, err)
		}
		session, err := cfg.Memory.GetSession(context.Background(), "session-usage")
		if err != nil {
			t.Fatalf("GetSession after turn %d: %v", i+1, err)
		}
		if session.Usage.Total != want {
			t.Errorf("session usage after turn %d = %d, want %d", i+1, session.Usage.Total, want)
		}
	}

	// The second run's usage event reports the cumulative count, not a
	// fresh one.
	events := rec.ofType(models.EventUsageUpdate)
	if len(events) != 2 {
		t.Fatalf("usage events = %d, want 2", len(events))
	}
	if events[1].Usage.Usage.Total != 30 {
		t.Errorf("second run usage = %+v, want cumulative total 30", events[1].Usage.Usage)
	}
}
