package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/strand/pkg/models"
)

// truncationSuffix marks serialized tool results cut at the byte budget.
const truncationSuffix = "[...truncated]"

// DefaultResultByteBudget caps serialized tool results on the wire.
const DefaultResultByteBudget = 80_000

// Emitter is the single producer of events for one run. All components
// emit through it; it stamps the session id and a monotonic timestamp on
// every event and accumulates token usage. An Emitter never fails: with
// no sink attached, events are silently dropped.
type Emitter struct {
	sessionID string
	sink      EventSink

	mu     sync.Mutex
	lastTS int64
	usage  models.Usage

	// resultByteBudget caps serialized tool result payloads.
	resultByteBudget int
}

// NewEmitter creates an emitter for the given session. sink may be nil.
func NewEmitter(sessionID string, sink EventSink) *Emitter {
	return &Emitter{
		sessionID:        sessionID,
		sink:             sink,
		resultByteBudget: DefaultResultByteBudget,
	}
}

// SetResultByteBudget overrides the serialized tool result cap.
func (e *Emitter) SetResultByteBudget(n int) {
	if n > 0 {
		e.mu.Lock()
		e.resultByteBudget = n
		e.mu.Unlock()
	}
}

// SeedUsage primes the accumulator with a session's persisted usage so
// cumulative counters survive process restarts and resumed sessions.
func (e *Emitter) SeedUsage(u models.Usage) {
	e.mu.Lock()
	e.usage = u
	e.mu.Unlock()
}

// Usage returns the accumulated token usage.
func (e *Emitter) Usage() models.Usage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.usage
}

// stamp fills the base fields and keeps timestamps strictly monotonic
// even when the wall clock repeats within a millisecond.
func (e *Emitter) stamp(event *models.Event) {
	e.mu.Lock()
	ts := time.Now().UnixMilli()
	if ts <= e.lastTS {
		ts = e.lastTS + 1
	}
	e.lastTS = ts
	e.mu.Unlock()

	event.Version = 1
	event.SessionID = e.sessionID
	event.Timestamp = ts
}

func (e *Emitter) emit(ctx context.Context, event models.Event) {
	e.stamp(&event)
	if e.sink != nil {
		e.sink.Emit(ctx, event)
	}
}

// EmitStatus emits a status event. msgID may be empty.
func (e *Emitter) EmitStatus(ctx context.Context, state models.AgentState, message, msgID string) {
	e.emit(ctx, models.Event{
		Type:   models.EventStatus,
		MsgID:  msgID,
		Status: &models.StatusPayload{State: state, Message: message},
	})
}

// EmitTextStart opens an assistant message on the stream.
func (e *Emitter) EmitTextStart(ctx context.Context, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventTextStart, MsgID: msgID, Text: &models.TextPayload{}})
}

// EmitTextDelta streams an assistant text fragment.
func (e *Emitter) EmitTextDelta(ctx context.Context, content, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventTextDelta, MsgID: msgID, Text: &models.TextPayload{Content: content}})
}

// EmitTextComplete closes an assistant message, carrying the final text.
func (e *Emitter) EmitTextComplete(ctx context.Context, content, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventTextComplete, MsgID: msgID, Text: &models.TextPayload{Content: content}})
}

// EmitReasoningStart opens a reasoning block for a message.
func (e *Emitter) EmitReasoningStart(ctx context.Context, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventReasoningStart, MsgID: msgID, Text: &models.TextPayload{}})
}

// EmitReasoningDelta streams a reasoning fragment.
func (e *Emitter) EmitReasoningDelta(ctx context.Context, content, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventReasoningDelta, MsgID: msgID, Text: &models.TextPayload{Content: content}})
}

// EmitReasoningComplete closes a reasoning block.
func (e *Emitter) EmitReasoningComplete(ctx context.Context, content, msgID string) {
	e.emit(ctx, models.Event{Type: models.EventReasoningComplete, MsgID: msgID, Text: &models.TextPayload{Content: content}})
}

// EmitToolCallCreated announces a batch of tool calls. Slice order
// defines each call's toolIndex for consumers.
func (e *Emitter) EmitToolCallCreated(ctx context.Context, calls []models.ToolCall, msgID, content string) {
	e.emit(ctx, models.Event{
		Type:      models.EventToolCallCreated,
		MsgID:     msgID,
		ToolCalls: &models.ToolCallsPayload{Calls: calls, Content: content},
	})
}

// EmitToolCallStream streams incremental tool output. msgID may be empty;
// consumers resolve the call id instead.
func (e *Emitter) EmitToolCallStream(ctx context.Context, callID, output, msgID string) {
	e.emit(ctx, models.Event{
		Type:       models.EventToolCallStream,
		MsgID:      msgID,
		ToolStream: &models.ToolStreamPayload{CallID: callID, Output: output},
	})
}

// EmitToolCallResult emits the terminal result of a tool invocation.
// result is serialized via JSON when possible, falling back to
// stringification, and capped at the configured byte budget.
func (e *Emitter) EmitToolCallResult(ctx context.Context, callID string, result any, status models.ToolResultStatus, msgID string, exitCode *int) {
	e.emit(ctx, models.Event{
		Type:  models.EventToolCallResult,
		MsgID: msgID,
		ToolResult: &models.ToolResultPayload{
			CallID:   callID,
			Result:   e.serializeResult(result),
			Status:   status,
			ExitCode: exitCode,
		},
	})
}

// EmitCodePatch emits a unified diff proposed by the model.
func (e *Emitter) EmitCodePatch(ctx context.Context, path, diff, msgID, language string) {
	e.emit(ctx, models.Event{
		Type:  models.EventCodePatch,
		MsgID: msgID,
		Patch: &models.CodePatchPayload{Path: path, Diff: diff, Language: language},
	})
}

// EmitUsageUpdate accumulates usage and emits the cumulative counters.
// Total is recomputed as prompt+completion so inconsistent provider
// numbers cannot drift the sum.
func (e *Emitter) EmitUsageUpdate(ctx context.Context, delta models.Usage, msgID string) {
	e.mu.Lock()
	e.usage.Add(delta)
	cumulative := e.usage
	e.mu.Unlock()

	e.emit(ctx, models.Event{
		Type:  models.EventUsageUpdate,
		MsgID: msgID,
		Usage: &models.UsagePayload{Usage: cumulative},
	})
}

// EmitError emits a non-status error event.
func (e *Emitter) EmitError(ctx context.Context, code, message string) {
	e.emit(ctx, models.Event{
		Type:  models.EventError,
		Error: &models.ErrorPayload{Code: code, Message: message},
	})
}

// EmitSubagentEvent wraps a child event for bubbling to this session's
// stream. Nested wrapping is allowed.
func (e *Emitter) EmitSubagentEvent(ctx context.Context, taskID, childSessionID, subagentType string, inner models.Event) {
	e.emit(ctx, models.Event{
		Type: models.EventSubagent,
		Subagent: &models.SubagentPayload{
			TaskID:         taskID,
			ChildSessionID: childSessionID,
			SubagentType:   subagentType,
			Event:          &inner,
		},
	})
}

// serializeResult renders an arbitrary tool result as a string, capped at
// the byte budget with a visible truncation suffix.
func (e *Emitter) serializeResult(result any) string {
	var s string
	switch v := result.(type) {
	case nil:
		s = ""
	case string:
		s = v
	case []byte:
		s = string(v)
	case json.RawMessage:
		s = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprintf("%v", v)
		} else {
			s = string(data)
		}
	}

	e.mu.Lock()
	budget := e.resultByteBudget
	e.mu.Unlock()
	if budget > 0 && len(s) > budget {
		// Back up to a rune boundary so the cut never produces invalid
		// UTF-8 on the wire.
		cut := budget
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + truncationSuffix
	}
	return s
}
