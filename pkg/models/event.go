package models

import (
	"encoding/json"
)

// Event is the unified streaming event model for an agent run.
// Every event serializes as a single JSON object so any transport
// (NDJSON, WebSocket frame, gRPC) can carry it.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic per-run Timestamp for ordering guarantees
type Event struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type EventType `json:"type"`

	// SessionID identifies the session that produced the event.
	SessionID string `json:"sessionId"`

	// Timestamp is the emission time in unix milliseconds, monotonic
	// within a run.
	Timestamp int64 `json:"timestamp"`

	// MsgID is the related message id when known. Present on all
	// text/reasoning/patch events and on tool_call_created.
	MsgID string `json:"msgId,omitempty"`

	// Exactly one payload is non-nil for a given Type.
	Text       *TextPayload       `json:"text,omitempty"`
	ToolCalls  *ToolCallsPayload  `json:"toolCalls,omitempty"`
	ToolStream *ToolStreamPayload `json:"toolStream,omitempty"`
	ToolResult *ToolResultPayload `json:"toolResult,omitempty"`
	Patch      *CodePatchPayload  `json:"patch,omitempty"`
	Usage      *UsagePayload      `json:"usage,omitempty"`
	Status     *StatusPayload     `json:"status,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Subagent   *SubagentPayload   `json:"subagent,omitempty"`
}

// EventType identifies the kind of agent event. The set is closed.
type EventType string

const (
	// Assistant text streaming
	EventTextStart    EventType = "text-start"
	EventTextDelta    EventType = "text-delta"
	EventTextComplete EventType = "text-complete"

	// Reasoning (chain-of-thought) streaming
	EventReasoningStart    EventType = "reasoning-start"
	EventReasoningDelta    EventType = "reasoning-delta"
	EventReasoningComplete EventType = "reasoning-complete"

	// Tool invocation lifecycle
	EventToolCallCreated EventType = "tool_call_created"
	EventToolCallStream  EventType = "tool_call_stream"
	EventToolCallResult  EventType = "tool_call_result"

	// Code patches proposed by the model
	EventCodePatch EventType = "code_patch"

	// Token accounting
	EventUsageUpdate EventType = "usage_update"

	// Run lifecycle
	EventStatus EventType = "status"
	EventError  EventType = "error"

	// Wrapped child-agent events
	EventSubagent EventType = "subagent_event"
)

// AgentState is the loop state reported by status events.
type AgentState string

const (
	StateIdle      AgentState = "idle"
	StateThinking  AgentState = "thinking"
	StateRunning   AgentState = "running"
	StateRetrying  AgentState = "retrying"
	StateCompleted AgentState = "completed"
	StateFailed    AgentState = "failed"
	StateAborted   AgentState = "aborted"
)

// Terminal reports whether the state ends a run.
func (s AgentState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateAborted:
		return true
	default:
		return false
	}
}

// TextPayload carries text or reasoning deltas and final content.
type TextPayload struct {
	// Content is the delta for *-delta events or the final text for
	// *-complete events.
	Content string `json:"content,omitempty"`
}

// ToolCallsPayload lists the calls announced by a tool_call_created event.
// Slice order defines each call's toolIndex.
type ToolCallsPayload struct {
	Calls []ToolCall `json:"calls"`

	// Content is optional assistant text that accompanied the calls.
	Content string `json:"content,omitempty"`
}

// ToolStreamPayload carries incremental tool output.
type ToolStreamPayload struct {
	CallID string `json:"callId"`
	Output string `json:"output"`
}

// ToolResultStatus is the outcome of a tool invocation.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// ToolResultPayload carries the terminal result of a tool invocation.
type ToolResultPayload struct {
	CallID string `json:"callId"`

	// Result is the serialized tool output, truncated to the emitter's
	// byte budget.
	Result string `json:"result"`

	Status ToolResultStatus `json:"status"`

	// ExitCode is set for process-like tools.
	ExitCode *int `json:"exitCode,omitempty"`
}

// CodePatchPayload carries a unified diff proposed by the model.
type CodePatchPayload struct {
	Path     string `json:"path"`
	Diff     string `json:"diff"`
	Language string `json:"language,omitempty"`
}

// UsagePayload carries cumulative token usage.
type UsagePayload struct {
	Usage Usage `json:"usage"`
}

// StatusPayload describes a loop state transition.
type StatusPayload struct {
	State AgentState `json:"state"`

	// Message is a human-readable detail. Retry statuses embed the error
	// code as "[CODE] message" so consumers can distinguish causes.
	Message string `json:"message,omitempty"`
}

// ErrorPayload standardizes terminal errors on the event stream.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubagentPayload wraps a child event for bubbling to the parent stream.
// Nested wrapping is allowed.
type SubagentPayload struct {
	TaskID         string `json:"taskId"`
	ChildSessionID string `json:"childSessionId"`
	SubagentType   string `json:"subagentType,omitempty"`
	Event          *Event `json:"event"`
}

// MarshalJSON keeps the zero Version serialized as 1 so hand-constructed
// events stay wire-compatible.
func (e Event) MarshalJSON() ([]byte, error) {
	type alias Event
	a := alias(e)
	if a.Version == 0 {
		a.Version = 1
	}
	return json.Marshal(a)
}
