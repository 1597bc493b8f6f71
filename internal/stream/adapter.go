// Package stream rebuilds an ordered conversation view from the flat
// agent event stream, batching text deltas for frame-rate consumers.
package stream

import (
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// DefaultBatchInterval is the text-delta batching window. Consumers see
// at most one delta callback per window.
const DefaultBatchInterval = 33 * time.Millisecond

// Stream chunk retention bounds per invocation. Oldest chunks are
// dropped first when either bound is exceeded.
const (
	MaxStreamChunks = 400
	MaxStreamChars  = 120_000
)

// InvocationStatus is the lifecycle state of one tool invocation view.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
)

// Invocation is the rebuilt view of one tool call. Created on
// tool_call_created, mutated by stream and result events, terminal on
// result.
type Invocation struct {
	CallID       string
	ToolName     string
	Args         string
	ToolIndex    int
	Status       InvocationStatus
	StartedAt    time.Time
	FinishedAt   time.Time
	StreamChunks []string
	Result       string
	ExitCode     *int

	// MsgID is the assistant message that requested the call.
	MsgID string

	// streamChars tracks the retained chunk bytes for the drop-oldest
	// window.
	streamChars int
}

// MessageView is the rebuilt view of one assistant message.
type MessageView struct {
	ID          string
	Content     string
	Reasoning   string
	Completed   bool
	Invocations []*Invocation
}

// Patch is a rebuilt code patch keyed by path. A later patch for the
// same path replaces the earlier one.
type Patch struct {
	Path     string
	Diff     string
	Language string
	MsgID    string
}

// Summary is handed to the SessionComplete handler on terminal status.
type Summary struct {
	SessionID string
	State     models.AgentState
	Message   string
	Messages  []*MessageView
	Patches   []*Patch
	Usage     models.Usage
}

// Handlers receives adapter output. Nil handlers are skipped.
type Handlers struct {
	// TextStart fires when a new assistant message opens.
	TextStart func(msgID string)

	// TextDelta fires with batched text; at most once per batch window.
	TextDelta func(msgID, content string)

	// TextComplete fires when a message closes, with its final content.
	TextComplete func(msgID, content string)

	// ReasoningDelta fires with batched reasoning text.
	ReasoningDelta func(msgID, content string)

	// ToolUpdate fires on every invocation change (created/stream/result).
	ToolUpdate func(inv *Invocation)

	// CodePatch fires when a patch arrives or is replaced.
	CodePatch func(p *Patch)

	// Status fires on every status event.
	Status func(state models.AgentState, message string)

	// Usage fires with cumulative token usage.
	Usage func(u models.Usage)

	// Subagent fires with unwrapped child events.
	Subagent func(taskID, childSessionID string, inner models.Event)

	// SessionComplete fires exactly once per run, on terminal status.
	SessionComplete func(s Summary)
}

// Adapter consumes one event per HandleEvent call, in emission order.
// It is single-threaded per stream: callers must not invoke it from
// multiple goroutines.
type Adapter struct {
	handlers Handlers
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	sessionID  string
	messages   []*MessageView
	byID       map[string]*MessageView
	byCallID   map[string]*Invocation
	patches    map[string]*Patch
	patchOrder []string
	usage      models.Usage

	// openID is the currently-open assistant message id; lastID carries
	// tool events that omit msgId.
	openID string
	lastID string

	// pending text-delta batch for the open message.
	pending      strings.Builder
	pendingSince time.Time

	pendingReasoning      strings.Builder
	pendingReasoningSince time.Time

	done bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBatchInterval overrides the delta batching window.
func WithBatchInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// withClock injects a clock for tests.
func withClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates an adapter delivering output to the given handlers.
func NewAdapter(handlers Handlers, opts ...Option) *Adapter {
	a := &Adapter{
		handlers: handlers,
		logger:   slog.Default().With("component", "stream"),
		interval: DefaultBatchInterval,
		now:      time.Now,
		byID:     make(map[string]*MessageView),
		byCallID: make(map[string]*Invocation),
		patches:  make(map[string]*Patch),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Messages returns the rebuilt message views in arrival order.
func (a *Adapter) Messages() []*MessageView {
	return a.messages
}

// HandleEvent consumes one event. Events must arrive in emission order.
func (a *Adapter) HandleEvent(e models.Event) {
	if a.done {
		return
	}
	if a.sessionID == "" {
		a.sessionID = e.SessionID
	}

	switch e.Type {
	case models.EventTextStart:
		a.openMessage(e.MsgID)

	case models.EventTextDelta:
		a.textDelta(e.MsgID, e.Text.Content)

	case models.EventTextComplete:
		a.textComplete(e.MsgID, e.Text.Content)

	case models.EventReasoningStart:
		a.openMessage(e.MsgID)

	case models.EventReasoningDelta:
		a.reasoningDelta(e.MsgID, e.Text.Content)

	case models.EventReasoningComplete:
		a.reasoningComplete(e.MsgID, e.Text.Content)

	case models.EventToolCallCreated:
		a.toolCallCreated(e)

	case models.EventToolCallStream:
		a.toolCallStream(e.ToolStream)

	case models.EventToolCallResult:
		a.toolCallResult(e.ToolResult)

	case models.EventCodePatch:
		a.codePatch(e)

	case models.EventUsageUpdate:
		a.usage = e.Usage.Usage
		if a.handlers.Usage != nil {
			a.handlers.Usage(a.usage)
		}

	case models.EventStatus:
		a.status(e.Status)

	case models.EventError:
		a.flushPending(true)

	case models.EventSubagent:
		if e.Subagent != nil && e.Subagent.Event != nil && a.handlers.Subagent != nil {
			a.handlers.Subagent(e.Subagent.TaskID, e.Subagent.ChildSessionID, *e.Subagent.Event)
		}
	}
}

// Flush delivers any pending delta batch regardless of the window.
// Hosts driving a render loop call this once per frame.
func (a *Adapter) Flush() {
	a.flushPending(true)
}

// openMessage opens a view for msgID, closing the previous one
// implicitly. Repeated opens for the same id are ignored.
func (a *Adapter) openMessage(msgID string) *MessageView {
	if msgID == "" {
		msgID = a.openID
	}
	if mv, ok := a.byID[msgID]; ok {
		if !mv.Completed {
			a.openID = msgID
			a.lastID = msgID
		}
		return mv
	}
	a.flushPending(true)

	mv := &MessageView{ID: msgID}
	a.byID[msgID] = mv
	a.messages = append(a.messages, mv)
	a.openID = msgID
	a.lastID = msgID
	if a.handlers.TextStart != nil {
		a.handlers.TextStart(msgID)
	}
	return mv
}

func (a *Adapter) textDelta(msgID, content string) {
	if msgID != "" && msgID != a.openID {
		// A delta for a new id synthesizes the start it never saw.
		a.openMessage(msgID)
	}
	mv := a.currentMessage(msgID)
	if mv == nil || mv.Completed {
		// Completed messages ignore late deltas.
		return
	}
	mv.Content += content
	a.pending.WriteString(content)
	if a.pendingSince.IsZero() {
		a.pendingSince = a.now()
	}
	if a.now().Sub(a.pendingSince) >= a.interval {
		a.flushPending(false)
	}
}

func (a *Adapter) reasoningDelta(msgID, content string) {
	if msgID != "" && msgID != a.openID {
		a.openMessage(msgID)
	}
	mv := a.currentMessage(msgID)
	if mv == nil || mv.Completed {
		return
	}
	mv.Reasoning += content
	a.pendingReasoning.WriteString(content)
	if a.pendingReasoningSince.IsZero() {
		a.pendingReasoningSince = a.now()
	}
	if a.now().Sub(a.pendingReasoningSince) >= a.interval {
		a.flushReasoning()
	}
}

func (a *Adapter) reasoningComplete(msgID, content string) {
	a.flushReasoning()
	mv := a.currentMessage(msgID)
	if mv != nil && content != "" {
		mv.Reasoning = content
	}
}

func (a *Adapter) textComplete(msgID, content string) {
	mv := a.currentMessage(msgID)
	if mv == nil {
		mv = a.openMessage(msgID)
	}
	a.flushPending(true)
	if content != "" {
		mv.Content = content
	}
	mv.Completed = true
	if a.openID == mv.ID {
		a.openID = ""
	}
	a.lastID = mv.ID
	if a.handlers.TextComplete != nil {
		a.handlers.TextComplete(mv.ID, mv.Content)
	}
}

func (a *Adapter) toolCallCreated(e models.Event) {
	a.flushPending(true)

	msgID := e.MsgID
	mv := a.currentMessage(msgID)
	if mv == nil {
		mv = a.openMessage(msgID)
	}
	// toolCallCreated implicitly completes the streaming text.
	if !mv.Completed {
		if e.ToolCalls.Content != "" {
			mv.Content = e.ToolCalls.Content
		}
		mv.Completed = true
		if a.openID == mv.ID {
			a.openID = ""
		}
	}
	a.lastID = mv.ID

	for i, call := range e.ToolCalls.Calls {
		if existing, ok := a.byCallID[call.ID]; ok {
			// Repeated created for the same callId merges; non-empty new
			// fields win.
			if call.Name != "" {
				existing.ToolName = call.Name
			}
			if len(call.Args) > 0 {
				existing.Args = string(call.Args)
			}
			a.notifyTool(existing)
			continue
		}
		inv := &Invocation{
			CallID:    call.ID,
			ToolName:  call.Name,
			Args:      string(call.Args),
			ToolIndex: i,
			Status:    InvocationRunning,
			StartedAt: a.now(),
			MsgID:     mv.ID,
		}
		a.byCallID[call.ID] = inv
		mv.Invocations = append(mv.Invocations, inv)
		a.notifyTool(inv)
	}
}

func (a *Adapter) toolCallStream(p *models.ToolStreamPayload) {
	inv, ok := a.byCallID[p.CallID]
	if !ok {
		a.logger.Warn("dropping stream chunk for unknown tool call", "call_id", p.CallID)
		return
	}
	inv.StreamChunks = append(inv.StreamChunks, p.Output)
	inv.streamChars += len(p.Output)
	for len(inv.StreamChunks) > MaxStreamChunks ||
		(inv.streamChars > MaxStreamChars && len(inv.StreamChunks) > 1) {
		inv.streamChars -= len(inv.StreamChunks[0])
		inv.StreamChunks = inv.StreamChunks[1:]
	}
	a.notifyTool(inv)
}

func (a *Adapter) toolCallResult(p *models.ToolResultPayload) {
	inv, ok := a.byCallID[p.CallID]
	if !ok {
		a.logger.Warn("dropping result for unknown tool call", "call_id", p.CallID)
		return
	}
	inv.Result = p.Result
	inv.ExitCode = p.ExitCode
	inv.FinishedAt = a.now()
	if p.Status == models.ToolResultError {
		inv.Status = InvocationFailed
	} else {
		inv.Status = InvocationSucceeded
	}
	a.notifyTool(inv)
}

func (a *Adapter) codePatch(e models.Event) {
	p := e.Patch
	patch, ok := a.patches[p.Path]
	if !ok {
		patch = &Patch{Path: p.Path}
		a.patches[p.Path] = patch
		a.patchOrder = append(a.patchOrder, p.Path)
	}
	patch.Diff = p.Diff
	patch.Language = p.Language
	patch.MsgID = e.MsgID
	if a.handlers.CodePatch != nil {
		a.handlers.CodePatch(patch)
	}
}

func (a *Adapter) status(p *models.StatusPayload) {
	if p.State.Terminal() {
		a.flushPending(true)
		a.flushReasoning()
		// Close the open message so consumers never hold a dangling view.
		if a.openID != "" {
			a.textComplete(a.openID, "")
		}
	}
	if a.handlers.Status != nil {
		a.handlers.Status(p.State, p.Message)
	}
	if p.State.Terminal() {
		a.complete(p)
	}
}

func (a *Adapter) complete(p *models.StatusPayload) {
	a.done = true
	if a.handlers.SessionComplete != nil {
		patches := make([]*Patch, 0, len(a.patchOrder))
		for _, path := range a.patchOrder {
			patches = append(patches, a.patches[path])
		}
		a.handlers.SessionComplete(Summary{
			SessionID: a.sessionID,
			State:     p.State,
			Message:   p.Message,
			Messages:  a.messages,
			Patches:   patches,
			Usage:     a.usage,
		})
	}
}

func (a *Adapter) currentMessage(msgID string) *MessageView {
	if msgID == "" {
		msgID = a.openID
	}
	if msgID == "" {
		msgID = a.lastID
	}
	return a.byID[msgID]
}

// flushPending delivers the buffered text batch. force bypasses the
// window check.
func (a *Adapter) flushPending(force bool) {
	if a.pending.Len() == 0 {
		return
	}
	if !force && a.now().Sub(a.pendingSince) < a.interval {
		return
	}
	if a.handlers.TextDelta != nil {
		id := a.openID
		if id == "" {
			id = a.lastID
		}
		a.handlers.TextDelta(id, a.pending.String())
	}
	a.pending.Reset()
	a.pendingSince = time.Time{}
}

func (a *Adapter) flushReasoning() {
	if a.pendingReasoning.Len() == 0 {
		return
	}
	if a.handlers.ReasoningDelta != nil {
		id := a.openID
		if id == "" {
			id = a.lastID
		}
		a.handlers.ReasoningDelta(id, a.pendingReasoning.String())
	}
	a.pendingReasoning.Reset()
	a.pendingReasoningSince = time.Time{}
}

// notifyTool delivers an invocation update.
func (a *Adapter) notifyTool(inv *Invocation) {
	if a.handlers.ToolUpdate != nil {
		a.handlers.ToolUpdate(inv)
	}
}
