// Package models provides domain types for the strand agent runtime.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// FinishReason is the provider-supplied reason generation ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// PartType identifies the kind of a typed content part.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
	PartFile  PartType = "file"
	PartAudio PartType = "audio"
	PartVideo PartType = "video"
)

// Part is a typed segment of message content for multimodal input.
type Part struct {
	Type PartType `json:"type"`

	// Text holds the content for text parts.
	Text string `json:"text,omitempty"`

	// URL references external media for image/file/audio/video parts.
	URL string `json:"url,omitempty"`

	// MimeType describes inline or referenced media.
	MimeType string `json:"mime_type,omitempty"`

	// Data holds inline media bytes.
	Data []byte `json:"data,omitempty"`
}

// ToolCall is a single structured function-call request from the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool name to invoke.
	Name string `json:"name"`

	// Args is the raw JSON argument payload.
	Args json.RawMessage `json:"args,omitempty"`
}

// Reasons a message may be hidden from context assembly.
const (
	// ExcludedInvalidResponse marks messages hidden because the provider
	// returned a malformed or orphaned response.
	ExcludedInvalidResponse = "invalid_response"

	// ExcludedCompacted marks messages replaced by a compaction summary.
	ExcludedCompacted = "compacted"
)

// Message is one entry in a session transcript. Messages are append-only
// except for the context-exclusion flag.
type Message struct {
	// ID uniquely identifies the message.
	ID string `json:"id"`

	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the textual content. For multimodal messages Parts is
	// populated instead and Content carries the flattened text.
	Content string `json:"content,omitempty"`

	// Parts holds typed content parts when the input was multimodal.
	Parts []Part `json:"parts,omitempty"`

	// ToolCalls holds tool requests; assistant messages only.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID references the assistant tool call this message answers;
	// tool messages only.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// FinishReason records why the provider stopped generating.
	FinishReason FinishReason `json:"finish_reason,omitempty"`

	// ReasoningContent holds chain-of-thought text when the provider
	// exposes it separately.
	ReasoningContent string `json:"reasoning_content,omitempty"`

	// ExcludedFromContext hides the message from future context assembly
	// while keeping it in history.
	ExcludedFromContext bool `json:"excluded_from_context,omitempty"`

	// ExcludedReason explains the exclusion (e.g. "invalid_response").
	ExcludedReason string `json:"excluded_reason,omitempty"`

	// CreatedAt is the arrival timestamp.
	CreatedAt time.Time `json:"created_at"`
}

// TextContent returns the flattened text of the message: Content when set,
// otherwise the concatenation of text parts.
func (m *Message) TextContent() string {
	if m.Content != "" {
		return m.Content
	}
	if len(m.Parts) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Usage tracks token consumption. Total is always recomputed as
// Prompt+Completion so inconsistent provider numbers cannot drift it.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates another usage sample and recomputes the total.
func (u *Usage) Add(delta Usage) {
	u.Prompt += delta.Prompt
	u.Completion += delta.Completion
	u.Total = u.Prompt + u.Completion
}

// Session is the ordered message history keyed by a stable session id.
// Messages live in the memory backend; the Session carries metadata only.
type Session struct {
	// ID is the stable session identifier.
	ID string `json:"id"`

	// SystemPrompt is the system prompt applied to provider calls.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Usage is the cumulative token usage across the session.
	Usage Usage `json:"usage"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}
