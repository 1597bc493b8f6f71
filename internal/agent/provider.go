package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Provider defines the interface for LLM backends.
//
// Implementations handle the specifics of talking to an API (HTTP, SSE
// parsing, token counting) while presenting a unified interface to the
// loop engine. Implementations must be safe for concurrent use.
type Provider interface {
	// Generate sends the conversation and returns either a full response
	// or a chunk stream, depending on req.Stream.
	Generate(ctx context.Context, req *Request) (*Generation, error)

	// Name returns the provider name for logging and status messages.
	Name() string

	// RequestTimeout returns the provider's per-call wall-clock cap.
	RequestTimeout() time.Duration

	// MaxContextTokens returns the model's context window size.
	MaxContextTokens() int

	// MaxOutputTokens returns the model's output token cap.
	MaxOutputTokens() int
}

// Request contains all parameters for a provider call.
type Request struct {
	// Model overrides the provider's default model when non-empty.
	Model string `json:"model,omitempty"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the filtered conversation history in order.
	Messages []*models.Message `json:"messages"`

	// Tools lists the schemas of tools the model may call.
	Tools []ToolSchema `json:"tools,omitempty"`

	// ToolChoice constrains tool selection ("auto", "none", or a name).
	ToolChoice string `json:"tool_choice,omitempty"`

	// Temperature, when > 0, overrides the provider default.
	Temperature float32 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Stream requests a chunk stream instead of a full response.
	Stream bool `json:"stream,omitempty"`
}

// ToolSchema is a tool definition in the shape providers expect.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Generation is the result of a provider call: exactly one of Response
// (non-stream) or Stream (stream mode) is set.
type Generation struct {
	Response *Response
	Stream   <-chan Chunk
}

// Response is a complete, non-streamed provider response.
type Response struct {
	ID      string        `json:"id,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []Choice      `json:"choices"`
	Usage   *models.Usage `json:"usage,omitempty"`
}

// Choice is one completion alternative. The loop engine only consumes
// index 0.
type Choice struct {
	Index        int                 `json:"index"`
	Message      ResponseMessage     `json:"message"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
}

// ResponseMessage is the assistant output inside a choice.
type ResponseMessage struct {
	Role             string            `json:"role,omitempty"`
	Content          string            `json:"content,omitempty"`
	ReasoningContent string            `json:"reasoning_content,omitempty"`
	ToolCalls        []models.ToolCall `json:"tool_calls,omitempty"`
}

// Chunk is a single streamed fragment of a provider response.
type Chunk struct {
	ID      string        `json:"id,omitempty"`
	Choices []ChunkChoice `json:"choices,omitempty"`
	Usage   *models.Usage `json:"usage,omitempty"`

	// Error terminates the stream when set.
	Error *ChunkError `json:"error,omitempty"`
}

// ChunkChoice carries the delta for one choice index.
type ChunkChoice struct {
	Index        int                 `json:"index"`
	Delta        ChunkDelta          `json:"delta"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
}

// ChunkDelta is the incremental content of a streamed choice.
type ChunkDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is an incremental tool-call fragment. Fragments with the
// same Index are merged: the first carries ID and Name, later ones append
// argument text.
type ToolCallDelta struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
}

// ChunkError is an in-band stream error from the provider.
type ChunkError struct {
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}
