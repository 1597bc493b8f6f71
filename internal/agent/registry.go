package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/strand/internal/memory"
)

// Tool is the interface all agent tools implement.
type Tool interface {
	// Name returns the unique tool identifier the model calls it by.
	Name() string

	// Description tells the model what the tool does and when to use it.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error)
}

// LongRunningTool is implemented by tools whose execution legitimately
// outlives the executor's per-tool timeout, such as tools that await a
// child agent. ExecutionTimeout replaces the configured deadline for
// that tool; zero or negative disables the deadline entirely, leaving
// only the batch context to bound the call.
type LongRunningTool interface {
	Tool

	// ExecutionTimeout returns the per-call deadline for this tool.
	ExecutionTimeout() time.Duration
}

// StreamingTool is implemented by tools that produce incremental output.
// The registry prefers ExecuteStream when an emit callback is supplied.
type StreamingTool interface {
	Tool

	// ExecuteStream runs the tool, calling emit for each output chunk.
	// The final result is returned as with Execute.
	ExecuteStream(ctx context.Context, args json.RawMessage, emit func(chunk string)) (*ToolResult, error)
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	// Content is the result payload handed back to the model. Usually a
	// string; structured values are JSON-serialized by the emitter.
	Content any `json:"content"`

	// IsError marks a tool-level failure that should be surfaced to the
	// model rather than aborting the run.
	IsError bool `json:"is_error,omitempty"`

	// Sensitive requests redaction before the result is persisted or
	// emitted.
	Sensitive bool `json:"sensitive,omitempty"`

	// ExitCode is set by process-like tools.
	ExitCode *int `json:"exit_code,omitempty"`

	// Metadata carries tool-specific extras (e.g. routing decisions).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Sanitizer redacts sensitive content from tool results before they are
// persisted or emitted.
type Sanitizer interface {
	Sanitize(content string) string
}

// ToolRegistry holds the tools available to an agent and validates
// arguments against each tool's schema before dispatch.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. The tool's schema is compiled eagerly so malformed
// schemas fail at registration, not at call time.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool has empty name")
	}

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", strings.NewReader(string(raw))); err != nil {
			return fmt.Errorf("add schema for tool %q: %w", name, err)
		}
		var err error
		compiled, err = compiler.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("compile schema for tool %q: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	}
	return nil
}

// MustRegister registers a tool and panics on error. For init-time wiring.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToLLMTools converts the registry to the schema list providers expect.
func (r *ToolRegistry) ToLLMTools() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]ToolSchema, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		params := t.Schema()
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, ToolSchema{
			Name:        name,
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return out
}

// Execute validates args against the tool's schema and runs it. When the
// tool implements StreamingTool and emit is non-nil, output is streamed.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, emit func(chunk string)) (*ToolResult, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %q not found", name)
	}

	if schema != nil {
		var value any
		raw := args
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("tool %q: invalid arguments: %w", name, err)
		}
		if err := schema.Validate(value); err != nil {
			return nil, fmt.Errorf("tool %q: arguments failed validation: %w", name, err)
		}
	}

	if st, ok := tool.(StreamingTool); ok && emit != nil {
		return st.ExecuteStream(ctx, args, emit)
	}
	return tool.Execute(ctx, args)
}

// ToolContext carries run-scoped values tools may need.
type ToolContext struct {
	SessionID        string
	Memory           memory.Manager
	WorkingDirectory string
}

type toolContextKey struct{}

// WithToolContext attaches run-scoped tool values to a context.
func WithToolContext(ctx context.Context, tc *ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFrom extracts the run-scoped tool values, if present.
func ToolContextFrom(ctx context.Context) (*ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(*ToolContext)
	return tc, ok
}
