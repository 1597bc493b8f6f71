package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistryRejectsMalformedSchemaAtRegistration(t *testing.T) {
	registry := NewToolRegistry()
	bad := &schemaTool{name: "bad", schema: json.RawMessage(`{"type": 42}`)}
	if err := registry.Register(bad); err == nil {
		t.Fatal("Register accepted a malformed schema")
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := registry.Register(echoTool{}); err == nil {
		t.Fatal("duplicate Register did not fail")
	}
}

func TestRegistryValidatesArguments(t *testing.T) {
	registry := NewToolRegistry()
	registry.MustRegister(echoTool{})

	tests := []struct {
		name    string
		args    json.RawMessage
		wantErr string
	}{
		{"valid", json.RawMessage(`{"text":"hi"}`), ""},
		{"missing required", json.RawMessage(`{}`), "failed validation"},
		{"wrong type", json.RawMessage(`{"text":7}`), "failed validation"},
		{"extra property", json.RawMessage(`{"text":"hi","more":1}`), "failed validation"},
		{"not json", json.RawMessage(`{{`), "invalid arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.Execute(context.Background(), "echo", tt.args, nil)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Execute: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Execute error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRegistryToLLMToolsDefaultsEmptySchemas(t *testing.T) {
	registry := NewToolRegistry()
	registry.MustRegister(&schemaTool{name: "bare"})
	registry.MustRegister(echoTool{})

	tools := registry.ToLLMTools()
	if len(tools) != 2 {
		t.Fatalf("ToLLMTools = %d entries, want 2", len(tools))
	}
	// Sorted by name: bare before echo.
	if tools[0].Name != "bare" || tools[1].Name != "echo" {
		t.Fatalf("tool order = [%s %s], want [bare echo]", tools[0].Name, tools[1].Name)
	}
	var schema map[string]any
	if err := json.Unmarshal(tools[0].Parameters, &schema); err != nil {
		t.Fatalf("default parameters not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("default schema = %v, want an object schema", schema)
	}
}

func TestRegistryPrefersStreamingExecution(t *testing.T) {
	registry := NewToolRegistry()
	registry.MustRegister(chattyTool{chunks: 3})

	var streamed []string
	result, err := registry.Execute(context.Background(), "chatty", nil, func(chunk string) {
		streamed = append(streamed, chunk)
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "done" {
		t.Errorf("Content = %v, want done", result.Content)
	}
	if len(streamed) != 3 {
		t.Errorf("streamed chunks = %d, want 3", len(streamed))
	}

	// Without an emit callback the plain path runs.
	streamed = nil
	if _, err := registry.Execute(context.Background(), "chatty", nil, nil); err != nil {
		t.Fatalf("Execute without emit: %v", err)
	}
	if len(streamed) != 0 {
		t.Errorf("streamed chunks without emit = %d, want 0", len(streamed))
	}
}

func TestToolContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if _, ok := ToolContextFrom(ctx); ok {
		t.Fatal("empty context reported a tool context")
	}
	tc := &ToolContext{SessionID: "s1", WorkingDirectory: "/tmp"}
	got, ok := ToolContextFrom(WithToolContext(ctx, tc))
	if !ok || got.SessionID != "s1" || got.WorkingDirectory != "/tmp" {
		t.Errorf("ToolContextFrom = %+v %v, want the attached values", got, ok)
	}
}

// schemaTool is a minimal tool with a configurable schema.
type schemaTool struct {
	name   string
	schema json.RawMessage
}

func (t *schemaTool) Name() string            { return t.name }
func (t *schemaTool) Description() string     { return "test tool" }
func (t *schemaTool) Schema() json.RawMessage { return t.schema }
func (t *schemaTool) Execute(ctx context.Context, args json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "ok"}, nil
}
