package todo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

// sessionFrom resolves the calling session from the tool context.
func sessionFrom(ctx context.Context) (string, error) {
	tc, ok := agent.ToolContextFrom(ctx)
	if !ok || tc.SessionID == "" {
		return "", fmt.Errorf("no session in tool context")
	}
	return tc.SessionID, nil
}

// CreateTool adds a managed task to the session's list.
type CreateTool struct {
	store *Store
}

// NewCreateTool returns the task_create tool.
func NewCreateTool(store *Store) *CreateTool {
	return &CreateTool{store: store}
}

func (t *CreateTool) Name() string { return "task_create" }

func (t *CreateTool) Description() string {
	return "Create a managed task on this session's todo list"
}

func (t *CreateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"subject": {"type": "string"},
			"description": {"type": "string"},
			"active_form": {"type": "string"},
			"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
		},
		"required": ["subject"]
	}`)
}

func (t *CreateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	var input struct {
		Subject     string            `json:"subject"`
		Description string            `json:"description"`
		ActiveForm  string            `json:"active_form"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}

	task, err := t.store.Create(ctx, sessionID, CreateParams{
		Subject:     input.Subject,
		Description: input.Description,
		ActiveForm:  input.ActiveForm,
		Metadata:    input.Metadata,
	})
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// GetTool fetches one managed task by id.
type GetTool struct {
	store *Store
}

// NewGetTool returns the task_get tool.
func NewGetTool(store *Store) *GetTool {
	return &GetTool{store: store}
}

func (t *GetTool) Name() string { return "task_get" }

func (t *GetTool) Description() string {
	return "Fetch one managed task by id"
}

func (t *GetTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"}
		},
		"required": ["id"]
	}`)
}

func (t *GetTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	var input struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}

	task, err := t.store.Get(ctx, sessionID, input.ID)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// ListTool lists the session's managed tasks sorted by id.
type ListTool struct {
	store *Store
}

// NewListTool returns the task_list tool.
func NewListTool(store *Store) *ListTool {
	return &ListTool{store: store}
}

func (t *ListTool) Name() string { return "task_list" }

func (t *ListTool) Description() string {
	return "List this session's managed tasks sorted by id"
}

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	tasks, err := t.store.List(ctx, sessionID)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	payload, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// UpdateTool applies a partial update to a managed task, including
// status transitions and dependency edges.
type UpdateTool struct {
	store *Store
}

// NewUpdateTool returns the task_update tool.
func NewUpdateTool(store *Store) *UpdateTool {
	return &UpdateTool{store: store}
}

func (t *UpdateTool) Name() string { return "task_update" }

func (t *UpdateTool) Description() string {
	return "Update a managed task: status, fields, metadata (null deletes a key), and dependency edges. Status deleted removes the task."
}

func (t *UpdateTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"status": {"type": "string", "enum": ["pending", "in_progress", "completed", "deleted"]},
			"subject": {"type": "string"},
			"description": {"type": "string"},
			"active_form": {"type": "string"},
			"owner": {"type": "string"},
			"metadata": {"type": "object", "additionalProperties": {"type": ["string", "null"]}},
			"add_blocks": {"type": "array", "items": {"type": "string"}},
			"add_blocked_by": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["id"]
	}`)
}

func (t *UpdateTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	sessionID, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	var input struct {
		ID           string             `json:"id"`
		Status       *string            `json:"status"`
		Subject      *string            `json:"subject"`
		Description  *string            `json:"description"`
		ActiveForm   *string            `json:"active_form"`
		Owner        *string            `json:"owner"`
		Metadata     map[string]*string `json:"metadata"`
		AddBlocks    []string           `json:"add_blocks"`
		AddBlockedBy []string           `json:"add_blocked_by"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}

	update := UpdateParams{
		Subject:      input.Subject,
		Description:  input.Description,
		ActiveForm:   input.ActiveForm,
		Owner:        input.Owner,
		Metadata:     input.Metadata,
		AddBlocks:    input.AddBlocks,
		AddBlockedBy: input.AddBlockedBy,
	}
	if input.Status != nil {
		status := models.ManagedTaskStatus(*input.Status)
		update.Status = &status
	}

	task, err := t.store.Update(ctx, sessionID, input.ID, update)
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// RegisterTools adds the managed task tools to a registry.
func RegisterTools(registry *agent.ToolRegistry, store *Store) error {
	for _, tool := range []agent.Tool{
		NewCreateTool(store),
		NewGetTool(store),
		NewListTool(store),
		NewUpdateTool(store),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
