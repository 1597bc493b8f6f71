package subtask

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/strand/internal/agent"
	"github.com/haasonsaas/strand/pkg/models"
)

// TaskTool spawns a child agent in the foreground or background.
type TaskTool struct {
	runtime *Runtime
}

// NewTaskTool returns the task tool bound to a runtime.
func NewTaskTool(runtime *Runtime) *TaskTool {
	return &TaskTool{runtime: runtime}
}

func (t *TaskTool) Name() string { return "task" }

// ExecutionTimeout disables the executor's per-tool deadline: a
// foreground child runs until it settles, bounded only by the run
// context.
func (t *TaskTool) ExecutionTimeout() time.Duration { return 0 }

func (t *TaskTool) Description() string {
	return "Run a sub-task with a child agent. Foreground waits for the result; background returns a run_id immediately."
}

func (t *TaskTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Instruction for the child agent"},
			"description": {"type": "string", "description": "Short summary shown in run listings"},
			"subagent_type": {"type": "string", "description": "Child persona name"},
			"background": {"type": "boolean", "description": "Run detached and return a run_id"},
			"model": {"type": "string", "description": "Model alias (e.g. sonnet, opus, haiku)"}
		},
		"required": ["prompt"]
	}`)
}

func (t *TaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Prompt       string `json:"prompt"`
		Description  string `json:"description"`
		SubagentType string `json:"subagent_type"`
		Background   bool   `json:"background"`
		Model        string `json:"model"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}
	if input.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	tc, _ := agent.ToolContextFrom(ctx)
	parentSessionID := ""
	if tc != nil {
		parentSessionID = tc.SessionID
	}

	mode := models.SubTaskForeground
	if input.Background {
		mode = models.SubTaskBackground
	}

	_, applied := ResolveModel(input.Model)

	run, err := t.runtime.Start(ctx, StartRequest{
		ParentSessionID: parentSessionID,
		Prompt:          input.Prompt,
		Description:     input.Description,
		SubagentType:    input.SubagentType,
		Mode:            mode,
		ModelHint:       input.Model,
	})
	if err != nil {
		return &agent.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	payload, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{
		Content:  string(payload),
		IsError:  run.Status == models.SubTaskFailed,
		Metadata: map[string]any{"model_applied": applied, "run_id": run.RunID},
	}, nil
}

// TaskOutputTool reports a run's progress or, with block=true, waits for
// its terminal state.
type TaskOutputTool struct {
	runtime *Runtime
}

// NewTaskOutputTool returns the task_output tool bound to a runtime.
func NewTaskOutputTool(runtime *Runtime) *TaskOutputTool {
	return &TaskOutputTool{runtime: runtime}
}

func (t *TaskOutputTool) Name() string { return "task_output" }

// ExecutionTimeout disables the executor's per-tool deadline; blocking
// waits are bounded by the caller-supplied timeout_ms instead.
func (t *TaskOutputTool) ExecutionTimeout() time.Duration { return 0 }

func (t *TaskOutputTool) Description() string {
	return "Fetch a sub-task run's progress and output by run_id. Set block=true to wait for completion."
}

func (t *TaskOutputTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"run_id": {"type": "string"},
			"block": {"type": "boolean"},
			"timeout_ms": {"type": "integer", "minimum": 0}
		},
		"required": ["run_id"]
	}`)
}

func (t *TaskOutputTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		RunID     string `json:"run_id"`
		Block     bool   `json:"block"`
		TimeoutMs int    `json:"timeout_ms"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}
	if input.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := t.runtime.Output(ctx, input.RunID, input.Block, time.Duration(input.TimeoutMs)*time.Millisecond)
	if err != nil {
		return &agent.ToolResult{Content: "TASK_NOT_FOUND", IsError: true}, nil
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// TaskStopTool requests cancellation of a background run.
type TaskStopTool struct {
	runtime *Runtime
}

// NewTaskStopTool returns the task_stop tool bound to a runtime.
func NewTaskStopTool(runtime *Runtime) *TaskStopTool {
	return &TaskStopTool{runtime: runtime}
}

func (t *TaskStopTool) Name() string { return "task_stop" }

// ExecutionTimeout disables the executor's per-tool deadline; the stop
// wait is bounded by the runtime's StopWait.
func (t *TaskStopTool) ExecutionTimeout() time.Duration { return 0 }

func (t *TaskStopTool) Description() string {
	return "Cancel a sub-task run by run_id and wait briefly for it to settle"
}

func (t *TaskStopTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"run_id": {"type": "string"}
		},
		"required": ["run_id"]
	}`)
}

func (t *TaskStopTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, err
	}
	if input.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	run, err := t.runtime.Stop(ctx, input.RunID)
	if err != nil {
		return &agent.ToolResult{Content: "TASK_NOT_FOUND", IsError: true}, nil
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// RegisterTools adds the sub-task tools to a registry.
func RegisterTools(registry *agent.ToolRegistry, runtime *Runtime) error {
	for _, tool := range []agent.Tool{
		NewTaskTool(runtime),
		NewTaskOutputTool(runtime),
		NewTaskStopTool(runtime),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
