package models

import (
	"time"
)

// SubTaskMode selects how a child agent run is executed.
type SubTaskMode string

const (
	// SubTaskForeground blocks the caller until the child finishes.
	SubTaskForeground SubTaskMode = "foreground"

	// SubTaskBackground returns a run id immediately; the child runs detached.
	SubTaskBackground SubTaskMode = "background"
)

// SubTaskStatus is the lifecycle state of a sub-task run.
type SubTaskStatus string

const (
	SubTaskQueued     SubTaskStatus = "queued"
	SubTaskRunning    SubTaskStatus = "running"
	SubTaskCancelling SubTaskStatus = "cancelling"
	SubTaskCancelled  SubTaskStatus = "cancelled"
	SubTaskCompleted  SubTaskStatus = "completed"
	SubTaskFailed     SubTaskStatus = "failed"
)

// Terminal reports whether the status ends the run.
func (s SubTaskStatus) Terminal() bool {
	switch s {
	case SubTaskCancelled, SubTaskCompleted, SubTaskFailed:
		return true
	default:
		return false
	}
}

// SubTaskRun is the persisted snapshot of a child agent run. The full
// transcript lives on the child session; the run record carries metadata
// and a summary only, so snapshots stay small.
type SubTaskRun struct {
	// RunID uniquely identifies the run within the process.
	RunID string `json:"run_id"`

	// ParentSessionID is the spawning session.
	ParentSessionID string `json:"parent_session_id"`

	// ChildSessionID is "<parent>::subtask::<runID>".
	ChildSessionID string `json:"child_session_id"`

	Mode   SubTaskMode   `json:"mode"`
	Status SubTaskStatus `json:"status"`

	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`

	// LastToolName is the most recent tool the child invoked.
	LastToolName string `json:"last_tool_name,omitempty"`

	// Description is a short human-readable summary of the task.
	Description string `json:"description,omitempty"`

	// Prompt is the instruction given to the child.
	Prompt string `json:"prompt"`

	// SubagentType selects the child persona (toolset + system prompt).
	SubagentType string `json:"subagent_type,omitempty"`

	// ModelHint is the requested model alias, if any.
	ModelHint string `json:"model_hint,omitempty"`

	// Progress counters captured by the heartbeat.
	Turns        int `json:"turns,omitempty"`
	ToolsUsed    int `json:"tools_used,omitempty"`
	MessageCount int `json:"message_count,omitempty"`

	// Output is the child's final answer on completion.
	Output string `json:"output,omitempty"`

	// Error describes the failure on failed/cancelled runs.
	Error string `json:"error,omitempty"`
}
