package models

import (
	"time"
)

// ManagedTaskStatus is the state of an entry in the agent's own todo list.
type ManagedTaskStatus string

const (
	ManagedTaskPending    ManagedTaskStatus = "pending"
	ManagedTaskInProgress ManagedTaskStatus = "in_progress"
	ManagedTaskCompleted  ManagedTaskStatus = "completed"
	ManagedTaskDeleted    ManagedTaskStatus = "deleted"
)

// ValidTransition reports whether a managed task may move from one status
// to another. Allowed: pending→in_progress, in_progress→completed,
// any→deleted. Setting the same status again is a no-op and allowed.
func ValidTransition(from, to ManagedTaskStatus) bool {
	if from == to {
		return true
	}
	if to == ManagedTaskDeleted {
		return true
	}
	switch from {
	case ManagedTaskPending:
		return to == ManagedTaskInProgress
	case ManagedTaskInProgress:
		return to == ManagedTaskCompleted
	default:
		return false
	}
}

// ManagedTask is one entry in the agent's dependency-tracked todo list.
// Not to be confused with sub-agent task runs.
type ManagedTask struct {
	// ID is a numeric string, monotonic per session.
	ID string `json:"id"`

	// Subject is the short imperative description ("Fix the parser").
	Subject string `json:"subject"`

	// Description holds extended detail.
	Description string `json:"description,omitempty"`

	// ActiveForm is the present-continuous label shown while in progress
	// ("Fixing the parser").
	ActiveForm string `json:"active_form,omitempty"`

	Status ManagedTaskStatus `json:"status"`

	// Owner identifies who the task is assigned to.
	Owner string `json:"owner,omitempty"`

	// Metadata holds free-form key/value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Blocks lists task ids this task blocks.
	Blocks []string `json:"blocks,omitempty"`

	// BlockedBy lists task ids this task waits on.
	BlockedBy []string `json:"blocked_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out snapshots safely.
func (t *ManagedTask) Clone() *ManagedTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	c.Blocks = append([]string(nil), t.Blocks...)
	c.BlockedBy = append([]string(nil), t.BlockedBy...)
	return &c
}
