// Package memory defines the persistence interface for sessions, sub-task
// run snapshots, and managed tasks, with in-memory and SQLite backends.
package memory

import (
	"context"
	"errors"

	"github.com/haasonsaas/strand/pkg/models"
)

// Sentinel errors shared by all backends.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrRunNotFound     = errors.New("sub-task run not found")
	ErrTaskNotFound    = errors.New("managed task not found")
	ErrNotInitialized  = errors.New("memory manager not initialized")
)

// SubTaskQuery filters sub-task run queries.
type SubTaskQuery struct {
	// ParentSessionID restricts results to runs spawned by one session.
	// Empty matches all.
	ParentSessionID string
}

// Manager is the storage interface the runtime depends on. Implementations
// must be safe for concurrent use.
type Manager interface {
	// Initialize prepares the backend (creates schema, opens files).
	Initialize(ctx context.Context) error

	// WaitForInitialization blocks until Initialize has completed.
	WaitForInitialization(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// CreateSession persists a new session. Generates an id when empty.
	CreateSession(ctx context.Context, session *models.Session) error

	// GetSession returns session metadata.
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	// UpdateSession persists session metadata changes (usage, prompt).
	UpdateSession(ctx context.Context, session *models.Session) error

	// GetCurrentContext returns the messages visible to the provider:
	// full history minus messages flagged excluded-from-context.
	GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error)

	// AddMessageToContext appends a message to the session history.
	AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error

	// MarkMessageExcluded flags a message as hidden from future context.
	// The only permitted mutation of an appended message.
	MarkMessageExcluded(ctx context.Context, sessionID, messageID, reason string) error

	// GetFullHistory returns every message including excluded ones.
	GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error)

	// SaveSubTaskRun upserts a sub-task run snapshot.
	SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error

	// GetSubTaskRun returns one run snapshot.
	GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error)

	// QuerySubTaskRuns lists run snapshots matching the query.
	QuerySubTaskRuns(ctx context.Context, q SubTaskQuery) ([]*models.SubTaskRun, error)

	// QueryTasks lists managed tasks under a session + parent namespace.
	QueryTasks(ctx context.Context, sessionID, parentTaskID string) ([]*models.ManagedTask, error)

	// SaveTask upserts a managed task.
	SaveTask(ctx context.Context, sessionID, parentTaskID string, task *models.ManagedTask) error

	// DeleteTask removes a managed task record.
	DeleteTask(ctx context.Context, sessionID, parentTaskID, taskID string) error
}
