package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/strand/pkg/models"
)

// InMemory is a mutex-guarded Manager for tests and local runs. All reads
// return clones so callers can never mutate stored state.
type InMemory struct {
	mu          sync.RWMutex
	initialized bool
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message
	runs        map[string]*models.SubTaskRun
	tasks       map[string]map[string]*models.ManagedTask // sessionID/parentTaskID -> taskID -> task
}

// NewInMemory creates an empty in-memory manager.
func NewInMemory() *InMemory {
	return &InMemory{
		sessions: map[string]*models.Session{},
		messages: map[string][]*models.Message{},
		runs:     map[string]*models.SubTaskRun{},
		tasks:    map[string]map[string]*models.ManagedTask{},
	}
}

func (m *InMemory) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = true
	return nil
}

func (m *InMemory) WaitForInitialization(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (m *InMemory) Close() error { return nil }

func (m *InMemory) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	clone := *session
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *InMemory) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *InMemory) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	clone := *session
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *InMemory) GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := m.messages[sessionID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ExcludedFromContext {
			continue
		}
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}

func (m *InMemory) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	clone := *msg
	m.messages[sessionID] = append(m.messages[sessionID], &clone)
	return nil
}

func (m *InMemory) MarkMessageExcluded(ctx context.Context, sessionID, messageID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[sessionID] {
		if msg.ID == messageID {
			msg.ExcludedFromContext = true
			msg.ExcludedReason = reason
			return nil
		}
	}
	return ErrMessageNotFound
}

func (m *InMemory) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := m.messages[sessionID]
	out := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (m *InMemory) SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error {
	if run == nil || run.RunID == "" {
		return errors.New("run with id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *run
	m.runs[clone.RunID] = &clone
	return nil
}

func (m *InMemory) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	clone := *run
	return &clone, nil
}

func (m *InMemory) QuerySubTaskRuns(ctx context.Context, q SubTaskQuery) ([]*models.SubTaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SubTaskRun, 0, len(m.runs))
	for _, run := range m.runs {
		if q.ParentSessionID != "" && run.ParentSessionID != q.ParentSessionID {
			continue
		}
		clone := *run
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func taskScope(sessionID, parentTaskID string) string {
	return sessionID + "/" + parentTaskID
}

func (m *InMemory) QueryTasks(ctx context.Context, sessionID, parentTaskID string) ([]*models.ManagedTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scope := m.tasks[taskScope(sessionID, parentTaskID)]
	out := make([]*models.ManagedTask, 0, len(scope))
	for _, t := range scope {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return numericLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *InMemory) SaveTask(ctx context.Context, sessionID, parentTaskID string, task *models.ManagedTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task with id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := taskScope(sessionID, parentTaskID)
	if m.tasks[scope] == nil {
		m.tasks[scope] = map[string]*models.ManagedTask{}
	}
	m.tasks[scope][task.ID] = task.Clone()
	return nil
}

func (m *InMemory) DeleteTask(ctx context.Context, sessionID, parentTaskID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := m.tasks[taskScope(sessionID, parentTaskID)]
	if _, ok := scope[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(scope, taskID)
	return nil
}

// numericLess orders numeric-string ids ("2" < "10"). Falls back to
// lexicographic order for non-numeric ids.
func numericLess(a, b string) bool {
	if len(a) != len(b) {
		allDigits := func(s string) bool {
			for _, r := range s {
				if r < '0' || r > '9' {
					return false
				}
			}
			return len(s) > 0
		}
		if allDigits(a) && allDigits(b) {
			return len(a) < len(b)
		}
	}
	return a < b
}
