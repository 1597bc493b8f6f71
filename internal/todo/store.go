// Package todo implements the per-session managed task list with
// dependency tracking and validated status transitions.
package todo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/strand/internal/memory"
	"github.com/haasonsaas/strand/pkg/models"
)

// parentNamespace is the reserved parent-task key managed tasks live
// under, keeping them separable from sub-task runs in the backend.
const parentNamespace = "managed"

// Store errors.
var (
	ErrTaskNotFound      = memory.ErrTaskNotFound
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDependencyCycle   = errors.New("dependency would create a cycle")
	ErrSelfDependency    = errors.New("task cannot depend on itself")
	ErrUnknownDependency = errors.New("dependency id does not exist")
)

// CreateParams describe a new managed task.
type CreateParams struct {
	Subject     string
	Description string
	ActiveForm  string
	Metadata    map[string]string
}

// UpdateParams describe a partial update. Nil pointer fields are left
// untouched. Metadata entries with empty values delete the key.
type UpdateParams struct {
	Status       *models.ManagedTaskStatus
	Subject      *string
	Description  *string
	ActiveForm   *string
	Owner        *string
	Metadata     map[string]*string
	AddBlocks    []string
	AddBlockedBy []string
}

// Store is the per-session managed task list. Ids are numeric strings
// minted from a per-session counter; concurrent creates always produce
// distinct sorted ids.
type Store struct {
	backend memory.Manager

	mu       sync.Mutex
	counters map[string]int64
}

// NewStore creates a store over the given backend.
func NewStore(backend memory.Manager) *Store {
	return &Store{
		backend:  backend,
		counters: make(map[string]int64),
	}
}

// nextID mints the next numeric id for a session, seeding the counter
// from the backend on first use.
func (s *Store) nextID(ctx context.Context, sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counters[sessionID]; !ok {
		tasks, err := s.backend.QueryTasks(ctx, sessionID, parentNamespace)
		if err != nil {
			return "", err
		}
		var max int64
		for _, t := range tasks {
			if n, err := strconv.ParseInt(t.ID, 10, 64); err == nil && n > max {
				max = n
			}
		}
		s.counters[sessionID] = max
	}
	s.counters[sessionID]++
	return strconv.FormatInt(s.counters[sessionID], 10), nil
}

// Create adds a pending task with no dependencies.
func (s *Store) Create(ctx context.Context, sessionID string, p CreateParams) (*models.ManagedTask, error) {
	if p.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	id, err := s.nextID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	task := &models.ManagedTask{
		ID:          id,
		Subject:     p.Subject,
		Description: p.Description,
		ActiveForm:  p.ActiveForm,
		Status:      models.ManagedTaskPending,
		Metadata:    p.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.backend.SaveTask(ctx, sessionID, parentNamespace, task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, sessionID, id string) (*models.ManagedTask, error) {
	tasks, err := s.backend.QueryTasks(ctx, sessionID, parentNamespace)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == id {
			return t.Clone(), nil
		}
	}
	return nil, ErrTaskNotFound
}

// List returns all non-deleted tasks sorted by numeric id.
func (s *Store) List(ctx context.Context, sessionID string) ([]*models.ManagedTask, error) {
	tasks, err := s.backend.QueryTasks(ctx, sessionID, parentNamespace)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ManagedTask, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == models.ManagedTaskDeleted {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return numericLess(out[i].ID, out[j].ID) })
	return out, nil
}

// Update applies a partial update to one task, validating status
// transitions and dependency edges.
func (s *Store) Update(ctx context.Context, sessionID, id string, p UpdateParams) (*models.ManagedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.backend.QueryTasks(ctx, sessionID, parentNamespace)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.ManagedTask, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	task, ok := byID[id]
	if !ok || task.Status == models.ManagedTaskDeleted {
		return nil, ErrTaskNotFound
	}

	if p.Status != nil {
		if !models.ValidTransition(task.Status, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status, *p.Status)
		}
		if *p.Status == models.ManagedTaskDeleted {
			return s.deleteLocked(ctx, sessionID, task, byID)
		}
		task.Status = *p.Status
	}
	if p.Subject != nil {
		task.Subject = *p.Subject
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.ActiveForm != nil {
		task.ActiveForm = *p.ActiveForm
	}
	if p.Owner != nil {
		task.Owner = *p.Owner
	}
	for k, v := range p.Metadata {
		if v == nil {
			delete(task.Metadata, k)
			continue
		}
		if task.Metadata == nil {
			task.Metadata = make(map[string]string)
		}
		task.Metadata[k] = *v
	}

	changed, err := s.addEdges(task, byID, p.AddBlocks, p.AddBlockedBy)
	if err != nil {
		return nil, err
	}

	task.UpdatedAt = time.Now()
	if err := s.backend.SaveTask(ctx, sessionID, parentNamespace, task); err != nil {
		return nil, err
	}
	for _, other := range changed {
		other.UpdatedAt = time.Now()
		if err := s.backend.SaveTask(ctx, sessionID, parentNamespace, other); err != nil {
			return nil, err
		}
	}
	return task.Clone(), nil
}

// Delete marks a task deleted and removes its id from every other
// task's dependency sets.
func (s *Store) Delete(ctx context.Context, sessionID, id string) error {
	status := models.ManagedTaskDeleted
	_, err := s.Update(ctx, sessionID, id, UpdateParams{Status: &status})
	return err
}

func (s *Store) deleteLocked(ctx context.Context, sessionID string, task *models.ManagedTask, byID map[string]*models.ManagedTask) (*models.ManagedTask, error) {
	task.Status = models.ManagedTaskDeleted
	task.Blocks = nil
	task.BlockedBy = nil
	task.UpdatedAt = time.Now()
	if err := s.backend.SaveTask(ctx, sessionID, parentNamespace, task); err != nil {
		return nil, err
	}

	for _, other := range byID {
		if other.ID == task.ID || other.Status == models.ManagedTaskDeleted {
			continue
		}
		before := len(other.Blocks) + len(other.BlockedBy)
		other.Blocks = removeID(other.Blocks, task.ID)
		other.BlockedBy = removeID(other.BlockedBy, task.ID)
		if len(other.Blocks)+len(other.BlockedBy) != before {
			other.UpdatedAt = time.Now()
			if err := s.backend.SaveTask(ctx, sessionID, parentNamespace, other); err != nil {
				return nil, err
			}
		}
	}
	return task.Clone(), nil
}

// addEdges validates and applies new dependency edges, mirroring each
// edge on the other task. Self and circular dependencies are rejected,
// as are unknown ids. Returns the other tasks that changed.
func (s *Store) addEdges(task *models.ManagedTask, byID map[string]*models.ManagedTask, addBlocks, addBlockedBy []string) ([]*models.ManagedTask, error) {
	resolve := func(depID string) (*models.ManagedTask, error) {
		if depID == task.ID {
			return nil, ErrSelfDependency
		}
		dep, ok := byID[depID]
		if !ok || dep.Status == models.ManagedTaskDeleted {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
		}
		return dep, nil
	}

	changed := make(map[string]*models.ManagedTask)

	for _, depID := range addBlocks {
		dep, err := resolve(depID)
		if err != nil {
			return nil, err
		}
		if !contains(task.Blocks, depID) {
			task.Blocks = append(task.Blocks, depID)
		}
		if !contains(dep.BlockedBy, task.ID) {
			dep.BlockedBy = append(dep.BlockedBy, task.ID)
			changed[dep.ID] = dep
		}
	}
	for _, depID := range addBlockedBy {
		dep, err := resolve(depID)
		if err != nil {
			return nil, err
		}
		if !contains(task.BlockedBy, depID) {
			task.BlockedBy = append(task.BlockedBy, depID)
		}
		if !contains(dep.Blocks, task.ID) {
			dep.Blocks = append(dep.Blocks, task.ID)
			changed[dep.ID] = dep
		}
	}

	if hasCycle(task.ID, byID) {
		return nil, ErrDependencyCycle
	}

	out := make([]*models.ManagedTask, 0, len(changed))
	for _, t := range changed {
		out = append(out, t)
	}
	return out, nil
}

// hasCycle walks blockedBy edges from start looking for a path back to
// itself.
func hasCycle(start string, byID map[string]*models.ManagedTask) bool {
	visited := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		t, ok := byID[id]
		if !ok {
			return false
		}
		for _, dep := range t.BlockedBy {
			if dep == start {
				return true
			}
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(start)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// numericLess orders numeric-string ids; non-numeric ids sort last
// lexicographically.
func numericLess(a, b string) bool {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
