package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/strand/pkg/models"
)

// Both backends must satisfy the same contract; the suite runs against
// each.
func TestInMemoryManager(t *testing.T) {
	runManagerSuite(t, func(t *testing.T) Manager { return NewInMemory() })
}

func TestSQLiteManager(t *testing.T) {
	runManagerSuite(t, func(t *testing.T) Manager {
		return NewSQLite(filepath.Join(t.TempDir(), "strand.db"))
	})
}

func runManagerSuite(t *testing.T, build func(t *testing.T) Manager) {
	newManager := func(t *testing.T) Manager {
		t.Helper()
		m := build(t)
		if err := m.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		t.Cleanup(func() { m.Close() })
		return m
	}

	t.Run("initialization gate", func(t *testing.T) {
		m := build(t)
		if err := m.WaitForInitialization(context.Background()); !errors.Is(err, ErrNotInitialized) {
			t.Errorf("WaitForInitialization before init = %v, want ErrNotInitialized", err)
		}
		if err := m.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize: %v", err)
		}
		defer m.Close()
		if err := m.WaitForInitialization(context.Background()); err != nil {
			t.Errorf("WaitForInitialization after init = %v", err)
		}
	})

	t.Run("session round trip", func(t *testing.T) {
		m := newManager(t)
		ctx := context.Background()

		session := &models.Session{ID: "s1", SystemPrompt: "be helpful"}
		if err := m.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		got, err := m.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.SystemPrompt != "be helpful" {
			t.Errorf("SystemPrompt = %q", got.SystemPrompt)
		}

		got.Usage = models.Usage{Prompt: 10, Completion: 5, Total: 15}
		if err := m.UpdateSession(ctx, got); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		updated, err := m.GetSession(ctx, "s1")
		if err != nil {
			t.Fatalf("GetSession after update: %v", err)
		}
		if updated.Usage.Total != 15 {
			t.Errorf("Usage.Total = %d, want 15", updated.Usage.Total)
		}

		if _, err := m.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("GetSession(missing) = %v, want ErrSessionNotFound", err)
		}
		if err := m.UpdateSession(ctx, &models.Session{ID: "missing"}); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("UpdateSession(missing) = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("messages preserve order and exclusion", func(t *testing.T) {
		m := newManager(t)
		ctx := context.Background()
		if err := m.CreateSession(ctx, &models.Session{ID: "s1"}); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}

		msgs := []*models.Message{
			{ID: "m1", Role: models.RoleUser, Content: "question"},
			{ID: "m2", Role: models.RoleAssistant, Content: "bad answer"},
			{ID: "m3", Role: models.RoleAssistant, Content: "good answer"},
		}
		for _, msg := range msgs {
			if err := m.AddMessageToContext(ctx, "s1", msg); err != nil {
				t.Fatalf("AddMessageToContext(%s): %v", msg.ID, err)
			}
		}

		if err := m.MarkMessageExcluded(ctx, "s1", "m2", models.ExcludedInvalidResponse); err != nil {
			t.Fatalf("MarkMessageExcluded: %v", err)
		}
		if err := m.MarkMessageExcluded(ctx, "s1", "missing", "x"); !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("MarkMessageExcluded(missing) = %v, want ErrMessageNotFound", err)
		}

		current, err := m.GetCurrentContext(ctx, "s1")
		if err != nil {
			t.Fatalf("GetCurrentContext: %v", err)
		}
		if len(current) != 2 || current[0].ID != "m1" || current[1].ID != "m3" {
			t.Errorf("current context = %v, want [m1 m3] in order", messageIDs(current))
		}

		full, err := m.GetFullHistory(ctx, "s1")
		if err != nil {
			t.Fatalf("GetFullHistory: %v", err)
		}
		if len(full) != 3 {
			t.Fatalf("full history = %d messages, want 3", len(full))
		}
		if !full[1].ExcludedFromContext || full[1].ExcludedReason != models.ExcludedInvalidResponse {
			t.Errorf("m2 = %+v, want excluded with reason", full[1])
		}

		if err := m.AddMessageToContext(ctx, "missing", &models.Message{ID: "x"}); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("AddMessageToContext(missing session) = %v, want ErrSessionNotFound", err)
		}
	})

	t.Run("subtask runs upsert and query", func(t *testing.T) {
		m := newManager(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Minute)
		runs := []*models.SubTaskRun{
			{RunID: "r1", ParentSessionID: "p1", Status: models.SubTaskRunning, CreatedAt: base},
			{RunID: "r2", ParentSessionID: "p1", Status: models.SubTaskCompleted, CreatedAt: base.Add(time.Second)},
			{RunID: "r3", ParentSessionID: "p2", Status: models.SubTaskQueued, CreatedAt: base.Add(2 * time.Second)},
		}
		for _, run := range runs {
			if err := m.SaveSubTaskRun(ctx, run); err != nil {
				t.Fatalf("SaveSubTaskRun(%s): %v", run.RunID, err)
			}
		}

		// Save again with a new status: upsert, not duplicate.
		runs[0].Status = models.SubTaskFailed
		if err := m.SaveSubTaskRun(ctx, runs[0]); err != nil {
			t.Fatalf("SaveSubTaskRun upsert: %v", err)
		}
		got, err := m.GetSubTaskRun(ctx, "r1")
		if err != nil {
			t.Fatalf("GetSubTaskRun: %v", err)
		}
		if got.Status != models.SubTaskFailed {
			t.Errorf("r1 status = %s, want failed after upsert", got.Status)
		}

		scoped, err := m.QuerySubTaskRuns(ctx, SubTaskQuery{ParentSessionID: "p1"})
		if err != nil {
			t.Fatalf("QuerySubTaskRuns: %v", err)
		}
		if len(scoped) != 2 {
			t.Errorf("p1 runs = %d, want 2", len(scoped))
		}
		all, err := m.QuerySubTaskRuns(ctx, SubTaskQuery{})
		if err != nil {
			t.Fatalf("QuerySubTaskRuns(all): %v", err)
		}
		if len(all) != 3 {
			t.Errorf("all runs = %d, want 3", len(all))
		}

		if _, err := m.GetSubTaskRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("GetSubTaskRun(missing) = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("managed tasks scoped by session and parent", func(t *testing.T) {
		m := newManager(t)
		ctx := context.Background()

		for _, id := range []string{"1", "2"} {
			task := &models.ManagedTask{ID: id, Subject: "task " + id, Status: models.ManagedTaskPending}
			if err := m.SaveTask(ctx, "s1", "managed", task); err != nil {
				t.Fatalf("SaveTask(%s): %v", id, err)
			}
		}
		if err := m.SaveTask(ctx, "s2", "managed", &models.ManagedTask{ID: "1", Subject: "other"}); err != nil {
			t.Fatalf("SaveTask s2: %v", err)
		}

		tasks, err := m.QueryTasks(ctx, "s1", "managed")
		if err != nil {
			t.Fatalf("QueryTasks: %v", err)
		}
		if len(tasks) != 2 {
			t.Errorf("s1 tasks = %d, want 2", len(tasks))
		}

		if err := m.DeleteTask(ctx, "s1", "managed", "1"); err != nil {
			t.Fatalf("DeleteTask: %v", err)
		}
		if err := m.DeleteTask(ctx, "s1", "managed", "1"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("second DeleteTask = %v, want ErrTaskNotFound", err)
		}
		tasks, err = m.QueryTasks(ctx, "s1", "managed")
		if err != nil {
			t.Fatalf("QueryTasks after delete: %v", err)
		}
		if len(tasks) != 1 || tasks[0].ID != "2" {
			t.Errorf("remaining tasks = %v", tasks)
		}
	})
}

// Mutating values handed back by the in-memory backend must not leak into
// stored state.
func TestInMemoryReadsAreIsolated(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := m.CreateSession(ctx, &models.Session{ID: "s1", SystemPrompt: "original"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := m.AddMessageToContext(ctx, "s1", &models.Message{ID: "m1", Role: models.RoleUser, Content: "hi"}); err != nil {
		t.Fatalf("AddMessageToContext: %v", err)
	}

	got, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	got.SystemPrompt = "mutated"
	again, err := m.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if again.SystemPrompt != "original" {
		t.Errorf("SystemPrompt = %q, caller mutation leaked into the store", again.SystemPrompt)
	}

	msgs, err := m.GetCurrentContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	msgs[0].Content = "mutated"
	msgs, err = m.GetCurrentContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCurrentContext: %v", err)
	}
	if msgs[0].Content != "hi" {
		t.Errorf("Content = %q, caller mutation leaked into the store", msgs[0].Content)
	}
}

func messageIDs(msgs []*models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
