package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/strand/pkg/models"
)

// SQLite is a Manager backed by a SQLite database. Query keys are stored
// as columns; the full record is stored as a JSON blob so the schema does
// not chase the model structs.
type SQLite struct {
	path string

	mu          sync.RWMutex
	db          *sql.DB
	initialized bool
}

// NewSQLite creates a SQLite manager for the given database path.
// Use ":memory:" for an ephemeral database.
func NewSQLite(path string) *SQLite {
	if path == "" {
		path = ":memory:"
	}
	return &SQLite{path: path}
}

func (s *SQLite) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	// The modernc driver is not safe for concurrent writes on one
	// connection; serialize through a single connection.
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			record TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			excluded INTEGER NOT NULL DEFAULT 0,
			record TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS subtask_runs (
			run_id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent ON subtask_runs(parent_session_id)`,
		`CREATE TABLE IF NOT EXISTS managed_tasks (
			session_id TEXT NOT NULL,
			parent_task_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			record TEXT NOT NULL,
			PRIMARY KEY (session_id, parent_task_id, task_id)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("create schema: %w", err)
		}
	}

	s.db = db
	s.initialized = true
	return nil
}

func (s *SQLite) WaitForInitialization(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.initialized = false
	return err
}

func (s *SQLite) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized || s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

func (s *SQLite) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = db.ExecContext(ctx, `INSERT INTO sessions (id, record) VALUES (?, ?)`, session.ID, string(record))
	return err
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var record string
	err = db.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, sessionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var session models.Session
	if err := json.Unmarshal([]byte(record), &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func (s *SQLite) UpdateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	session.UpdatedAt = time.Now()
	record, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	res, err := db.ExecContext(ctx, `UPDATE sessions SET record = ? WHERE id = ?`, string(record), session.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *SQLite) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	record, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, seq, excluded, record)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?)`,
		msg.ID, sessionID, sessionID, boolInt(msg.ExcludedFromContext), string(record))
	return err
}

func (s *SQLite) MarkMessageExcluded(ctx context.Context, sessionID, messageID, reason string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	var record string
	err = db.QueryRowContext(ctx, `SELECT record FROM messages WHERE id = ? AND session_id = ?`, messageID, sessionID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	var msg models.Message
	if err := json.Unmarshal([]byte(record), &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	msg.ExcludedFromContext = true
	msg.ExcludedReason = reason
	updated, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	_, err = db.ExecContext(ctx, `UPDATE messages SET excluded = 1, record = ? WHERE id = ?`, string(updated), messageID)
	return err
}

func (s *SQLite) GetCurrentContext(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.queryMessages(ctx, sessionID, true)
}

func (s *SQLite) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.queryMessages(ctx, sessionID, false)
}

func (s *SQLite) queryMessages(ctx context.Context, sessionID string, excludeHidden bool) ([]*models.Message, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	query := `SELECT record FROM messages WHERE session_id = ?`
	if excludeHidden {
		query += ` AND excluded = 0`
	}
	query += ` ORDER BY seq`
	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(record), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveSubTaskRun(ctx context.Context, run *models.SubTaskRun) error {
	if run == nil || run.RunID == "" {
		return errors.New("run with id is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	record, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO subtask_runs (run_id, parent_session_id, status, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, record = excluded.record`,
		run.RunID, run.ParentSessionID, string(run.Status), string(record))
	return err
}

func (s *SQLite) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	var record string
	err = db.QueryRowContext(ctx, `SELECT record FROM subtask_runs WHERE run_id = ?`, runID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	var run models.SubTaskRun
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return &run, nil
}

func (s *SQLite) QuerySubTaskRuns(ctx context.Context, q SubTaskQuery) ([]*models.SubTaskRun, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	query := `SELECT record FROM subtask_runs`
	args := []any{}
	if q.ParentSessionID != "" {
		query += ` WHERE parent_session_id = ?`
		args = append(args, q.ParentSessionID)
	}
	query += ` ORDER BY created_at`
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SubTaskRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var run models.SubTaskRun
		if err := json.Unmarshal([]byte(record), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func (s *SQLite) QueryTasks(ctx context.Context, sessionID, parentTaskID string) ([]*models.ManagedTask, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT record FROM managed_tasks
		WHERE session_id = ? AND parent_task_id = ?
		ORDER BY CAST(task_id AS INTEGER)`, sessionID, parentTaskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ManagedTask
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var task models.ManagedTask
		if err := json.Unmarshal([]byte(record), &task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveTask(ctx context.Context, sessionID, parentTaskID string, task *models.ManagedTask) error {
	if task == nil || task.ID == "" {
		return errors.New("task with id is required")
	}
	db, err := s.conn()
	if err != nil {
		return err
	}
	record, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO managed_tasks (session_id, parent_task_id, task_id, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, parent_task_id, task_id) DO UPDATE SET record = excluded.record`,
		sessionID, parentTaskID, task.ID, string(record))
	return err
}

func (s *SQLite) DeleteTask(ctx context.Context, sessionID, parentTaskID, taskID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM managed_tasks WHERE session_id = ? AND parent_task_id = ? AND task_id = ?`,
		sessionID, parentTaskID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
