// Package store persists projects, tasks and run comments in sqlite. The
// orchestrator treats it as the system of record for task state; run logs on
// disk remain the ground truth when a write here fails.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Task status values. A failed run rolls back to pending rather than a
// dedicated failed state: runs are retryable.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var (
	ErrTaskNotFound    = errors.New("store: task not found")
	ErrProjectNotFound = errors.New("store: project not found")
)

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	LandmarkID  string    `json:"landmarkId,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	SessionID   string    `json:"sessionId,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Comment struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Author    string          `json:"author"`
	Summary   string          `json:"summary"`
	Content   json.RawMessage `json:"content,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id),
	landmark_id TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT 'pending',
	session_id  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS comments (
	id         TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(id),
	author     TEXT NOT NULL,
	summary    TEXT NOT NULL,
	content    TEXT,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) CreateProject(name string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Project{ID: uuid.NewString(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.Exec(
		"INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)",
		p.ID, p.Name, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		"SELECT id, name, created_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProjects() ([]Project, error) {
	rows, err := s.db.Query("SELECT id, name, created_at FROM projects ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(projectID, landmarkID, title, description string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		LandmarkID:  landmarkID,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, landmark_id, title, description, status, session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)`,
		t.ID, t.ProjectID, t.LandmarkID, t.Title, t.Description, t.Status, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	err := s.db.QueryRow(
		`SELECT id, project_id, landmark_id, title, description, status, session_id, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.ProjectID, &t.LandmarkID, &t.Title, &t.Description, &t.Status, &t.SessionID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasks(projectID string) ([]Task, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, landmark_id, title, description, status, session_id, created_at, updated_at
		 FROM tasks WHERE project_id = ? ORDER BY created_at`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.LandmarkID, &t.Title, &t.Description, &t.Status, &t.SessionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTaskStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTaskSession stores the latest resumable session token for the task.
func (s *Store) UpdateTaskSession(id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE tasks SET session_id = ?, updated_at = ? WHERE id = ?",
		sessionID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) InsertComment(taskID, author, summary string, content any) (*Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw json.RawMessage
	if content != nil {
		data, err := json.Marshal(content)
		if err != nil {
			return nil, fmt.Errorf("marshal comment content: %w", err)
		}
		raw = data
	}

	c := &Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Author:    author,
		Summary:   summary,
		Content:   raw,
		CreatedAt: time.Now().UTC(),
	}
	var contentArg any
	if raw != nil {
		contentArg = string(raw)
	}
	_, err := s.db.Exec(
		"INSERT INTO comments (id, task_id, author, summary, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		c.ID, c.TaskID, c.Author, c.Summary, contentArg, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

func (s *Store) ListComments(taskID string) ([]Comment, error) {
	rows, err := s.db.Query(
		"SELECT id, task_id, author, summary, content, created_at FROM comments WHERE task_id = ? ORDER BY created_at", taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var content sql.NullString
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Summary, &content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		if content.Valid {
			c.Content = json.RawMessage(content.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
