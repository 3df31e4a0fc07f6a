package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned when no task has the requested ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStatusConflict is returned when a transition finds the task in an
	// unexpected status.
	ErrStatusConflict = errors.New("task status changed concurrently")
)

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	Statuses      []Status  `json:"statuses,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	UpdatedBefore time.Time `json:"updated_before,omitzero"`
	Limit         int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for tasks.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns matching tasks, oldest first.
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	// UpdateStatus moves a task to status to. When from is non-empty the
	// task's current status must be one of them, or ErrStatusConflict is
	// returned. detail is stored as the summary for completed tasks and as
	// the error otherwise.
	UpdateStatus(ctx context.Context, id string, to Status, detail string, from ...Status) (*Task, error)
	AddUsage(ctx context.Context, id string, input, output int) error
	Delete(ctx context.Context, id string) error
}

// SQLStore implements Store on the shared SQLite database.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLStore creates a store on an already migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const taskColumns = `id, description, status, priority, created_by, type, scheduled_for, parent_id,
	model, summary, error, tokens_input, tokens_output, created_at, updated_at, started_at, completed_at`

// Create persists a new task, filling in the ID, defaults and timestamps.
func (s *SQLStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = GenerateTaskID()
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.CreatedBy == "" {
		t.CreatedBy = CreatedByUser
	}
	if t.Type == "" {
		t.Type = TypeImmediate
		if t.ScheduledFor != nil {
			t.Type = TypeScheduled
		}
	}
	now := s.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Description, string(t.Status), string(t.Priority), string(t.CreatedBy), string(t.Type),
		toMillis(t.ScheduledFor), t.ParentID, t.Model, t.Summary, t.Error,
		t.TokenUsage.Input, t.TokenUsage.Output,
		now.UnixMilli(), now.UnixMilli(), toMillis(t.StartedAt), toMillis(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get reads a task by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// List returns tasks matching the filter, oldest first.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*Task, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN (?"+strings.Repeat(", ?", len(filter.Statuses)-1)+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ParentID != "" {
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus performs a compare-and-set status transition.
func (s *SQLStore) UpdateStatus(ctx context.Context, id string, to Status, detail string, from ...Status) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(from) > 0 && !slices.Contains(from, t.Status) {
		return t, fmt.Errorf("%w: %s is %s, expected %v", ErrStatusConflict, id, t.Status, from)
	}

	now := s.now().UTC()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusRunning:
		t.Error = ""
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusPending:
		t.StartedAt = nil
	case StatusCompleted:
		t.Summary = detail
		t.Error = ""
	default:
		t.Error = detail
	}
	if to.Terminal() {
		t.CompletedAt = &now
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, summary = ?, error = ?, updated_at = ?,
		started_at = ?, completed_at = ? WHERE id = ?`,
		string(t.Status), t.Summary, t.Error, now.UnixMilli(), toMillis(t.StartedAt), toMillis(t.CompletedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

// AddUsage atomically increments the token counters of a task.
func (s *SQLStore) AddUsage(ctx context.Context, id string, input, output int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET tokens_input = tokens_input + ?,
		tokens_output = tokens_output + ? WHERE id = ?`, input, output, id)
	if err != nil {
		return fmt.Errorf("add usage %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

// Delete removes a task row. Messages are removed by the conversation store.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                                    Task
		status, priority, createdBy, typ     string
		scheduledFor, startedAt, completedAt sql.NullInt64
		createdAt, updatedAt                 int64
	)
	err := row.Scan(&t.ID, &t.Description, &status, &priority, &createdBy, &typ, &scheduledFor, &t.ParentID,
		&t.Model, &t.Summary, &t.Error, &t.TokenUsage.Input, &t.TokenUsage.Output,
		&createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.CreatedBy = CreatedBy(createdBy)
	t.Type = Type(typ)
	t.ScheduledFor = fromMillis(scheduledFor)
	t.StartedAt = fromMillis(startedAt)
	t.CompletedAt = fromMillis(completedAt)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func toMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

var _ Store = (*SQLStore)(nil)
