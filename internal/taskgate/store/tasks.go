package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/rcourtman/taskgate/internal/errors"
)

const taskColumns = `id, title, description, status, priority, due_date,
	assignee_id, assignee_name, category, tags, estimated_hours, actual_hours,
	is_critical_path, is_ai_generated, original_prompt, channel_id, message_ts,
	completed_at, created_at, updated_at`

// CreateTask validates d, applies defaults and inserts the task.
func (s *Store) CreateTask(ctx context.Context, d TaskDraft) (*Task, error) {
	title := PlainText(d.Title)
	if title == "" {
		return nil, apperrors.Validation("create_task", "title", "title is required")
	}
	status := d.Status
	if status == "" {
		status = TaskPending
	}
	if !status.Valid() {
		return nil, apperrors.Validation("create_task", "status", fmt.Sprintf("unknown status %q", d.Status))
	}
	priority := d.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return nil, apperrors.Validation("create_task", "priority", fmt.Sprintf("unknown priority %q", d.Priority))
	}

	now := s.nowUTC()
	t := &Task{
		ID:             uuid.NewString(),
		Title:          title,
		Description:    PlainText(d.Description),
		Status:         status,
		Priority:       priority,
		DueDate:        utcPtr(d.DueDate),
		AssigneeID:     strings.TrimSpace(d.AssigneeID),
		AssigneeName:   PlainText(d.AssigneeName),
		Category:       PlainText(d.Category),
		Tags:           d.Tags,
		EstimatedHours: d.EstimatedHours,
		IsCriticalPath: d.IsCriticalPath,
		IsAIGenerated:  d.IsAIGenerated,
		OriginalPrompt: d.OriginalPrompt,
		ChannelID:      d.ChannelID,
		MessageTS:      d.MessageTS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if status == TaskCompleted {
		t.CompletedAt = &now
	}

	tags, err := encodeTags(t.Tags)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority), nullableMs(t.DueDate),
		t.AssigneeID, t.AssigneeName, t.Category, tags, nullableFloat(t.EstimatedHours), nullableFloat(t.ActualHours),
		boolToInt(t.IsCriticalPath), boolToInt(t.IsAIGenerated), t.OriginalPrompt, t.ChannelID, t.MessageTS,
		nullableMs(t.CompletedAt), msOf(t.CreatedAt), msOf(t.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask returns the task with id, or nil when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	return scanTask(row)
}

// UpdateTask applies p to the task with id. CompletedAt is set when the
// status moves into completed and cleared when it moves out.
func (s *Store) UpdateTask(ctx context.Context, id string, p TaskPatch) (*Task, error) {
	var updated *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`+s.forUpdate()), id)
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		if t == nil {
			return apperrors.NotFound("update_task", "task")
		}

		prevStatus := t.Status
		if err := applyTaskPatch(t, p); err != nil {
			return err
		}

		now := s.nowUTC()
		switch {
		case prevStatus != TaskCompleted && t.Status == TaskCompleted:
			t.CompletedAt = &now
		case prevStatus == TaskCompleted && t.Status != TaskCompleted:
			t.CompletedAt = nil
		}
		t.UpdatedAt = now

		tags, err := encodeTags(t.Tags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`
			UPDATE tasks SET
				title = ?, description = ?, status = ?, priority = ?, due_date = ?,
				assignee_name = ?, category = ?, tags = ?, estimated_hours = ?, actual_hours = ?,
				is_critical_path = ?, completed_at = ?, updated_at = ?
			WHERE id = ?`),
			t.Title, t.Description, string(t.Status), string(t.Priority), nullableMs(t.DueDate),
			t.AssigneeName, t.Category, tags, nullableFloat(t.EstimatedHours), nullableFloat(t.ActualHours),
			boolToInt(t.IsCriticalPath), nullableMs(t.CompletedAt), msOf(t.UpdatedAt),
			t.ID,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyTaskPatch(t *Task, p TaskPatch) error {
	if p.Title != nil {
		title := PlainText(*p.Title)
		if title == "" {
			return apperrors.Validation("update_task", "title", "title cannot be empty")
		}
		t.Title = title
	}
	if p.Description != nil {
		t.Description = PlainText(*p.Description)
	}
	if p.Status != nil {
		if !p.Status.Valid() {
			return apperrors.Validation("update_task", "status", fmt.Sprintf("unknown status %q", *p.Status))
		}
		t.Status = *p.Status
	}
	if p.Priority != nil {
		if !p.Priority.Valid() {
			return apperrors.Validation("update_task", "priority", fmt.Sprintf("unknown priority %q", *p.Priority))
		}
		t.Priority = *p.Priority
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		t.DueDate = utcPtr(p.DueDate)
	}
	if p.AssigneeName != nil {
		t.AssigneeName = PlainText(*p.AssigneeName)
	}
	if p.Category != nil {
		t.Category = PlainText(*p.Category)
	}
	if p.Tags != nil {
		t.Tags = *p.Tags
	}
	if p.EstimatedHours != nil {
		t.EstimatedHours = p.EstimatedHours
	}
	if p.ActualHours != nil {
		t.ActualHours = p.ActualHours
	}
	if p.IsCriticalPath != nil {
		t.IsCriticalPath = *p.IsCriticalPath
	}
	return nil
}

// DeleteTask removes the task with id.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperrors.NotFound("delete_task", "task")
	}
	return nil
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*Task, error) {
	return s.queryTasks(ctx, "list tasks",
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC`)
}

// ListTasksByAssignee returns the assignee's tasks, newest first.
func (s *Store) ListTasksByAssignee(ctx context.Context, assigneeID string) ([]*Task, error) {
	return s.queryTasks(ctx, "list tasks by assignee",
		`SELECT `+taskColumns+` FROM tasks WHERE assignee_id = ? ORDER BY created_at DESC, id DESC`,
		assigneeID)
}

// ListTasksByAssigneeStatus returns the assignee's tasks with status, newest first.
func (s *Store) ListTasksByAssigneeStatus(ctx context.Context, assigneeID string, status TaskStatus) ([]*Task, error) {
	return s.queryTasks(ctx, "list tasks by status",
		`SELECT `+taskColumns+` FROM tasks WHERE assignee_id = ? AND status = ? ORDER BY created_at DESC, id DESC`,
		assigneeID, string(status))
}

// ListOverdueByAssignee returns open tasks due before the start of the local
// day containing now, earliest due first.
func (s *Store) ListOverdueByAssignee(ctx context.Context, assigneeID string, now time.Time, loc *time.Location) ([]*Task, error) {
	w := DayWindow(now, loc)
	return s.queryTasks(ctx, "list overdue tasks",
		`SELECT `+taskColumns+` FROM tasks
		WHERE assignee_id = ? AND status <> ? AND due_date IS NOT NULL AND due_date < ?
		ORDER BY due_date ASC, id ASC`,
		assigneeID, string(TaskCompleted), msOf(w.Start))
}

// ListDueToday returns open tasks due in [start of day, start of next day).
// An empty assigneeID lists across all assignees.
func (s *Store) ListDueToday(ctx context.Context, assigneeID string, now time.Time, loc *time.Location) ([]*Task, error) {
	w := DayWindow(now, loc)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status <> ? AND due_date IS NOT NULL AND due_date >= ? AND due_date < ?`
	args := []any{string(TaskCompleted), msOf(w.Start), msOf(w.End)}
	if assigneeID != "" {
		query += ` AND assignee_id = ?`
		args = append(args, assigneeID)
	}
	query += ` ORDER BY due_date ASC, id ASC`
	return s.queryTasks(ctx, "list tasks due today", query, args...)
}

// CountTasksByAssignee counts the assignee's tasks.
func (s *Store) CountTasksByAssignee(ctx context.Context, assigneeID string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM tasks WHERE assignee_id = ?`), assigneeID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// ProjectStats aggregates the assignee's tasks, or all tasks when assigneeID is empty.
func (s *Store) ProjectStats(ctx context.Context, assigneeID string, now time.Time, loc *time.Location) (Stats, error) {
	var (
		tasks []*Task
		err   error
	)
	if assigneeID == "" {
		tasks, err = s.ListTasks(ctx)
	} else {
		tasks, err = s.ListTasksByAssignee(ctx, assigneeID)
	}
	if err != nil {
		return Stats{}, err
	}
	return DayWindow(now, loc).Summarize(tasks), nil
}

func (s *Store) queryTasks(ctx context.Context, op, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, priority, tags string
	var dueDate, completedAt sql.NullInt64
	var estimated, actual sql.NullFloat64
	var critical, aiGenerated int
	var createdAt, updatedAt int64

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority, &dueDate,
		&t.AssigneeID, &t.AssigneeName, &t.Category, &tags, &estimated, &actual,
		&critical, &aiGenerated, &t.OriginalPrompt, &t.ChannelID, &t.MessageTS,
		&completedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = TaskStatus(status)
	t.Priority = Priority(priority)
	t.DueDate = timePtrFromNull(dueDate)
	t.CompletedAt = timePtrFromNull(completedAt)
	t.EstimatedHours = floatPtrFromNull(estimated)
	t.ActualHours = floatPtrFromNull(actual)
	t.IsCriticalPath = critical != 0
	t.IsAIGenerated = aiGenerated != 0
	t.CreatedAt = fromMs(createdAt)
	t.UpdatedAt = fromMs(updatedAt)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("decode task tags: %w", err)
		}
	}
	return &t, nil
}

func encodeTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("encode task tags: %w", err)
	}
	return string(b), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Millisecond)
	return &u
}
