package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"taskhub/domain"
)

const taskColumns = `id, title, status, sort_order, tags, description, expected_date, lifecycle, archived_at, created_by, created_at, updated_at`

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func getTask(ctx context.Context, q sqlx.ExtContext, id int64, suffix string) (domain.Task, error) {
	var task domain.Task
	query := q.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + suffix)
	if err := sqlx.GetContext(ctx, q, &task, query, id); err != nil {
		return domain.Task{}, fmt.Errorf("task %d: %w", id, mapError(err))
	}
	return task, nil
}

// GetTask loads a task regardless of lifecycle.
func (s *Store) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, s.db, id, "")
}

// ListTasks returns the tasks of one lifecycle ordered by lane position.
func (s *Store) ListTasks(ctx context.Context, lc domain.Lifecycle) ([]domain.Task, error) {
	tasks := []domain.Task{}
	query := s.db.Rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE lifecycle = ? ORDER BY sort_order ASC, created_at ASC, id ASC`)
	if err := sqlx.SelectContext(ctx, s.db, &tasks, query, string(lc)); err != nil {
		return nil, fmt.Errorf("list tasks: %w", mapError(err))
	}
	return tasks, nil
}

// IdleTaskIDs lists active tasks in status whose last update happened
// before the cutoff.
func (s *Store) IdleTaskIDs(ctx context.Context, status domain.Status, before time.Time) ([]int64, error) {
	ids := []int64{}
	query := s.db.Rebind(`SELECT id FROM tasks WHERE lifecycle = ? AND status = ? AND updated_at < ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.db, &ids, query, string(domain.LifecycleActive), string(status), before.UTC()); err != nil {
		return nil, fmt.Errorf("idle tasks: %w", mapError(err))
	}
	return ids, nil
}

// ArchivedTaskIDs lists archived tasks archived before the cutoff.
func (s *Store) ArchivedTaskIDs(ctx context.Context, before time.Time) ([]int64, error) {
	ids := []int64{}
	query := s.db.Rebind(`SELECT id FROM tasks WHERE lifecycle = ? AND archived_at IS NOT NULL AND archived_at < ? ORDER BY id`)
	if err := sqlx.SelectContext(ctx, s.db, &ids, query, string(domain.LifecycleArchived), before.UTC()); err != nil {
		return nil, fmt.Errorf("archived tasks: %w", mapError(err))
	}
	return ids, nil
}

// GetTask loads a task and, on PostgreSQL, locks its row for the rest of
// the transaction.
func (t *Tx) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	suffix := ""
	if t.dialect == Postgres {
		suffix = " FOR UPDATE"
	}
	return getTask(ctx, t.tx, id, suffix)
}

// InsertTask stores a new task and fills in its id and timestamps.
func (t *Tx) InsertTask(ctx context.Context, task *domain.Task) error {
	now := t.now()
	task.CreatedAt, task.UpdatedAt = now, now
	if task.Lifecycle == "" {
		task.Lifecycle = domain.LifecycleActive
	}
	if task.Tags == nil {
		task.Tags = domain.Tags{}
	}
	query := t.rebind(`INSERT INTO tasks (title, status, sort_order, tags, description, expected_date, lifecycle, archived_at, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	row := t.tx.QueryRowxContext(ctx, query,
		task.Title, string(task.Status), task.Order, task.Tags, task.Description,
		nullTime(task.ExpectedDate), string(task.Lifecycle), nullTime(task.ArchivedAt),
		task.CreatedBy, now, now)
	if err := row.Scan(&task.ID); err != nil {
		return fmt.Errorf("insert task: %w", mapError(err))
	}
	return nil
}

// UpdateTask writes every mutable column of task and bumps updated_at.
func (t *Tx) UpdateTask(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = t.now()
	query := t.rebind(`UPDATE tasks SET title = ?, status = ?, sort_order = ?, tags = ?, description = ?,
		expected_date = ?, lifecycle = ?, archived_at = ?, updated_at = ? WHERE id = ?`)
	res, err := t.tx.ExecContext(ctx, query,
		task.Title, string(task.Status), task.Order, task.Tags, task.Description,
		nullTime(task.ExpectedDate), string(task.Lifecycle), nullTime(task.ArchivedAt),
		task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("update task %d: %w", task.ID, mapError(err))
	}
	return expectRows(res, fmt.Sprintf("task %d", task.ID))
}

// DeleteTask removes a task for good. Its media go with it and its
// notifications lose the task reference.
func (t *Tx) DeleteTask(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, t.rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", id, mapError(err))
	}
	return expectRows(res, fmt.Sprintf("task %d", id))
}

// LockLane takes a transaction-scoped advisory lock on PostgreSQL. SQLite
// already serializes writers on the database file.
func (t *Tx) LockLane(ctx context.Context, status domain.Status) error {
	if t.dialect != Postgres {
		return nil
	}
	_, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "lane:"+string(status))
	return mapError(err)
}

func (t *Tx) MaxOrder(ctx context.Context, status domain.Status, exclude int64) (int, bool, error) {
	var max sql.NullInt64
	query := t.rebind(`SELECT MAX(sort_order) FROM tasks WHERE lifecycle = ? AND status = ? AND id <> ?`)
	if err := t.tx.QueryRowxContext(ctx, query, string(domain.LifecycleActive), string(status), exclude).Scan(&max); err != nil {
		return 0, false, mapError(err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

func (t *Tx) ShiftLeft(ctx context.Context, status domain.Status, upTo int, exclude int64) (int64, error) {
	query := t.rebind(`UPDATE tasks SET sort_order = sort_order - 1
		WHERE lifecycle = ? AND status = ? AND sort_order <= ? AND id <> ?`)
	res, err := t.tx.ExecContext(ctx, query, string(domain.LifecycleActive), string(status), upTo, exclude)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}

func expectRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
