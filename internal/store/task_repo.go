package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// TaskRepository persists domain.Task rows.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository constructs a TaskRepository over db.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func timePtrToSQL(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func sqlToTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func intPtrToSQL(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

func int64PtrToSQL(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

// Create inserts a new task row within a transaction.
func (r *TaskRepository) Create(ctx context.Context, t domain.Task) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "task.create", start)

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal tags", err)
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal metadata", err)
	}

	wt := worktreeOrZero(t.Worktree)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks (
			id, prompt, priority, status, cwd, timeout_ms, max_output_buffer,
			worktree_enabled, worktree_base, worktree_branch,
			parent_task_id, retry_of, retry_count, continue_from,
			tags, metadata, worker_id, exit_code, duration_ms,
			created_at, started_at, completed_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Prompt, string(t.Priority), string(t.Status), t.Cwd, t.TimeoutMs, t.MaxOutputBuffer,
			boolToInt(wt.Enabled), wt.BaseBranch, wt.BranchName,
			nullableString(t.ParentTaskID), nullableString(t.RetryOf), t.RetryCount, nullableString(t.ContinueFrom),
			string(tags), string(meta), t.WorkerID, intPtrToSQL(t.ExitCode), int64PtrToSQL(t.DurationMs),
			t.CreatedAt.UTC().Format(time.RFC3339Nano), timePtrToSQL(t.StartedAt), timePtrToSQL(t.CompletedAt), t.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "insert task", err)
		}
		return nil
	})
}

func worktreeOrZero(w *domain.WorktreeConfig) domain.WorktreeConfig {
	if w == nil {
		return domain.WorktreeConfig{}
	}
	return *w
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const taskColumns = `id, prompt, priority, status, cwd, timeout_ms, max_output_buffer,
	worktree_enabled, worktree_base, worktree_branch,
	parent_task_id, retry_of, retry_count, continue_from,
	tags, metadata, worker_id, exit_code, duration_ms,
	created_at, started_at, completed_at, updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var priority, status string
	var worktreeEnabled int
	var parentTaskID, retryOf, continueFrom sql.NullString
	var tagsJSON, metaJSON string
	var exitCode sql.NullInt64
	var durationMs sql.NullInt64
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	var worktreeBase, worktreeBranch string
	err := scan(
		&t.ID, &t.Prompt, &priority, &status, &t.Cwd, &t.TimeoutMs, &t.MaxOutputBuffer,
		&worktreeEnabled, &worktreeBase, &worktreeBranch,
		&parentTaskID, &retryOf, &t.RetryCount, &continueFrom,
		&tagsJSON, &metaJSON, &t.WorkerID, &exitCode, &durationMs,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	if worktreeEnabled != 0 || worktreeBase != "" || worktreeBranch != "" {
		t.Worktree = &domain.WorktreeConfig{Enabled: worktreeEnabled != 0, BaseBranch: worktreeBase, BranchName: worktreeBranch}
	}
	t.ParentTaskID = parentTaskID.String
	t.RetryOf = retryOf.String
	t.ContinueFrom = continueFrom.String

	if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
		return domain.Task{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return domain.Task{}, err
	}

	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if durationMs.Valid {
		v := durationMs.Int64
		t.DurationMs = &v
	}

	ct, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.CreatedAt = ct
	ut, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.UpdatedAt = ut

	if t.StartedAt, err = sqlToTimePtr(startedAt); err != nil {
		return domain.Task{}, err
	}
	if t.CompletedAt, err = sqlToTimePtr(completedAt); err != nil {
		return domain.Task{}, err
	}

	return t, nil
}

// Get fetches a task by id.
func (r *TaskRepository) Get(ctx context.Context, id string) (domain.Task, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "task.get", start)

	row := r.db.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Task{}, apperr.Newf(apperr.TaskNotFound, "task %s not found", id)
	}
	if err != nil {
		return domain.Task{}, apperr.Wrap(apperr.SystemError, "scan task", err)
	}
	return t, nil
}

// List returns all tasks, optionally filtered by status.
func (r *TaskRepository) List(ctx context.Context, status *domain.Status) ([]domain.Task, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "task.list", start)

	query := `SELECT ` + taskColumns + ` FROM tasks`
	args := []any{}
	if status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query tasks", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan task row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update persists the full row for an already-existing task (the handler
// layer uses domain.Task.Apply to compute the new value, then calls this).
func (r *TaskRepository) Update(ctx context.Context, t domain.Task) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "task.update", start)

	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal tags", err)
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal metadata", err)
	}

	wt := worktreeOrZero(t.Worktree)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET
			prompt=?, priority=?, status=?, cwd=?, timeout_ms=?, max_output_buffer=?,
			worktree_enabled=?, worktree_base=?, worktree_branch=?,
			parent_task_id=?, retry_of=?, retry_count=?, continue_from=?,
			tags=?, metadata=?, worker_id=?, exit_code=?, duration_ms=?,
			started_at=?, completed_at=?, updated_at=?
			WHERE id=?`,
			t.Prompt, string(t.Priority), string(t.Status), t.Cwd, t.TimeoutMs, t.MaxOutputBuffer,
			boolToInt(wt.Enabled), wt.BaseBranch, wt.BranchName,
			nullableString(t.ParentTaskID), nullableString(t.RetryOf), t.RetryCount, nullableString(t.ContinueFrom),
			string(tags), string(meta), t.WorkerID, intPtrToSQL(t.ExitCode), int64PtrToSQL(t.DurationMs),
			timePtrToSQL(t.StartedAt), timePtrToSQL(t.CompletedAt), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
			t.ID)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "update task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "rows affected", err)
		}
		if n == 0 {
			return apperr.Newf(apperr.TaskNotFound, "task %s not found", t.ID)
		}
		return nil
	})
}

// Delete removes a task row (cascades to dependencies/checkpoints via FK).
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "task.delete", start)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "delete task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "rows affected", err)
		}
		if n == 0 {
			return apperr.Newf(apperr.TaskNotFound, "task %s not found", id)
		}
		return nil
	})
}

// DeleteOlderThan removes terminal tasks whose completed_at is before
// cutoff, returning the number of rows removed (Recovery Manager cleanup).
func (r *TaskRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	defer r.db.recordWrite(ctx, "task.delete_older_than", start)

	var affected int64
	err := r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE status IN ('completed','failed','cancelled') AND completed_at IS NOT NULL AND completed_at < ?`,
			cutoff.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "delete old tasks", err)
		}
		affected, err = res.RowsAffected()
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "rows affected", err)
		}
		return nil
	})
	return affected, err
}

// ListStaleRunning returns tasks stuck in status=running with started_at
// older than cutoff (Recovery Manager reconciliation).
func (r *TaskRepository) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]domain.Task, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "task.list_stale_running", start)

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query stale running", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan task row", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
