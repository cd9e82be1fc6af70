package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// CheckpointRepository persists terminal-state task checkpoints.
type CheckpointRepository struct {
	db *DB
}

// NewCheckpointRepository constructs a CheckpointRepository over db.
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Create inserts a checkpoint row.
func (r *CheckpointRepository) Create(ctx context.Context, c domain.TaskCheckpoint) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "checkpoint.create", start)

	var branch, sha, dirty sql.NullString
	if c.Git != nil {
		branch = sql.NullString{String: c.Git.Branch, Valid: true}
		sha = sql.NullString{String: c.Git.CommitSHA, Valid: true}
		df, err := json.Marshal(c.Git.DirtyFiles)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "marshal dirty files", err)
		}
		dirty = sql.NullString{String: string(df), Valid: true}
	}

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO task_checkpoints
			(task_id, checkpoint_type, output_summary, error_summary, git_branch, git_commit_sha, git_dirty_files, context_note, created_at)
			VALUES (?,?,?,?,?,?,?,?,?)`,
			c.TaskID, string(c.CheckpointType), c.OutputSummary, c.ErrorSummary, branch, sha, dirty, c.ContextNote, c.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "insert checkpoint", err)
		}
		return nil
	})
}

// LatestForTask returns the most recent checkpoint for taskID, if any.
func (r *CheckpointRepository) LatestForTask(ctx context.Context, taskID string) (domain.TaskCheckpoint, bool, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "checkpoint.latest_for_task", start)

	row := r.db.conn.QueryRowContext(ctx, `SELECT id, task_id, checkpoint_type, output_summary, error_summary, git_branch, git_commit_sha, git_dirty_files, context_note, created_at
		FROM task_checkpoints WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, taskID)

	var c domain.TaskCheckpoint
	var checkpointType, createdAt string
	var branch, sha, dirty sql.NullString

	err := row.Scan(&c.ID, &c.TaskID, &checkpointType, &c.OutputSummary, &c.ErrorSummary, &branch, &sha, &dirty, &c.ContextNote, &createdAt)
	if err == sql.ErrNoRows {
		return domain.TaskCheckpoint{}, false, nil
	}
	if err != nil {
		return domain.TaskCheckpoint{}, false, apperr.Wrap(apperr.SystemError, "scan checkpoint", err)
	}
	c.CheckpointType = domain.CheckpointType(checkpointType)

	ct, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.TaskCheckpoint{}, false, apperr.Wrap(apperr.SystemError, "parse checkpoint time", err)
	}
	c.CreatedAt = ct

	if branch.Valid {
		gs := &domain.GitState{Branch: branch.String, CommitSHA: sha.String}
		if dirty.Valid {
			if err := json.Unmarshal([]byte(dirty.String), &gs.DirtyFiles); err != nil {
				return domain.TaskCheckpoint{}, false, apperr.Wrap(apperr.SystemError, "unmarshal dirty files", err)
			}
		}
		c.Git = gs
	}

	return c, true, nil
}
