package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// ScheduleRepository persists cron and one-shot task schedules.
type ScheduleRepository struct {
	db *DB
}

// NewScheduleRepository constructs a ScheduleRepository over db.
func NewScheduleRepository(db *DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, template_prompt, template_priority, template_cwd, template_timeout_ms, template_max_output,
	template_worktree, template_tags, template_metadata,
	schedule_type, cron_expression, scheduled_at, timezone, missed_run_policy, status,
	max_runs, run_count, next_run_at, last_run_at, expires_at, metadata, created_at, updated_at`

// Create inserts a schedule row.
func (r *ScheduleRepository) Create(ctx context.Context, s domain.Schedule) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "schedule.create", start)

	tags, err := json.Marshal(s.Template.Tags)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal template tags", err)
	}
	tmplMeta, err := json.Marshal(s.Template.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal template metadata", err)
	}
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal schedule metadata", err)
	}

	wt := worktreeOrZero(s.Template.Worktree)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO schedules (`+scheduleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.ID, s.Template.Prompt, string(s.Template.Priority), s.Template.Cwd, s.Template.TimeoutMs, s.Template.MaxOutputBuffer,
			boolToInt(wt.Enabled), string(tags), string(tmplMeta),
			string(s.Type), s.CronExpression, timePtrToSQL(s.ScheduledAt), s.Timezone, string(s.MissedRunPolicy), string(s.Status),
			intPtrToSQL(s.MaxRuns), s.RunCount, timePtrToSQL(s.NextRunAt), timePtrToSQL(s.LastRunAt), timePtrToSQL(s.ExpiresAt),
			string(meta), s.CreatedAt.UTC().Format(time.RFC3339Nano), s.UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "insert schedule", err)
		}
		return nil
	})
}

func scanSchedule(scan func(dest ...any) error) (domain.Schedule, error) {
	var s domain.Schedule
	var priority, scheduleType, missedPolicy, status, createdAt, updatedAt string
	var worktree int
	var tagsJSON, tmplMetaJSON, metaJSON string
	var scheduledAt, nextRunAt, lastRunAt, expiresAt sql.NullString
	var maxRuns sql.NullInt64

	err := scan(
		&s.ID, &s.Template.Prompt, &priority, &s.Template.Cwd, &s.Template.TimeoutMs, &s.Template.MaxOutputBuffer,
		&worktree, &tagsJSON, &tmplMetaJSON,
		&scheduleType, &s.CronExpression, &scheduledAt, &s.Timezone, &missedPolicy, &status,
		&maxRuns, &s.RunCount, &nextRunAt, &lastRunAt, &expiresAt,
		&metaJSON, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Schedule{}, err
	}

	s.Template.Priority = domain.Priority(priority)
	if worktree != 0 {
		s.Template.Worktree = &domain.WorktreeConfig{Enabled: true}
	}
	s.Type = domain.ScheduleType(scheduleType)
	s.MissedRunPolicy = domain.MissedRunPolicy(missedPolicy)
	s.Status = domain.ScheduleStatus(status)

	if err := json.Unmarshal([]byte(tagsJSON), &s.Template.Tags); err != nil {
		return domain.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(tmplMetaJSON), &s.Template.Metadata); err != nil {
		return domain.Schedule{}, err
	}
	if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
		return domain.Schedule{}, err
	}

	if maxRuns.Valid {
		v := int(maxRuns.Int64)
		s.MaxRuns = &v
	}

	ct, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.CreatedAt = ct
	ut, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.UpdatedAt = ut

	if s.ScheduledAt, err = sqlToTimePtr(scheduledAt); err != nil {
		return domain.Schedule{}, err
	}
	if s.NextRunAt, err = sqlToTimePtr(nextRunAt); err != nil {
		return domain.Schedule{}, err
	}
	if s.LastRunAt, err = sqlToTimePtr(lastRunAt); err != nil {
		return domain.Schedule{}, err
	}
	if s.ExpiresAt, err = sqlToTimePtr(expiresAt); err != nil {
		return domain.Schedule{}, err
	}

	return s, nil
}

// Get fetches a schedule by id.
func (r *ScheduleRepository) Get(ctx context.Context, id string) (domain.Schedule, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "schedule.get", start)

	row := r.db.conn.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	s, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, apperr.Newf(apperr.InvalidOperation, "schedule %s not found", id)
	}
	if err != nil {
		return domain.Schedule{}, apperr.Wrap(apperr.SystemError, "scan schedule", err)
	}
	return s, nil
}

// ListDue returns active schedules whose next_run_at is at or before asOf.
func (r *ScheduleRepository) ListDue(ctx context.Context, asOf time.Time) ([]domain.Schedule, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "schedule.list_due", start)

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		asOf.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query due schedules", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan schedule row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListAll returns every schedule, active or not.
func (r *ScheduleRepository) ListAll(ctx context.Context) ([]domain.Schedule, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "schedule.list_all", start)

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC`)
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query schedules", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan schedule row", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update persists the full row for an existing schedule.
func (r *ScheduleRepository) Update(ctx context.Context, s domain.Schedule) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "schedule.update", start)

	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.SystemError, "marshal schedule metadata", err)
	}

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schedules SET
			status=?, max_runs=?, run_count=?, next_run_at=?, last_run_at=?, expires_at=?, metadata=?, updated_at=?
			WHERE id=?`,
			string(s.Status), intPtrToSQL(s.MaxRuns), s.RunCount, timePtrToSQL(s.NextRunAt), timePtrToSQL(s.LastRunAt), timePtrToSQL(s.ExpiresAt),
			string(meta), s.UpdatedAt.UTC().Format(time.RFC3339Nano), s.ID)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "update schedule", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "rows affected", err)
		}
		if n == 0 {
			return apperr.Newf(apperr.InvalidOperation, "schedule %s not found", s.ID)
		}
		return nil
	})
}

// RecordExecution inserts a schedule_executions row linking a schedule run
// to the task it produced.
func (r *ScheduleRepository) RecordExecution(ctx context.Context, e domain.ScheduleExecution) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "schedule.record_execution", start)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO schedule_executions (schedule_id, task_id, ran_at, error) VALUES (?,?,?,?)`,
			e.ScheduleID, e.TaskID, e.RanAt.UTC().Format(time.RFC3339Nano), e.Error)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "insert schedule execution", err)
		}
		return nil
	})
}
