package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/domain"
)

// DependencyRepository persists task dependency edges.
type DependencyRepository struct {
	db *DB
}

// NewDependencyRepository constructs a DependencyRepository over db.
func NewDependencyRepository(db *DB) *DependencyRepository {
	return &DependencyRepository{db: db}
}

// Add inserts an edge; fails with apperr.InvalidOperation if either
// endpoint does not exist (surfaced as a foreign key violation by SQLite).
func (r *DependencyRepository) Add(ctx context.Context, d domain.TaskDependency) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "dependency.add", start)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies
			(task_id, depends_on_task_id, resolution, created_at, resolved_at)
			VALUES (?,?,?,?,?)`,
			d.TaskID, d.DependsOnTaskID, string(d.Resolution), d.CreatedAt.UTC().Format(time.RFC3339Nano), timePtrToSQL(d.ResolvedAt))
		if err != nil {
			return apperr.Wrap(apperr.InvalidOperation, "insert dependency", err)
		}
		return nil
	})
}

// AddBatch inserts every edge in deps inside a single transaction: either
// all of them land or none do (spec §4.3's "On any failure, no row is
// inserted" and §8's atomic-batch-adds property). Endpoint existence is
// enforced by the foreign-key constraint on task_dependencies, surfaced as
// apperr.InvalidOperation rather than a raw driver error.
func (r *DependencyRepository) AddBatch(ctx context.Context, deps []domain.TaskDependency) error {
	if len(deps) == 0 {
		return nil
	}
	start := time.Now()
	defer r.db.recordWrite(ctx, "dependency.add_batch", start)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		for _, d := range deps {
			_, err := tx.ExecContext(ctx, `INSERT INTO task_dependencies
				(task_id, depends_on_task_id, resolution, created_at, resolved_at)
				VALUES (?,?,?,?,?)`,
				d.TaskID, d.DependsOnTaskID, string(d.Resolution), d.CreatedAt.UTC().Format(time.RFC3339Nano), timePtrToSQL(d.ResolvedAt))
			if err != nil {
				return apperr.Wrapf(apperr.InvalidOperation, err, "insert dependency %s -> %s", d.TaskID, d.DependsOnTaskID)
			}
		}
		return nil
	})
}

func scanDependency(scan func(dest ...any) error) (domain.TaskDependency, error) {
	var d domain.TaskDependency
	var resolution, createdAt string
	var resolvedAt sql.NullString

	if err := scan(&d.ID, &d.TaskID, &d.DependsOnTaskID, &resolution, &createdAt, &resolvedAt); err != nil {
		return domain.TaskDependency{}, err
	}
	d.Resolution = domain.Resolution(resolution)

	ct, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return domain.TaskDependency{}, err
	}
	d.CreatedAt = ct

	if d.ResolvedAt, err = sqlToTimePtr(resolvedAt); err != nil {
		return domain.TaskDependency{}, err
	}
	return d, nil
}

const depColumns = `id, task_id, depends_on_task_id, resolution, created_at, resolved_at`

// ListForTask returns every dependency edge recorded for taskID.
func (r *DependencyRepository) ListForTask(ctx context.Context, taskID string) ([]domain.TaskDependency, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "dependency.list_for_task", start)

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+depColumns+` FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query dependencies", err)
	}
	defer rows.Close()

	var out []domain.TaskDependency
	for rows.Next() {
		d, err := scanDependency(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan dependency row", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListAll returns every dependency edge in the database, used to rebuild
// the in-memory graph mirror at boot.
func (r *DependencyRepository) ListAll(ctx context.Context) ([]domain.TaskDependency, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "dependency.list_all", start)

	rows, err := r.db.conn.QueryContext(ctx, `SELECT `+depColumns+` FROM task_dependencies`)
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "query all dependencies", err)
	}
	defer rows.Close()

	var out []domain.TaskDependency
	for rows.Next() {
		d, err := scanDependency(rows.Scan)
		if err != nil {
			return nil, apperr.Wrap(apperr.SystemError, "scan dependency row", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveForDependent updates every edge pointing at dependsOnTaskID to the
// resolution implied by the dependency's terminal status.
func (r *DependencyRepository) ResolveForDependent(ctx context.Context, dependsOnTaskID string, resolution domain.Resolution, at time.Time) error {
	start := time.Now()
	defer r.db.recordWrite(ctx, "dependency.resolve", start)

	return r.db.runInTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE task_dependencies SET resolution=?, resolved_at=? WHERE depends_on_task_id=?`,
			string(resolution), at.UTC().Format(time.RFC3339Nano), dependsOnTaskID)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "resolve dependency", err)
		}
		return nil
	})
}

// PendingCount returns how many of taskID's dependencies are still pending.
func (r *DependencyRepository) PendingCount(ctx context.Context, taskID string) (int, error) {
	start := time.Now()
	defer r.db.recordRead(ctx, "dependency.pending_count", start)

	var n int
	err := r.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_dependencies WHERE task_id = ? AND resolution = 'pending'`, taskID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.SystemError, "count pending dependencies", err)
	}
	return n, nil
}
