// Package store implements the embedded relational persistence layer
// described in spec §4.3: a single-file SQLite database (modernc.org/sqlite,
// pure Go, no cgo), WAL journal mode, foreign keys enforced, and an ordered
// schema_migrations table driving startup migration.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/delegate-daemon/internal/apperr"
	"github.com/swarmguard/delegate-daemon/internal/resilience"
)

// DB wraps the underlying *sql.DB with the metrics and transaction helper
// every repository shares.
type DB struct {
	conn *sql.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	txRetries    metric.Int64Counter
}

// Open opens (creating if necessary) the SQLite file at path, applies the
// WAL/foreign-key pragmas, and runs any pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, apperr.Wrap(apperr.SystemError, "open sqlite", err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY storms

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		// Some filesystems (overlay, some network mounts) refuse WAL; fall
		// back to the default rollback journal rather than failing startup.
		_, _ = conn.ExecContext(ctx, "PRAGMA journal_mode=DELETE")
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.SystemError, "enable foreign_keys", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, apperr.Wrap(apperr.SystemError, "set busy_timeout", err)
	}

	meter := otel.GetMeterProvider().Meter("delegate-daemon")
	readLatency, _ := meter.Float64Histogram("delegate_daemon_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("delegate_daemon_store_write_ms")
	txRetries, _ := meter.Int64Counter("delegate_daemon_store_tx_retries_total")

	db := &DB{conn: conn, readLatency: readLatency, writeLatency: writeLatency, txRetries: txRetries}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

type migration struct {
	id  int
	sql string
}

var migrations = []migration{
	{1, schemaV1},
}

func (db *DB) migrate(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		id INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return apperr.Wrap(apperr.SystemError, "create schema_migrations", err)
	}

	for _, m := range migrations {
		var count int
		if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE id = ?`, m.id).Scan(&count); err != nil {
			return apperr.Wrap(apperr.SystemError, "check migration state", err)
		}
		if count > 0 {
			continue
		}
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return apperr.Wrap(apperr.SystemError, "begin migration tx", err)
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			tx.Rollback()
			return apperr.Wrapf(apperr.SystemError, err, "apply migration %d", m.id)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`, m.id, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return apperr.Wrapf(apperr.SystemError, err, "record migration %d", m.id)
		}
		if err := tx.Commit(); err != nil {
			return apperr.Wrapf(apperr.SystemError, err, "commit migration %d", m.id)
		}
	}
	return nil
}

// txKey prevents nested transactions: runInTx started from inside another
// runInTx is a programming error, not a supported feature, per the explicit
// decision recorded in SPEC_FULL.md — it returns an error rather than
// silently degrading to a no-op savepoint.
type txKey struct{}

func (db *DB) runInTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if ctx.Value(txKey{}) != nil {
		return apperr.New(apperr.SystemError, "store: nested transaction attempted")
	}

	const maxAttempts = 3
	_, err := resilience.Retry(ctx, maxAttempts, 20*time.Millisecond, func() (struct{}, error) {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, apperr.Wrap(apperr.SystemError, "begin tx", err)
		}
		txCtx := context.WithValue(ctx, txKey{}, tx)
		if err := fn(txCtx, tx); err != nil {
			tx.Rollback()
			return struct{}{}, err
		}
		if err := tx.Commit(); err != nil {
			return struct{}{}, apperr.Wrap(apperr.SystemError, "commit tx", err)
		}
		return struct{}{}, nil
	})
	if err != nil {
		db.txRetries.Add(ctx, 1)
	}
	return err
}

func (db *DB) recordRead(ctx context.Context, op string, start time.Time) {
	db.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (db *DB) recordWrite(ctx context.Context, op string, start time.Time) {
	db.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

