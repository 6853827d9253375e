// Package sqlite implements RunStore on an embedded SQLite database. It
// suits single-host deployments and local development; lease expiry is
// evaluated against the process clock since SQLite has no server time.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a SQLite-backed RunStore.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// NewStore opens (or creates) the database at path and applies migrations.
func NewStore(ctx context.Context, path string) (*Store, error) {
	return NewStoreWithClock(ctx, path, clock.System())
}

// NewStoreWithClock is NewStore with an injectable clock, for tests.
func NewStoreWithClock(ctx context.Context, path string, c clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// The modernc driver serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db, clock: c}, nil
}

func runMigrations(db *sql.DB) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedMigrations)
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// === Leases ===

func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID, replicaID string) (bool, error) {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_leases (lease_key, holder_replica, run_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE SET
			holder_replica = excluded.holder_replica,
			run_id         = excluded.run_id,
			acquired_at    = excluded.acquired_at,
			expires_at     = excluded.expires_at
		WHERE job_leases.expires_at <= ?`,
		key, replicaID, runID, now.UnixNano(), now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) RenewLease(ctx context.Context, key, runID string, ttl time.Duration) error {
	now := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_leases SET expires_at = ?
		WHERE lease_key = ? AND run_id = ? AND expires_at > ?`,
		now.Add(ttl).UnixNano(), key, runID, now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_leases WHERE lease_key = ? AND run_id = ?`, key, runID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// === Run records ===

const runColumns = `run_id, job_name, attempt, scheduled_for, enqueued_at,
	leased_at, started_at, finished_at, replica_id, status, input_snapshot,
	error_kind, error_message, error_stack, metrics, parent_run_id,
	trigger_depth, trigger_cause`

func (s *Store) CreateRun(ctx context.Context, rec *domain.RunRecord) error {
	inputs, err := marshalJSON(rec.InputSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode input snapshot: %w", err)
	}
	metrics, err := marshalJSON(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.JobName, rec.Attempt,
		timeToUnix(rec.ScheduledFor), timeToUnix(rec.EnqueuedAt),
		timeToUnix(rec.LeasedAt), timeToUnix(rec.StartedAt), timeToUnix(rec.FinishedAt),
		rec.ReplicaID, string(rec.Status), inputs,
		string(rec.ErrorKind), rec.ErrorMessage, rec.ErrorStack, metrics,
		rec.ParentRunID, rec.TriggerDepth, rec.TriggerCause)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID string, patch runtime.RunPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrRunNotFound
		}
		return fmt.Errorf("failed to load run for update: %w", err)
	}

	if patch.Status != nil && *patch.Status != rec.Status {
		if !rec.Status.CanTransitionTo(*patch.Status) {
			return fmt.Errorf("run %s: %s -> %s: %w", runID, rec.Status, *patch.Status, domain.ErrInvalidTransition)
		}
		rec.Status = *patch.Status
	}
	if patch.LeasedAt != nil {
		rec.LeasedAt = *patch.LeasedAt
	}
	if patch.StartedAt != nil {
		rec.StartedAt = *patch.StartedAt
	}
	if patch.FinishedAt != nil {
		rec.FinishedAt = *patch.FinishedAt
	}
	if patch.ErrorKind != nil {
		rec.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		rec.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorStack != nil {
		rec.ErrorStack = *patch.ErrorStack
	}
	if len(patch.Metrics) > 0 {
		if rec.Metrics == nil {
			rec.Metrics = make(map[string]float64, len(patch.Metrics))
		}
		for k, v := range patch.Metrics {
			rec.Metrics[k] += v
		}
	}

	metrics, err := marshalJSON(rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_runs SET
			status = ?, leased_at = ?, started_at = ?, finished_at = ?,
			error_kind = ?, error_message = ?, error_stack = ?, metrics = ?
		WHERE run_id = ?`,
		string(rec.Status),
		timeToUnix(rec.LeasedAt), timeToUnix(rec.StartedAt), timeToUnix(rec.FinishedAt),
		string(rec.ErrorKind), rec.ErrorMessage, rec.ErrorStack, metrics, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return tx.Commit()
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

func (s *Store) FindRuns(ctx context.Context, filter runtime.RunFilter, limit int) ([]*domain.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE 1=1`
	var args []any
	if filter.JobName != "" {
		query += " AND job_name = ?"
		args = append(args, filter.JobName)
	}
	if filter.ParentRunID != "" {
		query += " AND parent_run_id = ?"
		args = append(args, filter.ParentRunID)
	}
	if !filter.Since.IsZero() {
		query += " AND enqueued_at >= ?"
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if len(filter.Statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(filter.Statuses)-1) + ")"
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += " ORDER BY enqueued_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []*domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) LastScheduledFor(ctx context.Context, jobName string) (time.Time, error) {
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT max(scheduled_for) FROM job_runs WHERE job_name = ? AND status <> 'cancelled'`,
		jobName).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last fire: %w", err)
	}
	return unixToTime(last), nil
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, okBefore, failedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_runs
		WHERE finished_at IS NOT NULL
		  AND status IN ('succeeded', 'failed', 'timed-out', 'cancelled', 'dead')
		  AND ((status = 'succeeded' AND finished_at < ?)
		    OR (status <> 'succeeded' AND finished_at < ?))`,
		okBefore.UTC().UnixNano(), failedBefore.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished runs: %w", err)
	}
	return res.RowsAffected()
}

// === Helpers ===

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunRecord, error) {
	var (
		rec          domain.RunRecord
		scheduledFor sql.NullInt64
		enqueuedAt   sql.NullInt64
		leasedAt     sql.NullInt64
		startedAt    sql.NullInt64
		finishedAt   sql.NullInt64
		status       string
		errorKind    string
		inputs       sql.NullString
		metrics      sql.NullString
	)
	err := row.Scan(&rec.RunID, &rec.JobName, &rec.Attempt,
		&scheduledFor, &enqueuedAt, &leasedAt, &startedAt, &finishedAt,
		&rec.ReplicaID, &status, &inputs,
		&errorKind, &rec.ErrorMessage, &rec.ErrorStack, &metrics,
		&rec.ParentRunID, &rec.TriggerDepth, &rec.TriggerCause)
	if err != nil {
		return nil, err
	}
	rec.ScheduledFor = unixToTime(scheduledFor)
	rec.EnqueuedAt = unixToTime(enqueuedAt)
	rec.LeasedAt = unixToTime(leasedAt)
	rec.StartedAt = unixToTime(startedAt)
	rec.FinishedAt = unixToTime(finishedAt)
	rec.Status = domain.Status(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &rec.InputSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode input snapshot: %w", err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &rec.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	return &rec, nil
}

func marshalJSON(v any) (sql.NullString, error) {
	switch m := v.(type) {
	case domain.InputValues:
		if m == nil {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if m == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func timeToUnix(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func unixToTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}
