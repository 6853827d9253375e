// Package postgres implements RunStore on PostgreSQL. Leases use an
// upsert-if-expired row per key so acquisition is a single atomic statement;
// run updates take a row lock to enforce the status transition order.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

// Store is a PostgreSQL-backed RunStore.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// === Leases ===

func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID, replicaID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO job_leases (lease_key, holder_replica, run_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, now(), now() + make_interval(secs => $4))
		ON CONFLICT (lease_key) DO UPDATE SET
			holder_replica = EXCLUDED.holder_replica,
			run_id         = EXCLUDED.run_id,
			acquired_at    = EXCLUDED.acquired_at,
			expires_at     = EXCLUDED.expires_at
		WHERE job_leases.expires_at <= now()`,
		key, replicaID, runID, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RenewLease(ctx context.Context, key, runID string, ttl time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_leases
		SET expires_at = now() + make_interval(secs => $3)
		WHERE lease_key = $1 AND run_id = $2 AND expires_at > now()`,
		key, runID, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, runID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM job_leases WHERE lease_key = $1 AND run_id = $2`,
		key, runID)
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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.RunID, rec.JobName, rec.Attempt,
		timeToTimestamptz(rec.ScheduledFor), timeToTimestamptz(rec.EnqueuedAt),
		timeToTimestamptz(rec.LeasedAt), timeToTimestamptz(rec.StartedAt),
		timeToTimestamptz(rec.FinishedAt),
		rec.ReplicaID, string(rec.Status), rec.InputSnapshot,
		string(rec.ErrorKind), rec.ErrorMessage, rec.ErrorStack, rec.Metrics,
		rec.ParentRunID, rec.TriggerDepth, rec.TriggerCause)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("run %s already exists: %w", rec.RunID, err)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, runID string, patch runtime.RunPatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRun(tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = $1 FOR UPDATE`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	_, err = tx.Exec(ctx, `
		UPDATE job_runs SET
			status = $2, leased_at = $3, started_at = $4, finished_at = $5,
			error_kind = $6, error_message = $7, error_stack = $8, metrics = $9
		WHERE run_id = $1`,
		runID, string(rec.Status),
		timeToTimestamptz(rec.LeasedAt), timeToTimestamptz(rec.StartedAt),
		timeToTimestamptz(rec.FinishedAt),
		string(rec.ErrorKind), rec.ErrorMessage, rec.ErrorStack, rec.Metrics)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	rec, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return rec, nil
}

func (s *Store) FindRuns(ctx context.Context, filter runtime.RunFilter, limit int) ([]*domain.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM job_runs WHERE true`
	var args []any
	if filter.JobName != "" {
		args = append(args, filter.JobName)
		query += fmt.Sprintf(" AND job_name = $%d", len(args))
	}
	if filter.ParentRunID != "" {
		args = append(args, filter.ParentRunID)
		query += fmt.Sprintf(" AND parent_run_id = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND enqueued_at >= $%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	query += " ORDER BY enqueued_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
	var ts pgtype.Timestamptz
	err := s.pool.QueryRow(ctx,
		`SELECT max(scheduled_for) FROM job_runs WHERE job_name = $1 AND status <> 'cancelled'`,
		jobName).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last fire: %w", err)
	}
	return timestamptzToTime(ts), nil
}

func (s *Store) DeleteFinishedBefore(ctx context.Context, okBefore, failedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM job_runs
		WHERE finished_at IS NOT NULL
		  AND status IN ('succeeded', 'failed', 'timed-out', 'cancelled', 'dead')
		  AND ((status = 'succeeded' AND finished_at < $1)
		    OR (status <> 'succeeded' AND finished_at < $2))`,
		okBefore, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// === Helpers ===

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.RunRecord, error) {
	var (
		rec          domain.RunRecord
		scheduledFor pgtype.Timestamptz
		enqueuedAt   pgtype.Timestamptz
		leasedAt     pgtype.Timestamptz
		startedAt    pgtype.Timestamptz
		finishedAt   pgtype.Timestamptz
		status       string
		errorKind    string
	)
	err := row.Scan(&rec.RunID, &rec.JobName, &rec.Attempt,
		&scheduledFor, &enqueuedAt, &leasedAt, &startedAt, &finishedAt,
		&rec.ReplicaID, &status, &rec.InputSnapshot,
		&errorKind, &rec.ErrorMessage, &rec.ErrorStack, &rec.Metrics,
		&rec.ParentRunID, &rec.TriggerDepth, &rec.TriggerCause)
	if err != nil {
		return nil, err
	}
	rec.ScheduledFor = timestamptzToTime(scheduledFor)
	rec.EnqueuedAt = timestamptzToTime(enqueuedAt)
	rec.LeasedAt = timestamptzToTime(leasedAt)
	rec.StartedAt = timestamptzToTime(startedAt)
	rec.FinishedAt = timestamptzToTime(finishedAt)
	rec.Status = domain.Status(status)
	rec.ErrorKind = domain.ErrorKind(errorKind)
	return &rec, nil
}

func timeToTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

func timestamptzToTime(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time.UTC()
}
