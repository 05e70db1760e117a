// Package postgres provides the relational adapters for jobs, batches,
// tickers, strategies and results.
//
// Repositories take a minimal pgx pool interface so they can be tested
// against hand-rolled fakes. Job and batch mutations that must be atomic
// run inside a single transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/quantbed/backtestd/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// execer covers both the pool and an open transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// JobRepo persists and loads backtest jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, user_id, batch_id, ticker, timeframe, start_date, end_date, status, strategy_id, strategy_snapshot, simulation_params, counts_towards_limit, COALESCE(error_message,''), created_at, updated_at`

const insertJobSQL = `INSERT INTO backtest_jobs (id, user_id, batch_id, ticker, timeframe, start_date, end_date, status, strategy_id, strategy_snapshot, simulation_params, counts_towards_limit, error_message, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`

// insertJob writes one job row through the pool or an open transaction.
func insertJob(ctx domain.Context, db execer, j domain.BacktestJob) (string, error) {
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := j.Status
	if status == "" {
		status = domain.JobPending
	}
	params, err := json.Marshal(j.SimulationParams)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	// jsonb columns want text parameters, NULL when the snapshot is absent.
	var snapshot any
	if len(j.StrategySnapshot) > 0 {
		snapshot = string(j.StrategySnapshot)
	}
	now := time.Now().UTC()
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err = db.Exec(ctx, insertJobSQL,
		id, j.UserID, j.BatchID, j.Ticker, j.Timeframe, j.StartDate, j.EndDate,
		status, j.StrategyID, snapshot, string(params), j.CountsTowardsLimit,
		j.ErrorMessage, createdAt, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// scanJob reads one row in jobColumns order. pgx.Rows satisfies pgx.Row so
// the helper serves both single-row and list queries.
func scanJob(row pgx.Row) (domain.BacktestJob, error) {
	var (
		j        domain.BacktestJob
		snapshot []byte
		params   []byte
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.BatchID, &j.Ticker, &j.Timeframe,
		&j.StartDate, &j.EndDate, &j.Status, &j.StrategyID, &snapshot, &params,
		&j.CountsTowardsLimit, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.BacktestJob{}, err
	}
	j.StrategySnapshot = snapshot
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.SimulationParams); err != nil {
			return domain.BacktestJob{}, fmt.Errorf("decode simulation params: %w", err)
		}
	}
	return j, nil
}

// Create inserts a new job and returns its id (generates one if empty).
func (r *JobRepo) Create(ctx domain.Context, j domain.BacktestJob) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	return insertJob(ctx, r.Pool, j)
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.BacktestJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM backtest_jobs WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BacktestJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.BacktestJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// UpdateStatus records a non-terminal transition (CALCULATING, RUNNING).
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	q := `UPDATE backtest_jobs SET status=$2, error_message=$3, updated_at=$4 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, status, errVal, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	return nil
}

// Finish records a terminal transition and advances the parent batch
// counters in the same transaction. A job that is already terminal is left
// untouched so redelivered completion messages cannot double-count.
func (r *JobRepo) Finish(ctx domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Finish")
	defer span.End()
	if !status.Terminal() {
		return fmt.Errorf("op=job.finish: status %s is not terminal: %w", status, domain.ErrInvalidArgument)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=job.finish: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	errVal := ""
	if errMsg != nil {
		errVal = *errMsg
	}
	var batchID *string
	q := `UPDATE backtest_jobs SET status=$2, error_message=$3, updated_at=$4
WHERE id=$1 AND status NOT IN ('COMPLETED','FAILED')
RETURNING batch_id`
	if err := tx.QueryRow(ctx, q, id, status, errVal, time.Now().UTC()).Scan(&batchID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.DebugContext(ctx, "job already terminal, finish skipped", slog.String("job_id", id))
			return nil
		}
		return fmt.Errorf("op=job.finish: %w", err)
	}

	if batchID != nil {
		if err := advanceBatchCounters(ctx, tx, *batchID, status); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.finish: commit: %w", err)
	}
	return nil
}

// advanceBatchCounters bumps the batch counters and re-derives its status in
// one statement. The CASE arms read the pre-update column values, so every
// expression adds the increments explicitly.
func advanceBatchCounters(ctx domain.Context, tx pgx.Tx, batchID string, status domain.JobStatus) error {
	dc, df := 0, 0
	if status == domain.JobCompleted {
		dc = 1
	} else {
		df = 1
	}
	q := `UPDATE backtest_batches SET
completed_count = completed_count + $2,
failed_count = failed_count + $3,
status = CASE
	WHEN completed_count + failed_count + $2 + $3 >= total_count THEN
		CASE WHEN failed_count + $3 = 0 THEN 'COMPLETED'
		     WHEN completed_count + $2 = 0 THEN 'FAILED'
		     ELSE 'PARTIALLY_FAILED' END
	WHEN status = 'PENDING' THEN 'RUNNING'
	ELSE status
END,
updated_at = $4
WHERE id = $1`
	if _, err := tx.Exec(ctx, q, batchID, dc, df, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=batch.advance_counters: %w", err)
	}
	return nil
}

// ListStale returns jobs sitting in any of the given states since before the
// cutoff, ordered by updated_at and paged by offset/limit.
func (r *JobRepo) ListStale(ctx domain.Context, statuses []domain.JobStatus, before time.Time, offset, limit int) ([]domain.BacktestJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStale")
	defer span.End()
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	q := `SELECT ` + jobColumns + ` FROM backtest_jobs
WHERE status = ANY($1) AND updated_at < $2
ORDER BY updated_at
OFFSET $3 LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, names, before, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.BacktestJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list_stale: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stale: %w", err)
	}
	return out, nil
}

// DeleteTerminalBefore removes terminal jobs and their results older than
// the cutoff, returning the number of jobs deleted.
func (r *JobRepo) DeleteTerminalBefore(ctx domain.Context, before time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.DeleteTerminalBefore")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `DELETE FROM backtest_results WHERE job_id IN (
SELECT id FROM backtest_jobs WHERE status IN ('COMPLETED','FAILED') AND updated_at < $1)`, before)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: results: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM backtest_jobs WHERE status IN ('COMPLETED','FAILED') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: jobs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=job.delete_terminal: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}
