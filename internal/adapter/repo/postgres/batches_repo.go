package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quantbed/backtestd/internal/domain"
)

// BatchRepo persists batches together with their child jobs.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// Create inserts the batch row and every child job in one transaction, so a
// rejected child never leaves a partial batch behind.
func (r *BatchRepo) Create(ctx domain.Context, b domain.BacktestBatch, jobs []domain.BacktestJob) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Create")
	defer span.End()

	id := b.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := b.Status
	if status == "" {
		status = domain.BatchPending
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batch.create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `INSERT INTO backtest_batches (id, user_id, total_count, completed_count, failed_count, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := tx.Exec(ctx, q, id, b.UserID, b.TotalCount, b.CompletedCount, b.FailedCount, status, now, now); err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}

	for _, j := range jobs {
		if j.BatchID == nil {
			j.BatchID = &id
		}
		if _, err := insertJob(ctx, tx, j); err != nil {
			return fmt.Errorf("op=batch.create: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.create: commit: %w", err)
	}
	return nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.BacktestBatch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	q := `SELECT id, user_id, total_count, completed_count, failed_count, status, created_at, updated_at
FROM backtest_batches WHERE id=$1`
	var b domain.BacktestBatch
	err := r.Pool.QueryRow(ctx, q, id).Scan(&b.ID, &b.UserID, &b.TotalCount,
		&b.CompletedCount, &b.FailedCount, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BacktestBatch{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.BacktestBatch{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return b, nil
}
