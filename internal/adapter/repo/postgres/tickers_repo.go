package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantbed/backtestd/internal/domain"
)

// TickerRepo serves instrument metadata.
type TickerRepo struct{ Pool PgxPool }

// NewTickerRepo constructs a TickerRepo with the given pool.
func NewTickerRepo(p PgxPool) *TickerRepo { return &TickerRepo{Pool: p} }

// Get loads one ticker by symbol.
func (r *TickerRepo) Get(ctx domain.Context, symbol string) (domain.Ticker, error) {
	tracer := otel.Tracer("repo.tickers")
	ctx, span := tracer.Start(ctx, "tickers.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "tickers"),
	)
	q := `SELECT symbol, name, lot_size, is_active FROM tickers WHERE symbol=$1`
	var t domain.Ticker
	if err := r.Pool.QueryRow(ctx, q, symbol).Scan(&t.Symbol, &t.Name, &t.LotSize, &t.IsActive); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Ticker{}, fmt.Errorf("op=ticker.get: %s: %w", symbol, domain.ErrNotFound)
		}
		return domain.Ticker{}, fmt.Errorf("op=ticker.get: %w", err)
	}
	return t, nil
}

// ListActive returns all active tickers ordered by symbol.
func (r *TickerRepo) ListActive(ctx domain.Context) ([]domain.Ticker, error) {
	tracer := otel.Tracer("repo.tickers")
	ctx, span := tracer.Start(ctx, "tickers.ListActive")
	defer span.End()
	q := `SELECT symbol, name, lot_size, is_active FROM tickers WHERE is_active ORDER BY symbol`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=ticker.list_active: %w", err)
	}
	defer rows.Close()

	var out []domain.Ticker
	for rows.Next() {
		var t domain.Ticker
		if err := rows.Scan(&t.Symbol, &t.Name, &t.LotSize, &t.IsActive); err != nil {
			return nil, fmt.Errorf("op=ticker.list_active: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ticker.list_active: %w", err)
	}
	return out, nil
}

// Upsert writes the given tickers in one transaction, updating metadata and
// activity for symbols that already exist.
func (r *TickerRepo) Upsert(ctx domain.Context, tickers []domain.Ticker) error {
	tracer := otel.Tracer("repo.tickers")
	ctx, span := tracer.Start(ctx, "tickers.Upsert")
	defer span.End()
	if len(tickers) == 0 {
		return nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=ticker.upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO tickers (symbol, name, lot_size, is_active, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (symbol)
DO UPDATE SET name=EXCLUDED.name, lot_size=EXCLUDED.lot_size, is_active=EXCLUDED.is_active, updated_at=EXCLUDED.updated_at`
	now := time.Now().UTC()
	for _, t := range tickers {
		if _, err := tx.Exec(ctx, q, t.Symbol, t.Name, t.LotSize, t.IsActive, now); err != nil {
			return fmt.Errorf("op=ticker.upsert: %s: %w", t.Symbol, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ticker.upsert: commit: %w", err)
	}
	return nil
}
