package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quantbed/backtestd/internal/domain"
)

// StrategyRepo serves strategy definitions.
type StrategyRepo struct{ Pool PgxPool }

// NewStrategyRepo constructs a StrategyRepo with the given pool.
func NewStrategyRepo(p PgxPool) *StrategyRepo { return &StrategyRepo{Pool: p} }

// Get loads a strategy by id.
func (r *StrategyRepo) Get(ctx domain.Context, id string) (domain.Strategy, error) {
	tracer := otel.Tracer("repo.strategies")
	ctx, span := tracer.Start(ctx, "strategies.Get")
	defer span.End()
	q := `SELECT id, user_id, name, definition, created_at, updated_at FROM strategies WHERE id=$1`
	var (
		s          domain.Strategy
		definition []byte
	)
	err := r.Pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.UserID, &s.Name, &definition, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Strategy{}, fmt.Errorf("op=strategy.get: %w", domain.ErrNotFound)
		}
		return domain.Strategy{}, fmt.Errorf("op=strategy.get: %w", err)
	}
	s.Definition = definition
	return s, nil
}
