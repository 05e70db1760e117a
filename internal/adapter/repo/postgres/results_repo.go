package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quantbed/backtestd/internal/domain"
)

// ResultRepo persists and loads backtest results from PostgreSQL.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Upsert inserts or updates the result row for a job. Metric pointers map to
// NULL columns, keeping "undefined" distinct from zero.
func (r *ResultRepo) Upsert(ctx domain.Context, res domain.BacktestResult) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Upsert")
	defer span.End()

	trades, err := json.Marshal(res.Trades)
	if err != nil {
		return fmt.Errorf("op=result.upsert: encode trades: %w", err)
	}
	m := res.Metrics
	q := `INSERT INTO backtest_results (job_id, total_trades, winning_trades, losing_trades, win_rate, profit_factor, total_pnl, total_pnl_pct, max_drawdown_pct, avg_trade_pnl, best_trade_pnl, worst_trade_pnl, trades, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (job_id)
DO UPDATE SET total_trades=EXCLUDED.total_trades, winning_trades=EXCLUDED.winning_trades, losing_trades=EXCLUDED.losing_trades, win_rate=EXCLUDED.win_rate, profit_factor=EXCLUDED.profit_factor, total_pnl=EXCLUDED.total_pnl, total_pnl_pct=EXCLUDED.total_pnl_pct, max_drawdown_pct=EXCLUDED.max_drawdown_pct, avg_trade_pnl=EXCLUDED.avg_trade_pnl, best_trade_pnl=EXCLUDED.best_trade_pnl, worst_trade_pnl=EXCLUDED.worst_trade_pnl, trades=EXCLUDED.trades`
	_, err = r.Pool.Exec(ctx, q, res.JobID, m.TotalTrades, m.WinningTrades, m.LosingTrades,
		m.WinRate, m.ProfitFactor, m.TotalPnL, m.TotalPnLPct, m.MaxDrawdownPct,
		m.AvgTradePnL, m.BestTradePnL, m.WorstTradePnL, string(trades), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=result.upsert: %w", err)
	}
	return nil
}

// GetByJobID loads the result for one job.
func (r *ResultRepo) GetByJobID(ctx domain.Context, jobID string) (domain.BacktestResult, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.GetByJobID")
	defer span.End()
	q := `SELECT job_id, total_trades, winning_trades, losing_trades, win_rate, profit_factor, total_pnl, total_pnl_pct, max_drawdown_pct, avg_trade_pnl, best_trade_pnl, worst_trade_pnl, trades, created_at
FROM backtest_results WHERE job_id=$1`
	var (
		res    domain.BacktestResult
		trades []byte
	)
	m := &res.Metrics
	err := r.Pool.QueryRow(ctx, q, jobID).Scan(&res.JobID, &m.TotalTrades, &m.WinningTrades,
		&m.LosingTrades, &m.WinRate, &m.ProfitFactor, &m.TotalPnL, &m.TotalPnLPct,
		&m.MaxDrawdownPct, &m.AvgTradePnL, &m.BestTradePnL, &m.WorstTradePnL, &trades, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BacktestResult{}, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
		}
		return domain.BacktestResult{}, fmt.Errorf("op=result.get: %w", err)
	}
	if len(trades) > 0 {
		if err := json.Unmarshal(trades, &res.Trades); err != nil {
			return domain.BacktestResult{}, fmt.Errorf("op=result.get: decode trades: %w", err)
		}
	}
	return res, nil
}
