package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbed/backtestd/internal/adapter/repo/postgres"
	"github.com/quantbed/backtestd/internal/domain"
)

func sampleResult() domain.BacktestResult {
	entry := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	return domain.BacktestResult{
		JobID: "job-1",
		Metrics: domain.ResultMetrics{
			TotalTrades:   2,
			WinningTrades: 1,
			LosingTrades:  1,
			WinRate:       fptr(50),
			TotalPnL:      120.5,
			AvgTradePnL:   fptr(60.25),
		},
		Trades: []domain.Trade{{
			EntryTime:  entry,
			ExitTime:   entry.Add(2 * time.Hour),
			EntryPrice: 100,
			ExitPrice:  110,
			Direction:  domain.TradeLong,
			Lots:       1,
			PnL:        120.5,
			ExitReason: domain.ExitSignal,
		}},
	}
}

func TestResultRepo_Upsert(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewResultRepo(pool)

	err := repo.Upsert(context.Background(), sampleResult())
	require.NoError(t, err)

	require.Len(t, pool.execs, 1)
	call := pool.execs[0]
	assert.Contains(t, call.sql, "INSERT INTO backtest_results")
	assert.Contains(t, call.sql, "ON CONFLICT (job_id)")
	assert.Equal(t, "job-1", call.args[0])
	assert.Equal(t, 2, call.args[1])
	// Undefined metrics travel as nil pointers so they land as NULL.
	assert.Nil(t, call.args[5])
	trades, ok := call.args[12].(string)
	require.True(t, ok)
	assert.Contains(t, trades, `"entry_price":100`)
	assert.Contains(t, trades, `"exit_reason":"EXIT_SIGNAL"`)
}

func TestResultRepo_Upsert_ExecError(t *testing.T) {
	pool := &fakePool{execErrFn: func(string) error { return assert.AnError }}
	repo := postgres.NewResultRepo(pool)
	err := repo.Upsert(context.Background(), sampleResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=result.upsert")
}

func TestResultRepo_GetByJobID(t *testing.T) {
	created := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)
	tradesJSON := []byte(`[{"entry_time":"2024-01-10T10:00:00Z","exit_time":"2024-01-10T12:00:00Z","entry_price":100,"exit_price":110,"direction":"LONG","lots":1,"pnl":120.5,"pnl_pct":1.2,"exit_reason":"EXIT_SIGNAL"}]`)
	pool := &fakePool{rowQueue: []rowStub{valuesRow(
		"job-1", 2, 1, 1, fptr(50), (*float64)(nil), 120.5, fptr(1.2),
		fptr(3.4), fptr(60.25), fptr(120.5), fptr(-30.0), tradesJSON, created,
	)}}
	repo := postgres.NewResultRepo(pool)

	got, err := repo.GetByJobID(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.JobID)
	assert.Equal(t, 2, got.Metrics.TotalTrades)
	require.NotNil(t, got.Metrics.WinRate)
	assert.InDelta(t, 50, *got.Metrics.WinRate, 1e-9)
	assert.Nil(t, got.Metrics.ProfitFactor)
	require.Len(t, got.Trades, 1)
	assert.Equal(t, domain.TradeLong, got.Trades[0].Direction)
	assert.InDelta(t, 120.5, got.Trades[0].PnL, 1e-9)
}

func TestResultRepo_GetByJobID_NotFound(t *testing.T) {
	repo := postgres.NewResultRepo(&fakePool{})
	_, err := repo.GetByJobID(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
