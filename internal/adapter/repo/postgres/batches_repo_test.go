package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbed/backtestd/internal/adapter/repo/postgres"
	"github.com/quantbed/backtestd/internal/domain"
)

func TestBatchRepo_Create(t *testing.T) {
	pool := &fakePool{}
	repo := postgres.NewBatchRepo(pool)

	batch := domain.BacktestBatch{ID: "batch-1", UserID: "user-1", TotalCount: 2}
	childA := sampleJob()
	childA.ID = "job-a"
	childB := sampleJob()
	childB.ID = "job-b"

	err := repo.Create(context.Background(), batch, []domain.BacktestJob{childA, childB})
	require.NoError(t, err)

	require.Len(t, pool.execs, 3)
	assert.Contains(t, pool.execs[0].sql, "INSERT INTO backtest_batches")
	assert.Equal(t, "batch-1", pool.execs[0].args[0])
	assert.Equal(t, 2, pool.execs[0].args[2])
	assert.Equal(t, domain.BatchPending, pool.execs[0].args[5])

	for _, call := range pool.execs[1:] {
		assert.Contains(t, call.sql, "INSERT INTO backtest_jobs")
		batchID, ok := call.args[2].(*string)
		require.True(t, ok, "child batch_id should be a *string")
		require.NotNil(t, batchID)
		assert.Equal(t, "batch-1", *batchID)
	}

	require.Len(t, pool.txs, 1)
	assert.True(t, pool.txs[0].committed)
}

func TestBatchRepo_Create_ChildInsertRollsBack(t *testing.T) {
	pool := &fakePool{execErrFn: func(sql string) error {
		if strings.Contains(sql, "backtest_jobs") {
			return assert.AnError
		}
		return nil
	}}
	repo := postgres.NewBatchRepo(pool)

	batch := domain.BacktestBatch{ID: "batch-1", UserID: "user-1", TotalCount: 1}
	err := repo.Create(context.Background(), batch, []domain.BacktestJob{sampleJob()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=batch.create")

	require.Len(t, pool.txs, 1)
	assert.False(t, pool.txs[0].committed)
	assert.True(t, pool.txs[0].rolledBack)
}

func TestBatchRepo_Get(t *testing.T) {
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	pool := &fakePool{rowQueue: []rowStub{valuesRow(
		"batch-1", "user-1", 10, 6, 1, domain.BatchRunning, created, created,
	)}}
	repo := postgres.NewBatchRepo(pool)

	got, err := repo.Get(context.Background(), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "batch-1", got.ID)
	assert.Equal(t, 10, got.TotalCount)
	assert.Equal(t, 6, got.CompletedCount)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, domain.BatchRunning, got.Status)
}

func TestBatchRepo_Get_NotFound(t *testing.T) {
	repo := postgres.NewBatchRepo(&fakePool{})
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
