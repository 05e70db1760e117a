package clickhouse

import (
	"fmt"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
)

// CandleRepo reads and writes base OHLCV candles.
type CandleRepo struct{ Pool *Pool }

// NewCandleRepo constructs a CandleRepo on the given pool.
func NewCandleRepo(p *Pool) *CandleRepo { return &CandleRepo{Pool: p} }

// SelectRange loads candles for [from, to] ordered by begin.
func (r *CandleRepo) SelectRange(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=candles.select_range: %w", err)
	}
	defer r.Pool.Release(conn)

	q := `SELECT begin, open, high, low, close, volume FROM candles
WHERE ticker = ? AND timeframe = ? AND begin >= ? AND begin <= ?
ORDER BY begin`
	rows, err := conn.Query(ctx, q, ticker, string(tf), from, to)
	if err != nil {
		return nil, fmt.Errorf("op=candles.select_range: %w", err)
	}
	defer rows.Close()

	var out []domain.Candle
	for rows.Next() {
		c := domain.Candle{Ticker: ticker, Timeframe: tf}
		if err := rows.Scan(&c.Begin, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("op=candles.select_range: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=candles.select_range: %w", err)
	}
	return out, nil
}

// CountRange counts candles with begin in [from, to].
func (r *CandleRepo) CountRange(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time) (int64, error) {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=candles.count_range: %w", err)
	}
	defer r.Pool.Release(conn)

	q := `SELECT count() FROM candles WHERE ticker = ? AND timeframe = ? AND begin >= ? AND begin <= ?`
	var n uint64
	if err := conn.QueryRow(ctx, q, ticker, string(tf), from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=candles.count_range: %w", err)
	}
	return int64(n), nil
}

// CountBefore counts candles strictly before the given timestamp.
func (r *CandleRepo) CountBefore(ctx domain.Context, ticker string, tf domain.Timeframe, before time.Time) (int64, error) {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("op=candles.count_before: %w", err)
	}
	defer r.Pool.Release(conn)

	q := `SELECT count() FROM candles WHERE ticker = ? AND timeframe = ? AND begin < ?`
	var n uint64
	if err := conn.QueryRow(ctx, q, ticker, string(tf), before).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=candles.count_before: %w", err)
	}
	return int64(n), nil
}

// NthBefore resolves the timestamp of the n-th candle preceding `before`.
// When fewer than n candles exist it falls back to the earliest one;
// ok=false means there is no candle before the timestamp at all.
func (r *CandleRepo) NthBefore(ctx domain.Context, ticker string, tf domain.Timeframe, before time.Time, n int) (time.Time, bool, error) {
	if n <= 0 {
		return time.Time{}, false, fmt.Errorf("op=candles.nth_before: n must be positive: %w", domain.ErrInvalidArgument)
	}
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=candles.nth_before: %w", err)
	}
	defer r.Pool.Release(conn)

	q := `SELECT begin FROM candles WHERE ticker = ? AND timeframe = ? AND begin < ? ORDER BY begin DESC LIMIT ?`
	rows, err := conn.Query(ctx, q, ticker, string(tf), before, n)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("op=candles.nth_before: %w", err)
	}
	defer rows.Close()

	// Walking the descending window leaves ts on its oldest row, which is
	// the n-th candle back or the earliest available.
	var (
		ts    time.Time
		found bool
	)
	for rows.Next() {
		if err := rows.Scan(&ts); err != nil {
			return time.Time{}, false, fmt.Errorf("op=candles.nth_before: %w", err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("op=candles.nth_before: %w", err)
	}
	return ts, found, nil
}

// InsertBatch writes candles through one native-protocol batch.
func (r *CandleRepo) InsertBatch(ctx domain.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=candles.insert_batch: %w", err)
	}
	defer r.Pool.Release(conn)

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO candles")
	if err != nil {
		return fmt.Errorf("op=candles.insert_batch: %w", err)
	}
	for _, c := range candles {
		if err := batch.Append(c.Ticker, string(c.Timeframe), c.Begin, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("op=candles.insert_batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("op=candles.insert_batch: send: %w", err)
	}
	return nil
}
