package clickhouse

import (
	"fmt"
	"sort"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/quantbed/backtestd/internal/domain"
)

// IndicatorRepo reads and writes long-format indicator values in the
// ReplacingMergeTree-backed table. Readers collapse duplicate writes by
// taking the highest version per (begin, indicator_key, value_key).
type IndicatorRepo struct{ Pool *Pool }

// NewIndicatorRepo constructs an IndicatorRepo on the given pool.
func NewIndicatorRepo(p *Pool) *IndicatorRepo { return &IndicatorRepo{Pool: p} }

// InsertBatch writes value rows through one native-protocol batch.
func (r *IndicatorRepo) InsertBatch(ctx domain.Context, rows []domain.IndicatorValueRow) error {
	if len(rows) == 0 {
		return nil
	}
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("op=indicators.insert_batch: %w", err)
	}
	defer r.Pool.Release(conn)

	batch, err := conn.PrepareBatch(ctx, "INSERT INTO indicator_values")
	if err != nil {
		return fmt.Errorf("op=indicators.insert_batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row.Ticker, string(row.Timeframe), row.Begin, row.IndicatorKey, row.ValueKey, row.Value, row.Version); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("op=indicators.insert_batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("op=indicators.insert_batch: send: %w", err)
	}
	return nil
}

// Coverage returns per-base-key row statistics over [from, to] in a single
// query against the raw (pre-merge) table, so duplicate writes are still
// visible to the completeness check. Base keys with no rows at all are
// absent from the map.
func (r *IndicatorRepo) Coverage(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, baseKeys []string) (map[string]domain.CoverageStat, error) {
	out := make(map[string]domain.CoverageStat, len(baseKeys))
	if len(baseKeys) == 0 {
		return out, nil
	}
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=indicators.coverage: %w", err)
	}
	defer r.Pool.Release(conn)

	q := `SELECT indicator_key, uniqExact(begin), count(), uniqExact(value_key)
FROM indicator_values
WHERE ticker = ? AND timeframe = ? AND begin >= ? AND begin <= ? AND indicator_key IN ?
GROUP BY indicator_key`
	rows, err := conn.Query(ctx, q, ticker, string(tf), from, to, baseKeys)
	if err != nil {
		return nil, fmt.Errorf("op=indicators.coverage: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key                  string
			begins, total, vkeys uint64
		)
		if err := rows.Scan(&key, &begins, &total, &vkeys); err != nil {
			return nil, fmt.Errorf("op=indicators.coverage: %w", err)
		}
		out[key] = domain.CoverageStat{
			DistinctBegins: int64(begins),
			TotalRows:      int64(total),
			ValueKeys:      int64(vkeys),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=indicators.coverage: %w", err)
	}
	return out, nil
}

// SelectWide loads base candles and the requested indicator pairs in one
// UNION ALL query and pivots the result into a timestamp-indexed frame.
// Indicator values are collapsed last-writer-wins via argMax(value, version);
// rows at timestamps without a base candle are dropped.
func (r *IndicatorRepo) SelectWide(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, pairs []domain.IndicatorPair) (*domain.Frame, error) {
	conn, err := r.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=indicators.select_wide: %w", err)
	}
	defer r.Pool.Release(conn)

	wanted := make(map[string]struct{}, len(pairs))
	baseSet := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		wanted[p.FullKey()] = struct{}{}
		baseSet[p.BaseKey] = struct{}{}
	}
	baseKeys := make([]string, 0, len(baseSet))
	for k := range baseSet {
		baseKeys = append(baseKeys, k)
	}
	sort.Strings(baseKeys)

	q := `SELECT begin, 'open' AS col, open AS value FROM candles WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to
UNION ALL
SELECT begin, 'high', high FROM candles WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to
UNION ALL
SELECT begin, 'low', low FROM candles WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to
UNION ALL
SELECT begin, 'close', close FROM candles WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to
UNION ALL
SELECT begin, 'volume', volume FROM candles WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to`
	if len(baseKeys) > 0 {
		q += `
UNION ALL
SELECT begin, concat(indicator_key, '_', value_key) AS col, argMax(value, version) AS value
FROM indicator_values
WHERE ticker = @ticker AND timeframe = @tf AND begin >= @from AND begin <= @to AND indicator_key IN @keys
GROUP BY begin, indicator_key, value_key`
	}

	args := []any{
		ch.Named("ticker", ticker),
		ch.Named("tf", string(tf)),
		ch.Named("from", from),
		ch.Named("to", to),
	}
	if len(baseKeys) > 0 {
		args = append(args, ch.Named("keys", baseKeys))
	}

	rows, err := conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=indicators.select_wide: %w", err)
	}
	defer rows.Close()

	type cell struct {
		begin time.Time
		col   string
		value float64
	}
	var cells []cell
	beginSet := make(map[int64]time.Time)
	for rows.Next() {
		var c cell
		if err := rows.Scan(&c.begin, &c.col, &c.value); err != nil {
			return nil, fmt.Errorf("op=indicators.select_wide: %w", err)
		}
		// Candle rows define the frame index; 'open' stands in for the row.
		if c.col == domain.ColOpen {
			beginSet[c.begin.UnixNano()] = c.begin
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=indicators.select_wide: %w", err)
	}

	index := make([]time.Time, 0, len(beginSet))
	for _, ts := range beginSet {
		index = append(index, ts)
	}
	sort.Slice(index, func(i, j int) bool { return index[i].Before(index[j]) })

	frame := domain.NewFrame(index)
	for _, c := range cells {
		if domain.IsOHLCVColumn(c.col) {
			frame.Set(c.begin, c.col, c.value)
			continue
		}
		if _, ok := wanted[c.col]; ok {
			frame.Set(c.begin, c.col, c.value)
		}
	}
	return frame, nil
}
