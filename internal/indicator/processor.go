package indicator

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
	"github.com/quantbed/backtestd/internal/timeutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Processor handles indicator calculation requests. For every requested
// indicator it computes the series over the range plus lookback header,
// writes versioned long-format rows, and reports completion on the success
// topic. The consumer classifies the returned error: retryable failures
// are redelivered with backoff, fatal ones dead-letter the message.
type Processor struct {
	Candles      domain.CandleRepository
	Indicators   domain.IndicatorValueRepository
	Registry     *Registry
	Locker       domain.Locker
	Publisher    domain.Publisher
	SuccessTopic string
	LockMaxWait  time.Duration
	LockTTL      time.Duration
	Zone         *time.Location
}

// Process computes and stores every indicator named in one request.
func (p Processor) Process(ctx domain.Context, req domain.IndicatorCalcRequest) error {
	tracer := otel.Tracer("indicator.batch")
	ctx, span := tracer.Start(ctx, "Processor.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("timeframe", req.Timeframe),
		attribute.Int("indicators", len(req.Indicators)),
	)

	tf := domain.Timeframe(req.Timeframe)
	if req.Ticker == "" || !tf.Valid() {
		return domain.Fatal(fmt.Errorf("op=indicator.Process: %w: ticker %q timeframe %q", domain.ErrInvalidArgument, req.Ticker, req.Timeframe))
	}

	instances := make([]*Instance, 0, len(req.Indicators))
	for _, spec := range req.Indicators {
		inst, err := p.Registry.Instantiate(spec.Name, spec.Params)
		if err != nil {
			slog.Warn("skipping uncomputable indicator",
				slog.String("job_id", req.JobID),
				slog.String("family", spec.Name),
				slog.Any("error", err))
			continue
		}
		instances = append(instances, inst)
	}
	if len(instances) == 0 {
		return domain.Fatal(fmt.Errorf("op=indicator.Process: %w: no computable indicators in request", domain.ErrInvalidArgument))
	}

	maxLookback := 0
	for _, inst := range instances {
		if inst.Lookback() > maxLookback {
			maxLookback = inst.Lookback()
		}
	}

	loc := p.Zone
	if loc == nil {
		loc = time.UTC
	}
	startDate := timeutil.ToMarket(req.StartDate, loc)
	endDate := timeutil.ToMarket(req.EndDate, loc)

	effectiveStart := startDate
	if maxLookback > 0 {
		ts, ok, err := p.Candles.NthBefore(ctx, req.Ticker, tf, startDate, maxLookback)
		if err != nil {
			return domain.Retryable(fmt.Errorf("op=indicator.Process: lookback window: %w", err))
		}
		if ok {
			effectiveStart = ts
		}
	}

	candles, err := p.Candles.SelectRange(ctx, req.Ticker, tf, effectiveStart, endDate)
	if err != nil {
		return domain.Retryable(fmt.Errorf("op=indicator.Process: select candles: %w", err))
	}
	if len(candles) == 0 {
		return domain.Fatal(fmt.Errorf("op=indicator.Process: %w: no candles for %s %s between %s and %s",
			domain.ErrNotFound, req.Ticker, tf, effectiveStart.Format(time.DateOnly), endDate.Format(time.DateOnly)))
	}
	for i := range candles {
		candles[i].Begin = timeutil.ToMarket(candles[i].Begin, loc)
	}

	// Every row written by this run carries the same version; readers take
	// the highest version per point, so redeliveries overwrite cleanly.
	version := uint64(time.Now().UnixMicro())

	total := 0
	for _, inst := range instances {
		n, err := p.computeOne(ctx, req.Ticker, tf, inst, candles, startDate, version)
		if err != nil {
			return err
		}
		total += n
	}

	success := domain.IndicatorCalcSuccess{
		JobID:     req.JobID,
		Ticker:    req.Ticker,
		Timeframe: req.Timeframe,
		StartDate: req.StartDate,
		EndDate:   req.EndDate,
	}
	if err := p.Publisher.Publish(ctx, p.SuccessTopic, req.Ticker+":"+req.Timeframe, success); err != nil {
		// Rows are already written; the redelivery recomputes them under a
		// fresh version and publishes again.
		return domain.Retryable(fmt.Errorf("op=indicator.Process: publish success: %w", err))
	}

	slog.Info("indicator batch complete",
		slog.String("job_id", req.JobID),
		slog.String("ticker", req.Ticker),
		slog.String("timeframe", req.Timeframe),
		slog.Int("indicators", len(instances)),
		slog.Int("rows", total),
		slog.Uint64("version", version))
	return nil
}

func (p Processor) computeOne(ctx domain.Context, ticker string, tf domain.Timeframe, inst *Instance, candles []domain.Candle, startDate time.Time, version uint64) (int, error) {
	key := domain.BatchLockKey(ticker, tf, inst.BaseKey)
	ok, err := p.Locker.Acquire(ctx, key, p.LockMaxWait, p.LockTTL)
	if err != nil {
		return 0, domain.Retryable(fmt.Errorf("op=indicator.Process: acquire %s: %w", key, err))
	}
	if !ok {
		return 0, domain.Retryable(fmt.Errorf("op=indicator.Process: lock %s still held after %s", key, p.LockMaxWait))
	}
	defer func() {
		if err := p.Locker.Release(ctx, key); err != nil {
			slog.Warn("batch lock release failed", slog.String("key", key), slog.Any("error", err))
		}
	}()

	begun := time.Now()
	series, err := inst.Compute(candles)
	if err != nil {
		return 0, domain.Fatal(err)
	}
	rows := pivot(ticker, tf, inst, candles, series, startDate, version)
	if len(rows) > 0 {
		if err := p.Indicators.InsertBatch(ctx, rows); err != nil {
			return 0, domain.Retryable(fmt.Errorf("op=indicator.Process: insert %s: %w", inst.BaseKey, err))
		}
	}
	observability.IndicatorRowsInsertedTotal.Add(float64(len(rows)))
	observability.IndicatorBatchDuration.WithLabelValues(inst.Family).Observe(time.Since(begun).Seconds())
	return len(rows), nil
}

// pivot turns kernel output into long-format rows, dropping unfilled points
// and the lookback header before startDate.
func pivot(ticker string, tf domain.Timeframe, inst *Instance, candles []domain.Candle, series map[string][]float64, startDate time.Time, version uint64) []domain.IndicatorValueRow {
	rows := make([]domain.IndicatorValueRow, 0, len(candles)*len(inst.outputs))
	for i, c := range candles {
		if c.Begin.Before(startDate) {
			continue
		}
		for _, valueKey := range inst.outputs {
			v := series[valueKey][i]
			if math.IsNaN(v) {
				continue
			}
			rows = append(rows, domain.IndicatorValueRow{
				Ticker:       ticker,
				Timeframe:    tf,
				Begin:        c.Begin,
				IndicatorKey: inst.BaseKey,
				ValueKey:     valueKey,
				Value:        v,
				Version:      version,
			})
		}
	}
	return rows
}
