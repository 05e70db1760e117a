// Package scheduler implements the one-shot schedule-collection run: ticker
// seed sync, Redis mirror refresh and task fan-out over the active
// instruments.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/indicator"
)

// TaskWarmIndicators asks the indicator worker to precompute the hot
// registry entries instead of instructing the market-data collectors.
const TaskWarmIndicators = "warm_indicators"

const defaultWarmWindow = 30 * 24 * time.Hour

// Options are the parsed command-line knobs for one run.
type Options struct {
	TaskType    string
	Timeframes  []string
	TickersFile string
	SyncRedis   bool
	// WarmWindow bounds how far back a warm-up recomputes; zero means the
	// default of thirty days.
	WarmWindow time.Duration
}

// TickerMirror refreshes the Redis copy of the active instrument list.
type TickerMirror interface {
	ReplaceActive(ctx domain.Context, tickers []domain.Ticker) error
}

// Runner wires one schedule-collection invocation. Every run is one-shot:
// sync, fan out, exit.
type Runner struct {
	Tickers   domain.TickerRepository
	Mirror    TickerMirror
	Publisher domain.Publisher
	Registry  *indicator.Registry
	TaskTopic string
	CalcTopic string
}

// Run executes the invocation described by opts.
func (r *Runner) Run(ctx domain.Context, opts Options) error {
	if opts.TaskType == "" {
		return fmt.Errorf("op=scheduler.Run: task type required: %w", domain.ErrInvalidArgument)
	}
	if len(opts.Timeframes) == 0 {
		return fmt.Errorf("op=scheduler.Run: at least one timeframe required: %w", domain.ErrInvalidArgument)
	}
	for _, tf := range opts.Timeframes {
		if !domain.Timeframe(tf).Valid() {
			return fmt.Errorf("op=scheduler.Run: unsupported timeframe %q: %w", tf, domain.ErrInvalidArgument)
		}
	}

	if opts.TickersFile != "" {
		seed, err := LoadSeed(opts.TickersFile)
		if err != nil {
			return err
		}
		if err := r.Tickers.Upsert(ctx, seed); err != nil {
			return fmt.Errorf("op=scheduler.Run: sync tickers: %w", err)
		}
		slog.InfoContext(ctx, "ticker seed synchronised",
			slog.String("file", opts.TickersFile),
			slog.Int("tickers", len(seed)))
	}

	active, err := r.Tickers.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.Run: list active tickers: %w", err)
	}

	if opts.SyncRedis {
		if r.Mirror == nil {
			return fmt.Errorf("op=scheduler.Run: redis mirror not configured: %w", domain.ErrInvalidArgument)
		}
		if err := r.Mirror.ReplaceActive(ctx, active); err != nil {
			return fmt.Errorf("op=scheduler.Run: sync redis: %w", err)
		}
	}

	if len(active) == 0 {
		slog.WarnContext(ctx, "no active tickers, nothing to schedule")
		return nil
	}

	if opts.TaskType == TaskWarmIndicators {
		return r.publishWarmups(ctx, active, opts)
	}
	return r.publishTasks(ctx, active, opts)
}

// publishTasks fans one collection task per (ticker, timeframe) out to the
// collectors.
func (r *Runner) publishTasks(ctx domain.Context, tickers []domain.Ticker, opts Options) error {
	msgs := make([]domain.OutboundMessage, 0, len(tickers)*len(opts.Timeframes))
	for _, t := range tickers {
		for _, tf := range opts.Timeframes {
			msgs = append(msgs, domain.OutboundMessage{
				Key: t.Symbol + ":" + opts.TaskType,
				Payload: domain.CollectTask{
					TaskType: opts.TaskType,
					Ticker:   t.Symbol,
					Params:   map[string]any{"timeframe": tf},
				},
			})
		}
	}
	if err := r.Publisher.PublishBatch(ctx, r.TaskTopic, msgs); err != nil {
		return fmt.Errorf("op=scheduler.Run: publish tasks: %w", err)
	}
	slog.InfoContext(ctx, "collection tasks scheduled",
		slog.String("task_type", opts.TaskType),
		slog.Int("tasks", len(msgs)))
	return nil
}

// publishWarmups emits one calculation request per (ticker, timeframe)
// covering every hot registry entry, so overlapping backtests find their
// usual indicators precomputed.
func (r *Runner) publishWarmups(ctx domain.Context, tickers []domain.Ticker, opts Options) error {
	hot := r.Registry.HotEntries()
	if len(hot) == 0 {
		slog.WarnContext(ctx, "no hot indicators registered, nothing to warm")
		return nil
	}
	specs := make([]domain.IndicatorSpec, 0, len(hot))
	for _, e := range hot {
		if spec, ok := r.Registry.Descriptor(e.IndicatorKey); ok {
			specs = append(specs, spec)
		}
	}

	window := opts.WarmWindow
	if window <= 0 {
		window = defaultWarmWindow
	}
	end := time.Now().UTC()
	start := end.Add(-window)

	msgs := make([]domain.OutboundMessage, 0, len(tickers)*len(opts.Timeframes))
	for _, t := range tickers {
		for _, tf := range opts.Timeframes {
			msgs = append(msgs, domain.OutboundMessage{
				Key: t.Symbol + ":" + tf,
				Payload: domain.IndicatorCalcRequest{
					Ticker:     t.Symbol,
					Timeframe:  tf,
					StartDate:  start,
					EndDate:    end,
					Indicators: specs,
				},
			})
		}
	}
	if err := r.Publisher.PublishBatch(ctx, r.CalcTopic, msgs); err != nil {
		return fmt.Errorf("op=scheduler.Run: publish warmups: %w", err)
	}
	slog.InfoContext(ctx, "indicator warmups scheduled",
		slog.Int("indicators", len(specs)),
		slog.Int("requests", len(msgs)))
	return nil
}
