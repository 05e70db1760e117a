package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// Stage names, as they appear in logs, metrics and stage errors.
const (
	stageLoadJob     = "load_job"
	stageAnalyse     = "analyse_strategy"
	stageEnsureData  = "ensure_data"
	stageLoadData    = "load_data"
	stageSimulate    = "execute_simulation"
	stageSaveResults = "save_results"
)

// loadJobStage fetches the job and its instrument, parses the strategy
// snapshot and moves the job to RUNNING.
type loadJobStage struct {
	jobs    domain.JobRepository
	tickers domain.TickerRepository
}

func (s loadJobStage) Name() string { return stageLoadJob }

func (s loadJobStage) Run(ctx domain.Context, pc *PipelineContext) error {
	job, err := s.jobs.Get(ctx, pc.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Jobs are persisted before their run message is published, so
			// an unknown id can never become known later.
			return domain.Fatal(fmt.Errorf("op=backtest.load_job: job %s: %w", pc.JobID, err))
		}
		return fmt.Errorf("op=backtest.load_job: load job: %w", err)
	}
	pc.Job = job
	if job.Status.Terminal() {
		return errJobTerminal
	}

	ticker, err := s.tickers.Get(ctx, job.Ticker)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewStageError(stageLoadJob, "unknown ticker %q", job.Ticker)
		}
		return fmt.Errorf("op=backtest.load_job: load ticker: %w", err)
	}
	pc.Ticker = ticker

	def, err := domain.ParseStrategy(job.StrategySnapshot)
	if err != nil {
		return domain.NewStageError(stageLoadJob, "parse strategy snapshot: %v", err)
	}
	pc.Strategy = def

	if err := s.jobs.UpdateStatus(ctx, job.ID, domain.JobRunning, nil); err != nil {
		return fmt.Errorf("op=backtest.load_job: mark running: %w", err)
	}
	pc.Job.Status = domain.JobRunning
	return nil
}

// analyseStage extracts the indicator pairs the strategy references.
type analyseStage struct {
	keys KeySplitter
}

func (s analyseStage) Name() string { return stageAnalyse }

func (s analyseStage) Run(_ domain.Context, pc *PipelineContext) error {
	pairs, unmatched := Analyser{Keys: s.keys}.Analyse(pc.Strategy)
	for _, key := range unmatched {
		slog.Warn("strategy references unknown indicator key",
			slog.String("job_id", pc.JobID),
			slog.String("indicator_key", key))
	}
	pc.RequiredPairs = pairs
	return nil
}

// ensureDataStage checks indicator coverage and, when series are missing,
// starts the calculation round trip instead of failing the job.
type ensureDataStage struct {
	resolver CoverageResolver
	jobs     domain.JobRepository
	pub      domain.Publisher
	topic    string
}

func (s ensureDataStage) Name() string { return stageEnsureData }

func (s ensureDataStage) Run(ctx domain.Context, pc *PipelineContext) error {
	if pc.SkipIndicatorCheck {
		slog.Debug("indicator coverage check skipped after round trip", slog.String("job_id", pc.JobID))
		return nil
	}
	if len(pc.RequiredPairs) == 0 {
		return nil
	}
	job := pc.Job
	missing, err := s.resolver.MissingPairs(ctx, job.Ticker, job.Timeframe, job.StartDate, job.EndDate, pc.RequiredPairs)
	if err != nil {
		return fmt.Errorf("op=backtest.ensure_data: resolve coverage: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}
	specs := s.resolver.Specs(missing)
	if len(specs) == 0 {
		return domain.NewStageError(stageEnsureData, "missing indicators %v cannot be computed", fullKeys(missing))
	}
	req := domain.IndicatorCalcRequest{
		JobID:      job.ID,
		Ticker:     job.Ticker,
		Timeframe:  string(job.Timeframe),
		StartDate:  job.StartDate,
		EndDate:    job.EndDate,
		Indicators: specs,
	}
	// The request goes out before the status flips so a crash between the
	// two redelivers the message instead of stranding a CALCULATING job
	// nobody is computing for.
	if err := s.pub.Publish(ctx, s.topic, job.Ticker+":"+string(job.Timeframe), req); err != nil {
		return fmt.Errorf("op=backtest.ensure_data: publish calc request: %w", err)
	}
	if err := s.jobs.UpdateStatus(ctx, job.ID, domain.JobCalculating, nil); err != nil {
		return fmt.Errorf("op=backtest.ensure_data: mark calculating: %w", err)
	}
	slog.Info("awaiting indicator calculation",
		slog.String("job_id", job.ID),
		slog.String("ticker", job.Ticker),
		slog.String("timeframe", string(job.Timeframe)),
		slog.Int("missing", len(missing)))
	return fmt.Errorf("op=backtest.ensure_data: %d series missing: %w", len(missing), domain.ErrAwaitingIndicators)
}

func fullKeys(pairs []domain.IndicatorPair) []string {
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.FullKey()
	}
	return keys
}

// loadDataStage pulls candles plus the required indicator series into the
// wide frame in one query.
type loadDataStage struct {
	indicators domain.IndicatorValueRepository
}

func (s loadDataStage) Name() string { return stageLoadData }

func (s loadDataStage) Run(ctx domain.Context, pc *PipelineContext) error {
	job := pc.Job
	frame, err := s.indicators.SelectWide(ctx, job.Ticker, job.Timeframe, job.StartDate, job.EndDate, pc.RequiredPairs)
	if err != nil {
		return fmt.Errorf("op=backtest.load_data: select wide frame: %w", err)
	}
	if frame == nil || frame.Len() == 0 {
		return domain.NewStageError(stageLoadData, "no candles for %s %s between %s and %s",
			job.Ticker, job.Timeframe, job.StartDate.Format(time.DateOnly), job.EndDate.Format(time.DateOnly))
	}
	pc.Frame = frame
	return nil
}

// simulateStage runs the evaluator over the loaded frame.
type simulateStage struct {
	evaluator Evaluator
}

func (s simulateStage) Name() string { return stageSimulate }

func (s simulateStage) Run(ctx domain.Context, pc *PipelineContext) error {
	params := EvalParams{
		InitialCapital: pc.Job.SimulationParams.InitialCapital,
		CommissionPct:  pc.Job.SimulationParams.CommissionPct,
		SlippagePct:    pc.Job.SimulationParams.SlippagePct,
		LotSize:        pc.Ticker.LotSize,
	}
	trades, err := s.evaluator.Evaluate(ctx, pc.Frame, pc.Strategy, params)
	if err != nil {
		// An external evaluator marks transient faults retryable; anything
		// else is deterministic and fails the job.
		if domain.IsRetryable(err) {
			return fmt.Errorf("op=backtest.execute_simulation: %w", err)
		}
		return domain.NewStageError(stageSimulate, "evaluate strategy: %v", err)
	}
	pc.Trades = trades
	return nil
}

// saveResultsStage aggregates metrics, persists the outcome and completes
// the job.
type saveResultsStage struct {
	jobs    domain.JobRepository
	results domain.ResultRepository
}

func (s saveResultsStage) Name() string { return stageSaveResults }

func (s saveResultsStage) Run(ctx domain.Context, pc *PipelineContext) error {
	pc.Metrics = ComputeMetrics(pc.Trades, pc.Job.SimulationParams.InitialCapital)
	result := domain.BacktestResult{
		JobID:     pc.JobID,
		Metrics:   pc.Metrics,
		Trades:    pc.Trades,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.results.Upsert(ctx, result); err != nil {
		return fmt.Errorf("op=backtest.save_results: upsert result: %w", err)
	}
	if err := s.jobs.Finish(ctx, pc.JobID, domain.JobCompleted, nil); err != nil {
		return fmt.Errorf("op=backtest.save_results: finish job: %w", err)
	}
	observability.JobFinished(string(domain.JobCompleted))
	slog.Info("backtest completed",
		slog.String("job_id", pc.JobID),
		slog.Int("trades", pc.Metrics.TotalTrades),
		slog.Float64("total_pnl", pc.Metrics.TotalPnL))
	return nil
}
