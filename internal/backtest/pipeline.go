// Package backtest implements the six-stage pipeline that turns a persisted
// job into a stored result: load job, analyse strategy, ensure indicator
// data, load the wide frame, execute the simulation, save results. Missing
// indicator series suspend the run with a calculation round trip instead of
// failing it.
package backtest

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// CoverageResolver answers which of the required indicator series are not
// fully stored over a range and expands them into calculation specs. The
// indicator resolver implements it.
type CoverageResolver interface {
	MissingPairs(ctx domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, pairs []domain.IndicatorPair) ([]domain.IndicatorPair, error)
	Specs(pairs []domain.IndicatorPair) []domain.IndicatorSpec
}

// Stage is one step of the pipeline. Stages mutate the shared context; a
// StageError fails the job while any other error fails only the message.
type Stage interface {
	Name() string
	Run(ctx domain.Context, pc *PipelineContext) error
}

// errJobTerminal short-circuits a run whose job already finished, so a
// redelivered message cannot recompute or double-count anything.
var errJobTerminal = errors.New("job already terminal")

// Pipeline orchestrates one backtest run per message.
type Pipeline struct {
	Jobs             domain.JobRepository
	Tickers          domain.TickerRepository
	Indicators       domain.IndicatorValueRepository
	Results          domain.ResultRepository
	Resolver         CoverageResolver
	Keys             KeySplitter
	Evaluator        Evaluator
	Publisher        domain.Publisher
	CalcRequestTopic string
}

func (p Pipeline) stages() []Stage {
	return []Stage{
		loadJobStage{jobs: p.Jobs, tickers: p.Tickers},
		analyseStage{keys: p.Keys},
		ensureDataStage{resolver: p.Resolver, jobs: p.Jobs, pub: p.Publisher, topic: p.CalcRequestTopic},
		loadDataStage{indicators: p.Indicators},
		simulateStage{evaluator: p.Evaluator},
		saveResultsStage{jobs: p.Jobs, results: p.Results},
	}
}

// Run executes the stages in order for one job. skipIndicatorCheck replays
// the pipeline after a calculation success without re-checking coverage.
//
// The returned error classifies the message, not the job: nil commits the
// offset (including the awaiting-indicators suspension and stage failures,
// which are terminal for the job but fully handled), while retryable and
// fatal errors follow the consumer's redelivery policy.
func (p Pipeline) Run(ctx domain.Context, jobID string, skipIndicatorCheck bool) error {
	tracer := otel.Tracer("backtest.pipeline")
	ctx, span := tracer.Start(ctx, "Pipeline.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", jobID),
		attribute.Bool("skip_indicator_check", skipIndicatorCheck),
	)

	pc := &PipelineContext{
		JobID:              jobID,
		CorrelationID:      observability.CorrelationIDFromContext(ctx),
		SkipIndicatorCheck: skipIndicatorCheck,
	}
	for _, stage := range p.stages() {
		begun := time.Now()
		err := stage.Run(ctx, pc)
		observability.ObserveStage(stage.Name(), time.Since(begun).Seconds())
		if err == nil {
			continue
		}
		if errors.Is(err, errJobTerminal) {
			slog.Info("skipping redelivered message for finished job",
				slog.String("job_id", jobID),
				slog.String("status", string(pc.Job.Status)))
			return nil
		}
		if errors.Is(err, domain.ErrAwaitingIndicators) {
			return nil
		}
		if domain.IsStageError(err) {
			return p.failJob(ctx, pc, stage.Name(), err)
		}
		return err
	}
	return nil
}

// failJob records a stage failure as the job's terminal state. The offset
// commits afterwards; redeliveries land on the terminal short-circuit.
func (p Pipeline) failJob(ctx domain.Context, pc *PipelineContext, stage string, cause error) error {
	msg := cause.Error()
	if err := p.Jobs.Finish(ctx, pc.JobID, domain.JobFailed, &msg); err != nil {
		return fmt.Errorf("op=backtest.Run: record job failure: %w", err)
	}
	observability.JobFinished(string(domain.JobFailed))
	slog.Warn("backtest job failed",
		slog.String("job_id", pc.JobID),
		slog.String("stage", stage),
		slog.String("error", msg))
	return nil
}
