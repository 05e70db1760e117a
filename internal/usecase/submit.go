// Package usecase holds the application services invoked by operator
// gateways: validated, idempotent job submission and batch fan-out.
package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quantbed/backtestd/internal/backtest"
	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// LookbackSource reports the warm-up candle requirement of a registered
// indicator base key. *indicator.Registry satisfies it.
type LookbackSource interface {
	Lookback(baseKey string) (int, bool)
}

// SubmitRequest describes one requested backtest run.
type SubmitRequest struct {
	UserID         string
	IdempotencyKey string
	Ticker         string
	Timeframe      string
	StartDate      time.Time
	EndDate        time.Time
	StrategyID     string
	Params         domain.SimulationParams
}

// SubmitService validates submissions, persists jobs and enqueues their run
// messages. Batch submissions are validated eagerly: one bad child rejects
// the whole batch before anything is written.
type SubmitService struct {
	Jobs        domain.JobRepository
	Batches     domain.BatchRepository
	Tickers     domain.TickerRepository
	Strategies  domain.StrategyRepository
	Candles     domain.CandleRepository
	Idempotency domain.IdempotencyStore
	Publisher   domain.Publisher
	Keys        backtest.KeySplitter
	Lookbacks   LookbackSource
	RunTopic    string

	// TimeframeAllowed optionally narrows the structurally valid timeframes
	// to an operator-configured allow-list. Nil allows all of them.
	// config.Config.TimeframeAllowed fits as a method value.
	TimeframeAllowed func(string) bool
}

// validatedJob is one child that passed the hard checks. A job with
// infeasible=true is persisted FAILED instead of enqueued: its window cannot
// produce a single stable indicator value, so running it would only burn a
// round trip to find that out.
type validatedJob struct {
	job        domain.BacktestJob
	infeasible bool
	reason     string
}

// Submit validates the request, persists a job and enqueues its run message,
// returning the job id. With an idempotency key, a replay carrying the same
// payload returns the original id and a replay carrying a different payload
// is a domain.ErrConflict. An infeasible window still yields a job, persisted
// FAILED and never enqueued; callers see the outcome when they poll it.
func (s *SubmitService) Submit(ctx domain.Context, req SubmitRequest) (string, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticker", req.Ticker),
		attribute.String("timeframe", req.Timeframe),
	)

	if req.UserID == "" {
		return "", fmt.Errorf("op=submit: user id required: %w", domain.ErrInvalidArgument)
	}

	jobID := uuid.New().String()
	claimed := false
	if req.IdempotencyKey != "" {
		canonical, err := s.Idempotency.Remember(ctx, req.UserID, req.IdempotencyKey, requestHash(req), jobID)
		if err != nil {
			return "", err
		}
		if canonical != jobID {
			slog.InfoContext(ctx, "submit replayed", slog.String("job_id", canonical))
			return canonical, nil
		}
		claimed = true
	}
	// The key is claimed before the job exists, so every failure below must
	// release it or a retry would be pointed at a job that was never created.
	fail := func(err error) (string, error) {
		if claimed {
			_ = s.Idempotency.Forget(ctx, req.UserID, req.IdempotencyKey)
		}
		return "", err
	}

	vj, err := s.validateRequest(ctx, req.UserID, req)
	if err != nil {
		return fail(err)
	}
	vj.job.ID = jobID

	if vj.infeasible {
		id, err := s.persistInfeasible(ctx, vj)
		if err != nil {
			return fail(err)
		}
		return id, nil
	}

	if _, err := s.Jobs.Create(ctx, vj.job); err != nil {
		return fail(err)
	}
	if err := s.Publisher.Publish(ctx, s.RunTopic, runKey(vj.job), domain.BacktestRunRequest{JobID: jobID}); err != nil {
		msg := "enqueue failed: " + err.Error()
		_ = s.Jobs.Finish(ctx, jobID, domain.JobFailed, &msg)
		return fail(fmt.Errorf("op=submit: enqueue job %s: %w", jobID, err))
	}
	slog.InfoContext(ctx, "backtest job submitted",
		slog.String("job_id", jobID),
		slog.String("ticker", vj.job.Ticker),
		slog.String("timeframe", string(vj.job.Timeframe)))
	return jobID, nil
}

// SubmitBatch validates every child against the batch owner, persists the
// batch with all its children in one transaction and enqueues the runnable
// ones. Any hard validation failure rejects the whole batch. Children whose
// window is infeasible are written FAILED with counts_towards_limit=false
// and stay outside the batch counters, so total_count only counts children
// that actually run. Returned job ids align with the request order.
func (s *SubmitService) SubmitBatch(ctx domain.Context, userID string, reqs []SubmitRequest) (string, []string, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "SubmitBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("children", len(reqs)))

	if userID == "" {
		return "", nil, fmt.Errorf("op=submit_batch: user id required: %w", domain.ErrInvalidArgument)
	}
	if len(reqs) == 0 {
		return "", nil, fmt.Errorf("op=submit_batch: no children: %w", domain.ErrInvalidArgument)
	}

	batchID := uuid.New().String()
	children := make([]validatedJob, len(reqs))
	for i, req := range reqs {
		vj, err := s.validateRequest(ctx, userID, req)
		if err != nil {
			return "", nil, fmt.Errorf("op=submit_batch: child %d: %w", i, err)
		}
		vj.job.ID = uuid.New().String()
		vj.job.BatchID = &batchID
		children[i] = vj
	}

	jobs := make([]domain.BacktestJob, len(children))
	jobIDs := make([]string, len(children))
	runnable := 0
	now := time.Now().UTC()
	for i, vj := range children {
		if vj.infeasible {
			vj.job.Status = domain.JobFailed
			vj.job.CountsTowardsLimit = false
			vj.job.ErrorMessage = vj.reason
		} else {
			runnable++
		}
		vj.job.CreatedAt = now
		jobs[i] = vj.job
		jobIDs[i] = vj.job.ID
	}

	batch := domain.BacktestBatch{
		ID:         batchID,
		UserID:     userID,
		TotalCount: runnable,
		Status:     domain.BatchPending,
		CreatedAt:  now,
	}
	if runnable == 0 {
		batch.Status = domain.BatchFailed
	}
	if err := s.Batches.Create(ctx, batch, jobs); err != nil {
		return "", nil, err
	}
	for _, vj := range children {
		if vj.infeasible {
			observability.JobFinished(string(domain.JobFailed))
		}
	}

	msgs := make([]domain.OutboundMessage, 0, runnable)
	for _, vj := range children {
		if vj.infeasible {
			continue
		}
		msgs = append(msgs, domain.OutboundMessage{Key: runKey(vj.job), Payload: domain.BacktestRunRequest{JobID: vj.job.ID}})
	}
	if len(msgs) > 0 {
		if err := s.Publisher.PublishBatch(ctx, s.RunTopic, msgs); err != nil {
			// Some messages may have reached the broker. Failing every
			// runnable child keeps the batch consistent: delivered ones hit
			// a terminal job and are skipped by the pipeline.
			msg := "enqueue failed: " + err.Error()
			for _, vj := range children {
				if !vj.infeasible {
					_ = s.Jobs.Finish(ctx, vj.job.ID, domain.JobFailed, &msg)
				}
			}
			return "", nil, fmt.Errorf("op=submit_batch: enqueue batch %s: %w", batchID, err)
		}
	}

	slog.InfoContext(ctx, "backtest batch submitted",
		slog.String("batch_id", batchID),
		slog.Int("children", len(children)),
		slog.Int("runnable", runnable))
	return batchID, jobIDs, nil
}

// persistInfeasible writes a single submit's infeasible job as FAILED.
func (s *SubmitService) persistInfeasible(ctx domain.Context, vj validatedJob) (string, error) {
	vj.job.Status = domain.JobFailed
	vj.job.CountsTowardsLimit = false
	vj.job.ErrorMessage = vj.reason
	id, err := s.Jobs.Create(ctx, vj.job)
	if err != nil {
		return "", err
	}
	observability.JobFinished(string(domain.JobFailed))
	slog.InfoContext(ctx, "backtest job failed pre-validation",
		slog.String("job_id", id),
		slog.String("reason", vj.reason))
	return id, nil
}

// validateRequest runs the hard checks (ticker, timeframe, range, params,
// strategy ownership, parsable definition) and the lookback feasibility
// check. Hard failures return an error; an infeasible window returns a
// validatedJob flagged for immediate failure.
func (s *SubmitService) validateRequest(ctx domain.Context, userID string, req SubmitRequest) (validatedJob, error) {
	if req.Ticker == "" || req.StrategyID == "" {
		return validatedJob{}, fmt.Errorf("op=submit: ticker and strategy id required: %w", domain.ErrInvalidArgument)
	}
	tf := domain.Timeframe(req.Timeframe)
	if !tf.Valid() {
		return validatedJob{}, fmt.Errorf("op=submit: unsupported timeframe %q: %w", req.Timeframe, domain.ErrInvalidArgument)
	}
	if s.TimeframeAllowed != nil && !s.TimeframeAllowed(req.Timeframe) {
		return validatedJob{}, fmt.Errorf("op=submit: timeframe %q not allowed: %w", req.Timeframe, domain.ErrInvalidArgument)
	}
	if !req.StartDate.Before(req.EndDate) {
		return validatedJob{}, fmt.Errorf("op=submit: empty date range: %w", domain.ErrInvalidArgument)
	}
	if req.EndDate.After(time.Now().UTC()) {
		return validatedJob{}, fmt.Errorf("op=submit: date range extends into the future: %w", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(req.Params); err != nil {
		return validatedJob{}, fmt.Errorf("op=submit: simulation params: %v: %w", err, domain.ErrInvalidArgument)
	}

	if _, err := s.Tickers.Get(ctx, req.Ticker); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return validatedJob{}, fmt.Errorf("op=submit: unknown ticker %q: %w", req.Ticker, domain.ErrInvalidArgument)
		}
		return validatedJob{}, err
	}

	strat, err := s.Strategies.Get(ctx, req.StrategyID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return validatedJob{}, err
	}
	// A foreign strategy reads the same as a missing one.
	if err != nil || strat.UserID != userID {
		return validatedJob{}, fmt.Errorf("op=submit: strategy %s not found: %w", req.StrategyID, domain.ErrInvalidArgument)
	}
	def, err := domain.ParseStrategy(strat.Definition)
	if err != nil {
		return validatedJob{}, fmt.Errorf("op=submit: strategy definition: %w", err)
	}

	vj := validatedJob{job: domain.BacktestJob{
		UserID:             userID,
		Ticker:             req.Ticker,
		Timeframe:          tf,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Status:             domain.JobPending,
		StrategyID:         req.StrategyID,
		StrategySnapshot:   strat.Definition,
		SimulationParams:   req.Params,
		CountsTowardsLimit: true,
	}}

	pairs, _ := backtest.Analyser{Keys: s.Keys}.Analyse(def)
	need := s.maxLookback(pairs)
	inRange, err := s.Candles.CountRange(ctx, req.Ticker, tf, req.StartDate, req.EndDate)
	if err != nil {
		return validatedJob{}, err
	}
	switch {
	case inRange == 0:
		vj.infeasible = true
		vj.reason = fmt.Sprintf("no candle data for %s %s in the requested range", req.Ticker, tf)
	case need > 0:
		before, err := s.Candles.CountBefore(ctx, req.Ticker, tf, req.StartDate)
		if err != nil {
			return validatedJob{}, err
		}
		// Warm-up can eat into the window itself, so the window is only
		// infeasible when all candles up to its end cannot cover the
		// longest lookback.
		if before+inRange <= int64(need) {
			vj.infeasible = true
			vj.reason = fmt.Sprintf("window of %d candles cannot cover an indicator lookback of %d", before+inRange, need)
		}
	}
	return vj, nil
}

// maxLookback resolves the longest warm-up requirement among the referenced
// base keys. Keys the registry does not know add nothing; the pipeline
// reports those against the job itself.
func (s *SubmitService) maxLookback(pairs []domain.IndicatorPair) int {
	longest := 0
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p.BaseKey]; dup {
			continue
		}
		seen[p.BaseKey] = struct{}{}
		if lb, ok := s.Lookbacks.Lookback(p.BaseKey); ok && lb > longest {
			longest = lb
		}
	}
	return longest
}

func runKey(j domain.BacktestJob) string {
	return j.Ticker + ":" + string(j.Timeframe)
}

// requestHash fingerprints the payload fields so an idempotent replay can be
// told apart from key reuse.
func requestHash(req SubmitRequest) string {
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%v|%v|%v",
		req.Ticker, req.Timeframe,
		req.StartDate.UTC().Format(time.RFC3339), req.EndDate.UTC().Format(time.RFC3339),
		req.StrategyID, req.UserID,
		req.Params.InitialCapital, req.Params.CommissionPct, req.Params.SlippagePct)
	h := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(h[:])
}
