package backtest_test

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/quantbed/backtestd/internal/backtest"
	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/indicator"
	"github.com/stretchr/testify/require"
)

var frameBase = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// bar is one OHLCV row of a test frame.
type bar struct {
	open, high, low, close float64
}

// flatBars builds bars whose highs and lows hug the close by one point.
func flatBars(closes ...float64) []bar {
	bars := make([]bar, len(closes))
	for i, c := range closes {
		bars[i] = bar{open: c, high: c + 1, low: c - 1, close: c}
	}
	return bars
}

// frameOf builds an hourly frame from bars plus extra indicator columns.
// Extra columns shorter than the frame are left-padded with NaNs, like a
// real lookback header.
func frameOf(t *testing.T, bars []bar, extra map[string][]float64) *domain.Frame {
	t.Helper()
	index := make([]time.Time, len(bars))
	open := make([]float64, len(bars))
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	volume := make([]float64, len(bars))
	for i, b := range bars {
		index[i] = frameBase.Add(time.Duration(i) * time.Hour)
		open[i], high[i], low[i], closes[i] = b.open, b.high, b.low, b.close
		volume[i] = 1000
	}
	f := domain.NewFrame(index)
	require.NoError(t, f.SetColumn(domain.ColOpen, open))
	require.NoError(t, f.SetColumn(domain.ColHigh, high))
	require.NoError(t, f.SetColumn(domain.ColLow, low))
	require.NoError(t, f.SetColumn(domain.ColClose, closes))
	require.NoError(t, f.SetColumn(domain.ColVolume, volume))
	for name, values := range extra {
		padded := values
		if len(values) < len(bars) {
			padded = make([]float64, len(bars))
			for i := range padded {
				padded[i] = math.NaN()
			}
			copy(padded[len(bars)-len(values):], values)
		}
		require.NoError(t, f.SetColumn(name, padded))
	}
	return f
}

// AST builders.

func iv(key string) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeIndicatorValue, Key: key}
}

func prev(key string) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodePrevIndicator, Key: key}
}

func num(v float64) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeValue, Value: v}
}

func gt(l, r *domain.StrategyNode) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeGreaterThan, Left: l, Right: r}
}

func lt(l, r *domain.StrategyNode) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeLessThan, Left: l, Right: r}
}

func and(children ...*domain.StrategyNode) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeAnd, Children: children}
}

func or(children ...*domain.StrategyNode) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeOr, Children: children}
}

func crossUp(l, r *domain.StrategyNode) *domain.StrategyNode {
	return &domain.StrategyNode{Kind: domain.NodeCrossoverUp, Left: l, Right: r}
}

func strategyJSON(t *testing.T, def domain.StrategyDefinition) []byte {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return raw
}

const testJobID = "6f1c3a52-0e9f-4f1e-9f0a-7b54f4f3d2c1"

func testJob(t *testing.T) domain.BacktestJob {
	t.Helper()
	return domain.BacktestJob{
		ID:         testJobID,
		UserID:     "user-1",
		Ticker:     "SBER",
		Timeframe:  domain.Timeframe1h,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		Status:     domain.JobPending,
		StrategyID: "strat-1",
		StrategySnapshot: strategyJSON(t, domain.StrategyDefinition{
			EntryLong: gt(iv("rsi_timeperiod_14_value"), num(70)),
			ExitLong:  lt(iv("rsi_timeperiod_14_value"), num(50)),
		}),
		SimulationParams:   domain.SimulationParams{InitialCapital: 100000, CommissionPct: 0.0005, SlippagePct: 0.0002},
		CountsTowardsLimit: true,
	}
}

// Fakes.

type statusUpdate struct {
	id     string
	status domain.JobStatus
	errMsg *string
}

type fakeJobs struct {
	jobs      map[string]domain.BacktestJob
	updateErr error
	finishErr error

	updates  []statusUpdate
	finishes []statusUpdate
}

func (f *fakeJobs) Create(_ domain.Context, j domain.BacktestJob) (string, error) { return j.ID, nil }

func (f *fakeJobs) Get(_ domain.Context, id string) (domain.BacktestJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.BacktestJob{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

func (f *fakeJobs) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, statusUpdate{id: id, status: status, errMsg: errMsg})
	if job, ok := f.jobs[id]; ok {
		job.Status = status
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeJobs) Finish(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finishes = append(f.finishes, statusUpdate{id: id, status: status, errMsg: errMsg})
	if job, ok := f.jobs[id]; ok && !job.Status.Terminal() {
		job.Status = status
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeJobs) ListStale(_ domain.Context, _ []domain.JobStatus, _ time.Time, _, _ int) ([]domain.BacktestJob, error) {
	return nil, nil
}

func (f *fakeJobs) DeleteTerminalBefore(_ domain.Context, _ time.Time) (int64, error) { return 0, nil }

type fakeTickers struct {
	tickers map[string]domain.Ticker
}

func (f *fakeTickers) Get(_ domain.Context, symbol string) (domain.Ticker, error) {
	tk, ok := f.tickers[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return tk, nil
}

func (f *fakeTickers) ListActive(_ domain.Context) ([]domain.Ticker, error) { return nil, nil }

func (f *fakeTickers) Upsert(_ domain.Context, _ []domain.Ticker) error { return nil }

type wideCall struct {
	ticker string
	tf     domain.Timeframe
	from   time.Time
	to     time.Time
	pairs  []domain.IndicatorPair
}

type fakeWide struct {
	frame     *domain.Frame
	selectErr error

	wideCalls []wideCall
}

func (f *fakeWide) InsertBatch(_ domain.Context, _ []domain.IndicatorValueRow) error { return nil }

func (f *fakeWide) Coverage(_ domain.Context, _ string, _ domain.Timeframe, _, _ time.Time, _ []string) (map[string]domain.CoverageStat, error) {
	return nil, nil
}

func (f *fakeWide) SelectWide(_ domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, pairs []domain.IndicatorPair) (*domain.Frame, error) {
	f.wideCalls = append(f.wideCalls, wideCall{ticker: ticker, tf: tf, from: from, to: to, pairs: pairs})
	if f.selectErr != nil {
		return nil, f.selectErr
	}
	return f.frame, nil
}

type resolveCall struct {
	ticker string
	tf     domain.Timeframe
	from   time.Time
	to     time.Time
	pairs  []domain.IndicatorPair
}

type fakeResolver struct {
	missing []domain.IndicatorPair
	err     error
	specs   []domain.IndicatorSpec

	calls     []resolveCall
	specCalls [][]domain.IndicatorPair
}

func (f *fakeResolver) MissingPairs(_ domain.Context, ticker string, tf domain.Timeframe, from, to time.Time, pairs []domain.IndicatorPair) ([]domain.IndicatorPair, error) {
	f.calls = append(f.calls, resolveCall{ticker: ticker, tf: tf, from: from, to: to, pairs: pairs})
	return f.missing, f.err
}

func (f *fakeResolver) Specs(pairs []domain.IndicatorPair) []domain.IndicatorSpec {
	f.specCalls = append(f.specCalls, pairs)
	return f.specs
}

type fakeResults struct {
	upsertErr error

	upserts []domain.BacktestResult
}

func (f *fakeResults) Upsert(_ domain.Context, r domain.BacktestResult) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, r)
	return nil
}

func (f *fakeResults) GetByJobID(_ domain.Context, _ string) (domain.BacktestResult, error) {
	return domain.BacktestResult{}, domain.ErrNotFound
}

type publishedMsg struct {
	topic   string
	key     string
	payload any
}

type fakePublisher struct {
	err error

	published []publishedMsg
}

func (f *fakePublisher) Publish(_ domain.Context, topic, key string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMsg{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakePublisher) PublishBatch(_ domain.Context, topic string, msgs []domain.OutboundMessage) error {
	if f.err != nil {
		return f.err
	}
	for _, m := range msgs {
		f.published = append(f.published, publishedMsg{topic: topic, key: m.Key, payload: m.Payload})
	}
	return nil
}

type evalCall struct {
	frame  *domain.Frame
	def    *domain.StrategyDefinition
	params backtest.EvalParams
}

type fakeEvaluator struct {
	trades []domain.Trade
	err    error

	calls []evalCall
}

func (f *fakeEvaluator) Evaluate(_ domain.Context, fr *domain.Frame, def *domain.StrategyDefinition, params backtest.EvalParams) ([]domain.Trade, error) {
	f.calls = append(f.calls, evalCall{frame: fr, def: def, params: params})
	return f.trades, f.err
}

type pipelineFakes struct {
	jobs      *fakeJobs
	tickers   *fakeTickers
	wide      *fakeWide
	results   *fakeResults
	resolver  *fakeResolver
	evaluator *fakeEvaluator
	pub       *fakePublisher
}

func newPipeline(t *testing.T, job domain.BacktestJob) (backtest.Pipeline, *pipelineFakes) {
	t.Helper()
	fk := &pipelineFakes{
		jobs:      &fakeJobs{jobs: map[string]domain.BacktestJob{job.ID: job}},
		tickers:   &fakeTickers{tickers: map[string]domain.Ticker{"SBER": {Symbol: "SBER", Name: "Sberbank", LotSize: 10, IsActive: true}}},
		wide:      &fakeWide{},
		results:   &fakeResults{},
		resolver:  &fakeResolver{},
		evaluator: &fakeEvaluator{},
		pub:       &fakePublisher{},
	}
	fk.wide.frame = frameOf(t, flatBars(100, 101, 102), map[string][]float64{
		"rsi_timeperiod_14_value": {60, 75, 45},
	})
	p := backtest.Pipeline{
		Jobs:             fk.jobs,
		Tickers:          fk.tickers,
		Indicators:       fk.wide,
		Results:          fk.results,
		Resolver:         fk.resolver,
		Keys:             indicator.DefaultRegistry(),
		Evaluator:        fk.evaluator,
		Publisher:        fk.pub,
		CalcRequestTopic: "indicator.calc.request",
	}
	return p, fk
}
