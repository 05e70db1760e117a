// Package domain holds the entities, ports and error taxonomy shared by
// every layer of the backtesting core. It depends on nothing but the
// standard library so adapters and usecases stay swappable.
package domain

import (
	"context"
	"fmt"
	"time"
)

// Timeframe is a candle aggregation interval ("1m", "1h", "1d", ...).
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe10m Timeframe = "10m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe10m: 10 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe1d:  24 * time.Hour,
}

// Duration returns the candle interval length, or an error for an unknown
// timeframe.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q: %w", string(tf), ErrInvalidArgument)
	}
	return d, nil
}

// Valid reports whether the timeframe is one of the known intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// JobStatus enumerates backtest job lifecycle states. Only the orchestrator
// mutates a job's status.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"
	JobCalculating JobStatus = "CALCULATING"
	JobRunning     JobStatus = "RUNNING"
	JobCompleted   JobStatus = "COMPLETED"
	JobFailed      JobStatus = "FAILED"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool { return s == JobCompleted || s == JobFailed }

// BatchStatus enumerates batch lifecycle states, derived atomically from the
// child counters.
type BatchStatus string

const (
	BatchPending         BatchStatus = "PENDING"
	BatchRunning         BatchStatus = "RUNNING"
	BatchCompleted       BatchStatus = "COMPLETED"
	BatchFailed          BatchStatus = "FAILED"
	BatchPartiallyFailed BatchStatus = "PARTIALLY_FAILED"
)

// SimulationParams are the evaluator knobs carried by every job.
type SimulationParams struct {
	InitialCapital float64 `json:"initial_capital" validate:"required,gt=0"`
	CommissionPct  float64 `json:"commission_pct" validate:"gte=0,lte=0.1"`
	SlippagePct    float64 `json:"slippage_pct" validate:"gte=0,lte=0.1"`
}

// BacktestJob is one historical simulation request.
// Lifecycle: PENDING -> CALCULATING (indicator round trip) <-> RUNNING ->
// COMPLETED | FAILED.
type BacktestJob struct {
	ID                 string
	UserID             string
	BatchID            *string
	Ticker             string
	Timeframe          Timeframe
	StartDate          time.Time
	EndDate            time.Time
	Status             JobStatus
	StrategyID         string
	StrategySnapshot   []byte // strategy definition frozen at submit time
	SimulationParams   SimulationParams
	CountsTowardsLimit bool
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BacktestBatch groups child jobs submitted together.
// Invariant: CompletedCount + FailedCount <= TotalCount.
type BacktestBatch struct {
	ID             string
	UserID         string
	TotalCount     int
	CompletedCount int
	FailedCount    int
	Status         BatchStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ticker is one tradable instrument's metadata.
type Ticker struct {
	Symbol   string `yaml:"symbol"`
	Name     string `yaml:"name"`
	LotSize  int    `yaml:"lot_size"`
	IsActive bool   `yaml:"is_active"`
}

// Strategy is a user-owned strategy definition; Definition is the serialised
// AST snapshotted onto jobs at submit time.
type Strategy struct {
	ID         string
	UserID     string
	Name       string
	Definition []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Candle is one OHLCV record at (ticker, timeframe, begin).
type Candle struct {
	Ticker    string
	Timeframe Timeframe
	Begin     time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// IndicatorValueRow is one long-format indicator value destined for the
// versioned coverage table. Readers collapse duplicates by MAX(Version).
type IndicatorValueRow struct {
	Ticker       string
	Timeframe    Timeframe
	Begin        time.Time
	IndicatorKey string
	ValueKey     string
	Value        float64
	Version      uint64
}

// IndicatorPair identifies one output channel of one indicator instance.
type IndicatorPair struct {
	BaseKey  string
	ValueKey string
}

// FullKey is the AST-facing form "<base_key>_<value_key>".
func (p IndicatorPair) FullKey() string { return p.BaseKey + "_" + p.ValueKey }

// CoverageStat summarises stored rows for one base key over a range.
type CoverageStat struct {
	DistinctBegins int64
	TotalRows      int64
	ValueKeys      int64
}

// HasDuplicates reports whether more than one row exists for any
// (begin, value_key) combination.
func (s CoverageStat) HasDuplicates() bool {
	return s.TotalRows > s.DistinctBegins*s.ValueKeys
}

// TradeDirection is the side of a simulated position.
type TradeDirection string

const (
	TradeLong  TradeDirection = "LONG"
	TradeShort TradeDirection = "SHORT"
)

// Exit reasons recorded on trades by the evaluator.
const (
	ExitSignal     = "EXIT_SIGNAL"
	ExitStopLoss   = "STOP_LOSS"
	ExitTakeProfit = "TAKE_PROFIT"
	ExitEndOfRange = "END_OF_RANGE"
)

// Trade is one closed position produced by the evaluator.
type Trade struct {
	EntryTime  time.Time      `json:"entry_time"`
	ExitTime   time.Time      `json:"exit_time"`
	EntryPrice float64        `json:"entry_price"`
	ExitPrice  float64        `json:"exit_price"`
	Direction  TradeDirection `json:"direction"`
	Lots       int            `json:"lots"`
	PnL        float64        `json:"pnl"`
	PnLPct     float64        `json:"pnl_pct"`
	ExitReason string         `json:"exit_reason"`
}

// ResultMetrics are the aggregates computed from a trade list. Pointer
// fields are NULL when the metric is undefined (no trades, zero divisor) or
// was sanitised from NaN/Inf.
type ResultMetrics struct {
	TotalTrades    int
	WinningTrades  int
	LosingTrades   int
	WinRate        *float64
	ProfitFactor   *float64
	TotalPnL       float64
	TotalPnLPct    *float64
	MaxDrawdownPct *float64
	AvgTradePnL    *float64
	BestTradePnL   *float64
	WorstTradePnL  *float64
}

// BacktestResult is the persisted outcome of one job.
type BacktestResult struct {
	JobID     string
	Metrics   ResultMetrics
	Trades    []Trade
	CreatedAt time.Time
}

// Repositories (ports)

// JobRepository persists jobs and drives the job <-> batch counter coupling.
type JobRepository interface {
	Create(ctx Context, j BacktestJob) (string, error)
	Get(ctx Context, id string) (BacktestJob, error)
	// UpdateStatus records a non-terminal transition (CALCULATING, RUNNING).
	UpdateStatus(ctx Context, id string, status JobStatus, errMsg *string) error
	// Finish records a terminal transition and, when the job belongs to a
	// batch, advances the batch counters in the same transaction. Finishing
	// an already-terminal job is a no-op so redelivered messages cannot
	// double-count.
	Finish(ctx Context, id string, status JobStatus, errMsg *string) error
	// ListStale returns jobs sitting in any of the given states since before
	// the cutoff, paged by offset/limit ordered by updated_at.
	ListStale(ctx Context, statuses []JobStatus, before time.Time, offset, limit int) ([]BacktestJob, error)
	// DeleteTerminalBefore removes terminal jobs (and their results) older
	// than the cutoff, returning the number of jobs deleted.
	DeleteTerminalBefore(ctx Context, before time.Time) (int64, error)
}

// BatchRepository persists batches together with their children.
type BatchRepository interface {
	// Create inserts the batch row and every child job in one transaction.
	Create(ctx Context, b BacktestBatch, jobs []BacktestJob) error
	Get(ctx Context, id string) (BacktestBatch, error)
}

// TickerRepository serves instrument metadata.
type TickerRepository interface {
	Get(ctx Context, symbol string) (Ticker, error)
	ListActive(ctx Context) ([]Ticker, error)
	Upsert(ctx Context, tickers []Ticker) error
}

// StrategyRepository serves strategy definitions.
type StrategyRepository interface {
	Get(ctx Context, id string) (Strategy, error)
}

// CandleRepository reads and writes base OHLCV candles in the OLAP store.
type CandleRepository interface {
	SelectRange(ctx Context, ticker string, tf Timeframe, from, to time.Time) ([]Candle, error)
	CountRange(ctx Context, ticker string, tf Timeframe, from, to time.Time) (int64, error)
	CountBefore(ctx Context, ticker string, tf Timeframe, before time.Time) (int64, error)
	// NthBefore resolves the timestamp of the n-th candle preceding `before`,
	// falling back to the earliest candle when fewer than n exist. ok=false
	// means no candle exists at all.
	NthBefore(ctx Context, ticker string, tf Timeframe, before time.Time, n int) (time.Time, bool, error)
	InsertBatch(ctx Context, candles []Candle) error
}

// IndicatorValueRepository reads and writes long-format indicator values.
type IndicatorValueRepository interface {
	InsertBatch(ctx Context, rows []IndicatorValueRow) error
	// Coverage returns per-base-key row statistics over the range in one
	// query; absent base keys are missing from the map.
	Coverage(ctx Context, ticker string, tf Timeframe, from, to time.Time, baseKeys []string) (map[string]CoverageStat, error)
	// SelectWide loads candles plus the requested indicator pairs into one
	// timestamp-indexed frame (last-writer-wins per version).
	SelectWide(ctx Context, ticker string, tf Timeframe, from, to time.Time, pairs []IndicatorPair) (*Frame, error)
}

// ResultRepository persists backtest outcomes keyed by job id.
type ResultRepository interface {
	Upsert(ctx Context, r BacktestResult) error
	GetByJobID(ctx Context, jobID string) (BacktestResult, error)
}

// Publisher (port)

// OutboundMessage is one payload of a batch publish.
type OutboundMessage struct {
	Key     string
	Payload any
}

// Publisher abstracts the message transport for usecases and pipelines.
type Publisher interface {
	Publish(ctx Context, topic, key string, payload any) error
	PublishBatch(ctx Context, topic string, msgs []OutboundMessage) error
}

// Locker (port)

// Locker is a distributed mutex with lease TTL semantics.
type Locker interface {
	// Acquire blocks up to maxWait polling for the lock; false means the
	// wait expired without acquisition.
	Acquire(ctx Context, key string, maxWait, ttl time.Duration) (bool, error)
	Release(ctx Context, key string) error
}

// BatchLockKey builds the lock key guarding one indicator computation.
func BatchLockKey(ticker string, tf Timeframe, baseKey string) string {
	return "batch_lock:" + ticker + ":" + string(tf) + ":" + baseKey
}

// IdempotencyStore (port)

// IdempotencyStore remembers (request_hash, job_id) under a client key with
// TTL. Remember returns the canonical job id for the key: jobID itself when
// this call claimed the key, the previously stored id when the hash matches,
// and ErrConflict when the hash differs.
type IdempotencyStore interface {
	Remember(ctx Context, userID, key, hash, jobID string) (string, error)
	Forget(ctx Context, userID, key string) error
}

// Context is an alias so domain signatures stay decoupled from the stdlib
// import in every file.
type Context = context.Context
