package backtest

import (
	"github.com/quantbed/backtestd/internal/domain"
)

// PipelineContext is the mutable carrier shared by the stages. Each stage
// fills the fields later stages read; Run owns the lifecycle and the error
// classification.
type PipelineContext struct {
	JobID              string
	CorrelationID      string
	SkipIndicatorCheck bool

	Job      domain.BacktestJob
	Ticker   domain.Ticker
	Strategy *domain.StrategyDefinition

	RequiredPairs []domain.IndicatorPair
	Frame         *domain.Frame
	Trades        []domain.Trade
	Metrics       domain.ResultMetrics
}
