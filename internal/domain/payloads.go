package domain

import "time"

// Topic payloads. All timestamps marshal as RFC 3339 and are normalised to
// the market zone before use.

// IndicatorSpec names one indicator family with its parameters, as carried
// in calculation requests.
type IndicatorSpec struct {
	Name   string             `json:"name" validate:"required"`
	Params map[string]float64 `json:"params" validate:"required"`
}

// BacktestRunRequest asks the orchestrator to run one job.
type BacktestRunRequest struct {
	JobID string `json:"job_id" validate:"required,uuid4"`
}

// IndicatorCalcRequest asks the batch processor to compute the listed
// indicators over a range. JobID correlates the request with a suspended
// backtest; scheduled warm-ups have no job and leave it empty.
type IndicatorCalcRequest struct {
	JobID      string          `json:"job_id,omitempty"`
	Ticker     string          `json:"ticker" validate:"required"`
	Timeframe  string          `json:"timeframe" validate:"required"`
	StartDate  time.Time       `json:"start_date" validate:"required"`
	EndDate    time.Time       `json:"end_date" validate:"required"`
	Indicators []IndicatorSpec `json:"indicators" validate:"required,min=1,dive"`
}

// IndicatorCalcSuccess reports a completed calculation; the orchestrator
// replays the referenced job with the indicator check skipped. An empty
// JobID means the calculation had no waiting job.
type IndicatorCalcSuccess struct {
	JobID     string    `json:"job_id,omitempty"`
	Ticker    string    `json:"ticker" validate:"required"`
	Timeframe string    `json:"timeframe" validate:"required"`
	StartDate time.Time `json:"start_date" validate:"required"`
	EndDate   time.Time `json:"end_date" validate:"required"`
}

// CollectTask is one scheduler-emitted collection task for the market-data
// collectors.
type CollectTask struct {
	TaskType string         `json:"task_type" validate:"required"`
	Ticker   string         `json:"ticker" validate:"required"`
	Params   map[string]any `json:"params"`
}
