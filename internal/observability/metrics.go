package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_received_total",
			Help: "Total number of messages fetched from Kafka",
		},
		[]string{"topic"},
	)
	MessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_processed_total",
			Help: "Total number of messages whose offsets were released as processed",
		},
		[]string{"topic"},
	)
	MessagesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_messages_failed_total",
			Help: "Total number of messages left uncommitted for redelivery",
		},
		[]string{"topic"},
	)
	ValidationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_message_validation_errors_total",
			Help: "Total number of messages that failed decoding or payload validation",
		},
		[]string{"topic"},
	)
	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_handler_errors_total",
			Help: "Total number of handler invocations that returned an error",
		},
		[]string{"topic"},
	)
	HandlerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_handler_retries_total",
			Help: "Total number of in-process handler retries",
		},
		[]string{"topic"},
	)
	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_dlq_messages_total",
			Help: "Total number of messages parked on dead letter topics",
		},
		[]string{"topic"},
	)
	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_handler_duration_seconds",
			Help:    "Handler duration in seconds per attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"topic"},
	)
	MessagesInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_messages_in_flight",
			Help: "Number of messages currently being handled",
		},
		[]string{"topic"},
	)

	ProducerSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_sends_total",
			Help: "Total number of producer sends by outcome",
		},
		[]string{"topic", "outcome"},
	)
	ProducerSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_send_duration_seconds",
			Help:    "Synchronous produce duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"topic"},
	)

	BacktestJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backtest_jobs_total",
			Help: "Total number of backtest jobs by terminal status",
		},
		[]string{"status"},
	)
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backtest_stage_duration_seconds",
			Help:    "Backtest pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"stage"},
	)

	IndicatorBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indicator_batch_duration_seconds",
			Help:    "Duration of one indicator compute-and-store batch in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"family"},
	)
	IndicatorRowsInsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "indicator_rows_inserted_total",
			Help: "Total number of indicator value rows written to ClickHouse",
		},
	)
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-indicator batch lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 120},
		},
	)
	LockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "batch_lock_timeouts_total",
			Help: "Total number of batch lock acquisitions that timed out",
		},
	)

	StuckJobsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stuck_jobs_swept_total",
			Help: "Total number of jobs force-failed by the stuck job sweeper",
		},
	)
	RetentionDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deleted_rows_total",
			Help: "Total number of rows removed by retention cleanup per store",
		},
		[]string{"store"},
	)
)

// InitMetrics registers all application metrics with the default registerer.
// Call it once from main.
func InitMetrics() {
	prometheus.MustRegister(MessagesReceivedTotal)
	prometheus.MustRegister(MessagesProcessedTotal)
	prometheus.MustRegister(MessagesFailedTotal)
	prometheus.MustRegister(ValidationErrorsTotal)
	prometheus.MustRegister(HandlerErrorsTotal)
	prometheus.MustRegister(HandlerRetriesTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(MessagesInFlight)
	prometheus.MustRegister(ProducerSendsTotal)
	prometheus.MustRegister(ProducerSendDuration)
	prometheus.MustRegister(BacktestJobsTotal)
	prometheus.MustRegister(PipelineStageDuration)
	prometheus.MustRegister(IndicatorBatchDuration)
	prometheus.MustRegister(IndicatorRowsInsertedTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockTimeoutsTotal)
	prometheus.MustRegister(StuckJobsSweptTotal)
	prometheus.MustRegister(RetentionDeletedTotal)
}

// JobFinished records a job reaching a terminal status.
func JobFinished(status string) {
	BacktestJobsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of one pipeline stage.
func ObserveStage(stage string, seconds float64) {
	PipelineStageDuration.WithLabelValues(stage).Observe(seconds)
}
