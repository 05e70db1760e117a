package kafka

import (
	"sort"
	"sync"
	"time"
)

// latencyWindow bounds how many recent handler latencies feed the quantile
// estimates in a stats snapshot.
const latencyWindow = 1024

// ConsumerStats is a point-in-time snapshot of consumer counters.
type ConsumerStats struct {
	Received         int64         `json:"received"`
	Processed        int64         `json:"processed"`
	ValidationErrors int64         `json:"validation_errors"`
	HandlerErrors    int64         `json:"handler_errors"`
	Retries          int64         `json:"retries"`
	DLQSent          int64         `json:"dlq_sent"`
	Failed           int64         `json:"failed"`
	InFlight         int64         `json:"in_flight"`
	MaxInFlight      int64         `json:"max_in_flight"`
	LatencyP50       time.Duration `json:"latency_p50"`
	LatencyP95       time.Duration `json:"latency_p95"`
	LatencyP99       time.Duration `json:"latency_p99"`
	Throughput       float64       `json:"throughput_per_sec"`
	Uptime           time.Duration `json:"uptime"`
}

// consumerMetrics tracks consumer counters behind a mutex so that snapshots
// see a consistent view.
type consumerMetrics struct {
	mu      sync.Mutex
	started time.Time

	received         int64
	processed        int64
	validationErrors int64
	handlerErrors    int64
	retries          int64
	dlqSent          int64
	failed           int64
	inFlight         int64
	maxInFlight      int64

	latencies []time.Duration
	latIdx    int
	latFull   bool
}

func newConsumerMetrics() *consumerMetrics {
	return &consumerMetrics{
		started:   time.Now(),
		latencies: make([]time.Duration, latencyWindow),
	}
}

func (m *consumerMetrics) recordReceived() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *consumerMetrics) recordProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed++
}

func (m *consumerMetrics) recordValidationError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validationErrors++
}

func (m *consumerMetrics) recordHandlerError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlerErrors++
}

func (m *consumerMetrics) recordRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

func (m *consumerMetrics) recordDLQ() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqSent++
}

func (m *consumerMetrics) recordFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

func (m *consumerMetrics) enter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
}

func (m *consumerMetrics) exit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight > 0 {
		m.inFlight--
	}
}

func (m *consumerMetrics) observeLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[m.latIdx] = d
	m.latIdx++
	if m.latIdx == len(m.latencies) {
		m.latIdx = 0
		m.latFull = true
	}
}

// Snapshot returns a consistent copy of the counters with latency quantiles
// computed over the recent window.
func (m *consumerMetrics) Snapshot() ConsumerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.latIdx
	if m.latFull {
		n = len(m.latencies)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	uptime := time.Since(m.started)
	throughput := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		throughput = float64(m.processed) / secs
	}

	return ConsumerStats{
		Received:         m.received,
		Processed:        m.processed,
		ValidationErrors: m.validationErrors,
		HandlerErrors:    m.handlerErrors,
		Retries:          m.retries,
		DLQSent:          m.dlqSent,
		Failed:           m.failed,
		InFlight:         m.inFlight,
		MaxInFlight:      m.maxInFlight,
		LatencyP50:       quantile(sorted, 0.50),
		LatencyP95:       quantile(sorted, 0.95),
		LatencyP99:       quantile(sorted, 0.99),
		Throughput:       throughput,
		Uptime:           uptime,
	}
}

// ProducerStats is a point-in-time snapshot of producer counters.
type ProducerStats struct {
	Sent       int64         `json:"sent"`
	Failed     int64         `json:"failed"`
	Bytes      int64         `json:"bytes"`
	LatencyP50 time.Duration `json:"latency_p50"`
	LatencyP95 time.Duration `json:"latency_p95"`
	LatencyP99 time.Duration `json:"latency_p99"`
	Throughput float64       `json:"throughput_per_sec"`
	Uptime     time.Duration `json:"uptime"`
}

type producerMetrics struct {
	mu      sync.Mutex
	started time.Time

	sent   int64
	failed int64
	bytes  int64

	latencies []time.Duration
	latIdx    int
	latFull   bool
}

func newProducerMetrics() *producerMetrics {
	return &producerMetrics{
		started:   time.Now(),
		latencies: make([]time.Duration, latencyWindow),
	}
}

func (m *producerMetrics) recordSend(bytes int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
	m.bytes += int64(bytes)
	m.latencies[m.latIdx] = d
	m.latIdx++
	if m.latIdx == len(m.latencies) {
		m.latIdx = 0
		m.latFull = true
	}
}

func (m *producerMetrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// Snapshot returns a consistent copy of the producer counters.
func (m *producerMetrics) Snapshot() ProducerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.latIdx
	if m.latFull {
		n = len(m.latencies)
	}
	sorted := make([]time.Duration, n)
	copy(sorted, m.latencies[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	uptime := time.Since(m.started)
	throughput := 0.0
	if secs := uptime.Seconds(); secs > 0 {
		throughput = float64(m.sent) / secs
	}

	return ProducerStats{
		Sent:       m.sent,
		Failed:     m.failed,
		Bytes:      m.bytes,
		LatencyP50: quantile(sorted, 0.50),
		LatencyP95: quantile(sorted, 0.95),
		LatencyP99: quantile(sorted, 0.99),
		Throughput: throughput,
		Uptime:     uptime,
	}
}

// quantile reads the q-th quantile from an ascending-sorted slice using the
// nearest-rank method. Returns 0 when the slice is empty.
func quantile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}
