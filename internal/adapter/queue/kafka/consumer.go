package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sourcegraph/conc/pool"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// Handler processes one decoded message. A nil return releases the offset.
// A domain.FatalError parks the message immediately; any other error is
// retried with the configured delays and then parked.
type Handler[T any] func(ctx context.Context, msg Message[T]) error

// ConsumerConfig holds consumer construction parameters.
type ConsumerConfig struct {
	Brokers        []string
	Group          string
	Topic          string
	ClientID       string
	MaxConcurrent  int
	MaxPollRecords int
	MaxRetries     int
	RetryDelays    []time.Duration
	DLQSuffix      string
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	Hooks          []kgo.Hook
}

func (cfg *ConsumerConfig) setDefaults() {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	}
	if cfg.DLQSuffix == "" {
		cfg.DLQSuffix = ".dlq"
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 60 * time.Second
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 5 * time.Second
	}
}

// Consumer fetches records from one topic, decodes them into T and runs the
// handler under bounded concurrency. Offsets advance gap-free through the
// tracker; the bounded queue exerts backpressure on polling.
type Consumer[T any] struct {
	cfg      ConsumerConfig
	client   *kgo.Client
	handler  Handler[T]
	validate *validator.Validate
	tracker  *OffsetTracker
	dlq      *dlqWriter
	metrics  *consumerMetrics
	queue    chan *kgo.Record
	inFlight atomic.Int64
}

// NewConsumer constructs a consumer for one topic and consumer group.
func NewConsumer[T any](cfg ConsumerConfig, handler Handler[T]) (*Consumer[T], error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewConsumer: no seed brokers provided")
	}
	if cfg.Group == "" {
		return nil, fmt.Errorf("op=kafka.NewConsumer: missing required group ID")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("op=kafka.NewConsumer: missing required topic")
	}
	if handler == nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: nil handler")
	}
	cfg.setDefaults()

	c := &Consumer[T]{
		cfg:      cfg,
		handler:  handler,
		validate: validator.New(),
		dlq:      newDLQWriter(cfg.Brokers, cfg.DLQSuffix, cfg.Hooks),
		metrics:  newConsumerMetrics(),
		queue:    make(chan *kgo.Record, cfg.MaxPollRecords),
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			c.tracker.Drop(revoked)
		}),
		kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, lost map[string][]int32) {
			c.tracker.Drop(lost)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if len(cfg.Hooks) > 0 {
		opts = append(opts, kgo.WithHooks(cfg.Hooks...))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewConsumer: client: %w", err)
	}
	c.client = client
	c.tracker = NewOffsetTracker(client)

	slog.Info("kafka consumer created",
		slog.Any("brokers", cfg.Brokers),
		slog.String("group", cfg.Group),
		slog.String("topic", cfg.Topic),
		slog.Int("max_concurrent", cfg.MaxConcurrent))
	return c, nil
}

// Run consumes until ctx is cancelled, then shuts down in two phases: first
// polling stops and in-flight handlers get SoftTimeout to drain, then their
// contexts are cancelled and they get HardTimeout to unwind. Run returns nil
// after shutdown completes.
func (c *Consumer[T]) Run(ctx context.Context) error {
	slog.Info("kafka consumer starting",
		slog.String("group", c.cfg.Group),
		slog.String("topic", c.cfg.Topic))

	pollCtx, pollCancel := context.WithCancel(ctx)
	defer pollCancel()
	// Handlers run on a context detached from ctx so that the soft phase can
	// let them finish after shutdown begins.
	procCtx, procCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer procCancel()

	go c.poll(pollCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		workers := pool.New().WithMaxGoroutines(c.cfg.MaxConcurrent)
		for rec := range c.queue {
			workers.Go(func() { c.processRecord(procCtx, rec) })
		}
		workers.Wait()
	}()

	<-ctx.Done()
	slog.Info("kafka consumer shutdown initiated", slog.String("topic", c.cfg.Topic))
	pollCancel()

	soft := time.NewTimer(c.cfg.SoftTimeout)
	defer soft.Stop()
	select {
	case <-done:
	case <-soft.C:
		cancelled := c.inFlight.Load()
		slog.Warn("soft shutdown window elapsed; cancelling in-flight handlers",
			slog.String("topic", c.cfg.Topic),
			slog.Int64("cancelled_tasks", cancelled))
		procCancel()
		hard := time.NewTimer(c.cfg.HardTimeout)
		defer hard.Stop()
		select {
		case <-done:
		case <-hard.C:
			slog.Error("hard shutdown window elapsed; abandoning handlers",
				slog.String("topic", c.cfg.Topic),
				slog.Int64("abandoned_tasks", c.inFlight.Load()))
		}
	}

	c.dlq.close()
	c.client.Close()

	stats := c.metrics.Snapshot()
	slog.Info("kafka consumer stopped",
		slog.String("topic", c.cfg.Topic),
		slog.Int64("received", stats.Received),
		slog.Int64("processed", stats.Processed),
		slog.Int64("dlq_sent", stats.DLQSent))
	return nil
}

// poll fetches records and feeds the bounded queue. A full queue blocks the
// fetch loop, which is the backpressure that keeps at most MaxPollRecords
// records buffered beyond the in-flight handlers.
func (c *Consumer[T]) poll(ctx context.Context) {
	defer close(c.queue)
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.tracker.MarkProcessing(rec)
			c.metrics.recordReceived()
			observability.MessagesReceivedTotal.WithLabelValues(rec.Topic).Inc()
			select {
			case c.queue <- rec:
			case <-ctx.Done():
				// Uncommitted; redelivered to the next owner.
			}
		})
	}
}

func (c *Consumer[T]) processRecord(ctx context.Context, rec *kgo.Record) {
	c.inFlight.Add(1)
	c.metrics.enter()
	observability.MessagesInFlight.WithLabelValues(rec.Topic).Inc()
	defer func() {
		c.inFlight.Add(-1)
		c.metrics.exit()
		observability.MessagesInFlight.WithLabelValues(rec.Topic).Dec()
	}()

	msg, err := c.decode(rec)
	if err != nil {
		c.metrics.recordValidationError()
		observability.ValidationErrorsTotal.WithLabelValues(rec.Topic).Inc()
		preview := rec.Value
		if len(preview) > 100 {
			preview = preview[:100]
		}
		slog.Warn("dropping undecodable message",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset),
			slog.String("value_preview", string(preview)),
			slog.Any("error", err))
		c.release(ctx, rec)
		return
	}

	lg := observability.LoggerFromContext(ctx).With(
		slog.String("topic", rec.Topic),
		slog.Int("partition", int(rec.Partition)),
		slog.Int64("offset", rec.Offset))
	if msg.CorrelationID != "" {
		lg = lg.With(slog.String("correlation_id", msg.CorrelationID))
		ctx = observability.ContextWithCorrelationID(ctx, msg.CorrelationID)
	}
	ctx = observability.ContextWithLogger(ctx, lg)

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := c.safeHandle(ctx, msg)
		elapsed := time.Since(start)
		c.metrics.observeLatency(elapsed)
		observability.HandlerDuration.WithLabelValues(rec.Topic).Observe(elapsed.Seconds())

		if err == nil {
			c.release(ctx, rec)
			c.metrics.recordProcessed()
			observability.MessagesProcessedTotal.WithLabelValues(rec.Topic).Inc()
			return
		}

		c.metrics.recordHandlerError()
		observability.HandlerErrorsTotal.WithLabelValues(rec.Topic).Inc()

		if ctx.Err() != nil {
			lg.Warn("handler cancelled during shutdown", slog.Any("error", err))
			c.markFailed(rec)
			return
		}
		if domain.IsFatal(err) {
			lg.Error("fatal handler error; parking message", slog.Any("error", err))
			c.park(ctx, rec, lg, err, attempt)
			return
		}

		c.metrics.recordRetry()
		observability.HandlerRetriesTotal.WithLabelValues(rec.Topic).Inc()
		delay := c.retryDelay(attempt)
		lg.Warn("handler failed; backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.markFailed(rec)
			return
		}
		if attempt >= c.cfg.MaxRetries {
			c.park(ctx, rec, lg, &domain.MaxRetriesExceededError{Attempts: attempt, Last: err}, attempt)
			return
		}
	}
}

// decode unmarshals and validates the record payload.
func (c *Consumer[T]) decode(rec *kgo.Record) (Message[T], error) {
	var payload T
	if err := json.Unmarshal(rec.Value, &payload); err != nil {
		return Message[T]{}, fmt.Errorf("op=kafka.decode: %w", err)
	}
	if err := validatePayload(c.validate, payload); err != nil {
		return Message[T]{}, fmt.Errorf("op=kafka.validate: %w", err)
	}
	headers := headerMap(rec.Headers)
	return Message[T]{
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           string(rec.Key),
		CorrelationID: headers[HeaderCorrelationID],
		Timestamp:     rec.Timestamp,
		Headers:       headers,
		Payload:       payload,
	}, nil
}

// safeHandle invokes the handler and converts a panic into an error so that
// a panicking handler goes through the normal retry and DLQ path.
func (c *Consumer[T]) safeHandle(ctx context.Context, msg Message[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, msg)
}

// park writes the record to the dead letter topic, then releases the offset.
// A failed DLQ publish leaves the offset uncommitted instead, so the message
// redelivers rather than vanishing.
func (c *Consumer[T]) park(ctx context.Context, rec *kgo.Record, lg *slog.Logger, cause error, attempts int) {
	if err := c.dlq.publish(ctx, rec, cause, attempts); err != nil {
		lg.Error("dead letter publish failed; leaving offset uncommitted", slog.Any("error", err))
		c.markFailed(rec)
		return
	}
	c.metrics.recordDLQ()
	observability.DLQMessagesTotal.WithLabelValues(rec.Topic).Inc()
	lg.Info("message parked on dead letter topic",
		slog.Int("attempts", attempts),
		slog.String("cause", cause.Error()))
	c.release(ctx, rec)
}

func (c *Consumer[T]) release(ctx context.Context, rec *kgo.Record) {
	if err := c.tracker.MarkProcessed(ctx, rec); err != nil {
		slog.Warn("offset commit failed",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
	}
}

func (c *Consumer[T]) markFailed(rec *kgo.Record) {
	c.tracker.MarkFailed(rec)
	c.metrics.recordFailed()
	observability.MessagesFailedTotal.WithLabelValues(rec.Topic).Inc()
}

func (c *Consumer[T]) retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(c.cfg.RetryDelays) {
		idx = len(c.cfg.RetryDelays) - 1
	}
	return c.cfg.RetryDelays[idx]
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer[T]) Stats() ConsumerStats {
	return c.metrics.Snapshot()
}

// Topic returns the topic this consumer is bound to.
func (c *Consumer[T]) Topic() string {
	return c.cfg.Topic
}
