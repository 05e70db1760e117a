package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

// ProducerConfig holds producer construction parameters.
type ProducerConfig struct {
	Brokers            []string
	ClientID           string
	Acks               string // "0", "1" or "all"
	Compression        string // "none", "gzip", "snappy", "lz4" or "zstd"
	BatchMaxBytes      int32
	Linger             time.Duration
	MaxBufferedRecords int
	DeliveryTimeout    time.Duration
	FlushTimeout       time.Duration
	Hooks              []kgo.Hook
}

// Producer wraps a kgo client with synchronous delivery, payload validation
// and correlation ID propagation. It implements domain.Publisher.
type Producer struct {
	client       *kgo.Client
	validate     *validator.Validate
	flushTimeout time.Duration
	closed       atomic.Bool
	metrics      *producerMetrics
}

// SendOption customizes a single send.
type SendOption func(*sendOptions)

type sendOptions struct {
	correlationID string
	headers       map[string]string
}

// WithCorrelationID overrides the correlation ID for one send.
func WithCorrelationID(id string) SendOption {
	return func(o *sendOptions) { o.correlationID = id }
}

// WithHeader attaches an extra header to one send.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// NewProducer constructs a Producer.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.NewProducer: no seed brokers provided")
	}

	acks, idempotent, err := requiredAcks(cfg.Acks)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}
	compression, err := batchCompression(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(acks),
		kgo.ProducerBatchCompression(compression),
	}
	if !idempotent {
		// Idempotent produce requires acks=all.
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.BatchMaxBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(cfg.BatchMaxBytes))
	}
	if cfg.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(cfg.Linger))
	}
	if cfg.MaxBufferedRecords > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBufferedRecords))
	}
	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}
	if len(cfg.Hooks) > 0 {
		opts = append(opts, kgo.WithHooks(cfg.Hooks...))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.NewProducer: %w", err)
	}

	flushTimeout := cfg.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = 15 * time.Second
	}

	slog.Info("kafka producer created",
		slog.Any("brokers", cfg.Brokers),
		slog.String("acks", cfg.Acks),
		slog.String("compression", cfg.Compression))

	return &Producer{
		client:       client,
		validate:     validator.New(),
		flushTimeout: flushTimeout,
		metrics:      newProducerMetrics(),
	}, nil
}

func requiredAcks(acks string) (kgo.Acks, bool, error) {
	switch acks {
	case "0":
		return kgo.NoAck(), false, nil
	case "1":
		return kgo.LeaderAck(), false, nil
	case "", "all":
		return kgo.AllISRAcks(), true, nil
	default:
		return kgo.AllISRAcks(), true, fmt.Errorf("unknown acks %q", acks)
	}
}

func batchCompression(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "", "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.NoCompression(), fmt.Errorf("unknown compression %q", name)
	}
}

// Send validates, marshals and synchronously produces one payload.
func (p *Producer) Send(ctx context.Context, topic, key string, payload any, opts ...SendOption) error {
	rec, err := p.buildRecord(ctx, topic, key, payload, opts...)
	if err != nil {
		return err
	}
	return p.produce(ctx, rec)
}

// SendBatch produces all messages and waits for every delivery. The first
// delivery error is returned.
func (p *Producer) SendBatch(ctx context.Context, topic string, msgs []domain.OutboundMessage, opts ...SendOption) error {
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		rec, err := p.buildRecord(ctx, topic, m.Key, m.Payload, opts...)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	return p.produce(ctx, recs...)
}

// Publish implements domain.Publisher.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload any) error {
	return p.Send(ctx, topic, key, payload)
}

// PublishBatch implements domain.Publisher.
func (p *Producer) PublishBatch(ctx context.Context, topic string, msgs []domain.OutboundMessage) error {
	return p.SendBatch(ctx, topic, msgs)
}

func (p *Producer) buildRecord(ctx context.Context, topic, key string, payload any, opts ...SendOption) (*kgo.Record, error) {
	if p.closed.Load() {
		return nil, domain.ErrProducerClosed
	}
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := validatePayload(p.validate, payload); err != nil {
		return nil, fmt.Errorf("op=kafka.Send: %w: %w", domain.ErrInvalidArgument, err)
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.Send: %w: %w", domain.ErrInvalidArgument, err)
	}

	corrID := o.correlationID
	if corrID == "" {
		corrID = observability.CorrelationIDFromContext(ctx)
	}
	if corrID == "" {
		corrID = NewCorrelationID()
	}

	headers := []kgo.RecordHeader{
		{Key: HeaderCorrelationID, Value: []byte(corrID)},
	}
	for k, v := range o.headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	return &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: headers,
	}, nil
}

func (p *Producer) produce(ctx context.Context, recs ...*kgo.Record) error {
	if p.closed.Load() {
		return domain.ErrProducerClosed
	}
	topic := recs[0].Topic
	start := time.Now()
	err := p.client.ProduceSync(ctx, recs...).FirstErr()
	elapsed := time.Since(start)
	observability.ProducerSendDuration.WithLabelValues(topic).Observe(elapsed.Seconds())

	if err != nil {
		p.metrics.recordFailure()
		observability.ProducerSendsTotal.WithLabelValues(topic, "error").Inc()
		return mapProduceError(topic, recs, elapsed, err)
	}

	bytes := 0
	for _, rec := range recs {
		bytes += len(rec.Value)
	}
	p.metrics.recordSend(bytes, elapsed)
	observability.ProducerSendsTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

// mapProduceError translates transport failures into the domain taxonomy so
// that callers can classify without importing kgo.
func mapProduceError(topic string, recs []*kgo.Record, elapsed time.Duration, err error) error {
	switch {
	case errors.Is(err, kerr.MessageTooLarge):
		bytes := 0
		for _, rec := range recs {
			bytes += len(rec.Value)
		}
		return &domain.MessageSizeError{Topic: topic, Bytes: bytes, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, kgo.ErrRecordTimeout):
		return &domain.PublishTimeoutError{Topic: topic, Elapsed: elapsed, Err: err}
	default:
		return &domain.PublisherError{Topic: topic, Err: err}
	}
}

// Stats returns a snapshot of the producer counters.
func (p *Producer) Stats() ProducerStats {
	return p.metrics.Snapshot()
}

// Client exposes the underlying kgo client for admin operations.
func (p *Producer) Client() *kgo.Client {
	return p.client
}

// Close flushes buffered records within the flush timeout and releases the
// client. Further sends fail with domain.ErrProducerClosed. Close is
// idempotent.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.flushTimeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("op=kafka.Close: flush: %w", err)
	}
	return nil
}
