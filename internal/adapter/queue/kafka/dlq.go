package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQRecord is the JSON envelope written to dead letter topics. Payload
// carries the original message bytes, which are valid JSON because only
// messages that decoded successfully can reach the DLQ.
type DLQRecord struct {
	Topic         string          `json:"topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

// dlqWriter lazily opens a dedicated producer client the first time a
// message must be parked. Consumers that never fail never pay for it.
type dlqWriter struct {
	mu      sync.Mutex
	brokers []string
	suffix  string
	hooks   []kgo.Hook
	client  *kgo.Client
}

func newDLQWriter(brokers []string, suffix string, hooks []kgo.Hook) *dlqWriter {
	return &dlqWriter{brokers: brokers, suffix: suffix, hooks: hooks}
}

func (w *dlqWriter) get() (*kgo.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return w.client, nil
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(w.brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}
	if len(w.hooks) > 0 {
		opts = append(opts, kgo.WithHooks(w.hooks...))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.dlq: client: %w", err)
	}
	slog.Info("dead letter producer created", slog.Any("brokers", w.brokers))
	w.client = client
	return client, nil
}

// publish parks one record on its dead letter topic and waits for the ack.
func (w *dlqWriter) publish(ctx context.Context, rec *kgo.Record, cause error, attempts int) error {
	client, err := w.get()
	if err != nil {
		return err
	}

	env := DLQRecord{
		Topic:         rec.Topic,
		Partition:     rec.Partition,
		Offset:        rec.Offset,
		Key:           string(rec.Key),
		Payload:       json.RawMessage(rec.Value),
		Error:         cause.Error(),
		Attempts:      attempts,
		CorrelationID: headerMap(rec.Headers)[HeaderCorrelationID],
		FailedAt:      time.Now().UTC(),
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=kafka.dlq: marshal: %w", err)
	}

	out := &kgo.Record{
		Topic:   DLQTopic(rec.Topic, w.suffix),
		Key:     rec.Key,
		Value:   value,
		Headers: rec.Headers,
	}
	if err := client.ProduceSync(ctx, out).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.dlq: produce: %w", err)
	}
	return nil
}

func (w *dlqWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		w.client.Close()
		w.client = nil
	}
}
