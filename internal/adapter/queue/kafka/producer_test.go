package kafka

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quantbed/backtestd/internal/domain"
	"github.com/quantbed/backtestd/internal/observability"
)

type testPayload struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func newTestCluster(t *testing.T, topics ...string) []string {
	t.Helper()
	fake, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, topics...))
	require.NoError(t, err)
	t.Cleanup(fake.Close)
	return fake.ListenAddrs()
}

func newTestProducer(t *testing.T, addrs []string) *Producer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{
		Brokers:      addrs,
		Acks:         "all",
		Compression:  "none",
		FlushTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// fetchRecords consumes up to want records from topic, or fewer on timeout.
func fetchRecords(t *testing.T, addrs []string, topic string, want int, timeout time.Duration) []*kgo.Record {
	t.Helper()
	cl, err := kgo.NewClient(kgo.SeedBrokers(addrs...), kgo.ConsumeTopics(topic))
	require.NoError(t, err)
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var out []*kgo.Record
	for len(out) < want {
		fetches := cl.PollFetches(ctx)
		if ctx.Err() != nil {
			break
		}
		fetches.EachRecord(func(r *kgo.Record) { out = append(out, r) })
	}
	return out
}

func TestProducerRoundTrip(t *testing.T) {
	const topic = "producer-roundtrip"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	payload := testPayload{Name: "sma", Count: 3}
	require.NoError(t, p.Send(context.Background(), topic, "GAZP:1h", payload))

	recs := fetchRecords(t, addrs, topic, 1, 10*time.Second)
	require.Len(t, recs, 1)
	assert.Equal(t, "GAZP:1h", string(recs[0].Key))

	var got testPayload
	require.NoError(t, json.Unmarshal(recs[0].Value, &got))
	assert.Equal(t, payload, got)

	headers := headerMap(recs[0].Headers)
	assert.NotEmpty(t, headers[HeaderCorrelationID])

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestProducerPropagatesCorrelationID(t *testing.T) {
	const topic = "producer-correlation"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	ctx := observability.ContextWithCorrelationID(context.Background(), "corr-from-ctx")
	require.NoError(t, p.Send(ctx, topic, "k", testPayload{Name: "a"}))
	require.NoError(t, p.Send(ctx, topic, "k", testPayload{Name: "b"}, WithCorrelationID("corr-explicit")))

	recs := fetchRecords(t, addrs, topic, 2, 10*time.Second)
	require.Len(t, recs, 2)
	assert.Equal(t, "corr-from-ctx", headerMap(recs[0].Headers)[HeaderCorrelationID])
	assert.Equal(t, "corr-explicit", headerMap(recs[1].Headers)[HeaderCorrelationID])
}

func TestProducerRejectsInvalidPayload(t *testing.T) {
	const topic = "producer-validation"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	err := p.Send(context.Background(), topic, "k", testPayload{Name: "", Count: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	recs := fetchRecords(t, addrs, topic, 1, 500*time.Millisecond)
	assert.Empty(t, recs)
}

func TestProducerSendBatch(t *testing.T) {
	const topic = "producer-batch"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	msgs := []domain.OutboundMessage{
		{Key: "a", Payload: testPayload{Name: "one"}},
		{Key: "b", Payload: testPayload{Name: "two"}},
		{Key: "c", Payload: testPayload{Name: "three"}},
	}
	require.NoError(t, p.SendBatch(context.Background(), topic, msgs))

	recs := fetchRecords(t, addrs, topic, 3, 10*time.Second)
	require.Len(t, recs, 3)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Sent)
}

func TestProducerClosedRejectsSends(t *testing.T) {
	const topic = "producer-closed"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	require.NoError(t, p.Close())
	err := p.Send(context.Background(), topic, "k", testPayload{Name: "x"})
	assert.ErrorIs(t, err, domain.ErrProducerClosed)

	// Close is idempotent.
	assert.NoError(t, p.Close())
}

func TestProducerExtraHeaders(t *testing.T) {
	const topic = "producer-headers"
	addrs := newTestCluster(t, topic)
	p := newTestProducer(t, addrs)

	require.NoError(t, p.Send(context.Background(), topic, "k", testPayload{Name: "x"},
		WithHeader("x-task-type", "moex_candles")))

	recs := fetchRecords(t, addrs, topic, 1, 10*time.Second)
	require.Len(t, recs, 1)
	assert.Equal(t, "moex_candles", headerMap(recs[0].Headers)["x-task-type"])
}
