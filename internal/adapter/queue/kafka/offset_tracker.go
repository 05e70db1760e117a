package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Committer commits consumed records back to the broker. *kgo.Client
// satisfies it.
type Committer interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

type offsetStatus uint8

const (
	statusProcessing offsetStatus = iota
	statusProcessed
	statusFailed
)

type topicPartition struct {
	topic     string
	partition int32
}

// partitionState tracks per-offset outcomes for one partition. committed is
// the highest offset known durable on the broker; only a contiguous run of
// processed offsets above it may be committed.
type partitionState struct {
	mu        sync.Mutex
	statuses  map[int64]offsetStatus
	records   map[int64]*kgo.Record
	committed int64
}

// OffsetTracker guarantees gap-free commits: an offset is committed only
// when every lower offset of the same partition has been processed. Records
// that fail terminally block the watermark so the broker redelivers them
// after a restart or rebalance.
type OffsetTracker struct {
	mu        sync.Mutex
	parts     map[topicPartition]*partitionState
	committer Committer
}

// NewOffsetTracker constructs a tracker committing through the given client.
func NewOffsetTracker(committer Committer) *OffsetTracker {
	return &OffsetTracker{
		parts:     make(map[topicPartition]*partitionState),
		committer: committer,
	}
}

func (t *OffsetTracker) state(rec *kgo.Record, create bool) *partitionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := topicPartition{topic: rec.Topic, partition: rec.Partition}
	s, ok := t.parts[key]
	if !ok && create {
		s = &partitionState{
			statuses:  make(map[int64]offsetStatus),
			records:   make(map[int64]*kgo.Record),
			committed: rec.Offset - 1,
		}
		t.parts[key] = s
	}
	return s
}

// MarkProcessing registers a fetched record before it is dispatched.
func (t *OffsetTracker) MarkProcessing(rec *kgo.Record) {
	s := t.state(rec, true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[rec.Offset] = statusProcessing
	s.records[rec.Offset] = rec
}

// MarkProcessed releases an offset and commits the new contiguous watermark
// when it advanced. On commit failure the tracker state is retained so the
// commit is retried the next time the watermark moves.
func (t *OffsetTracker) MarkProcessed(ctx context.Context, rec *kgo.Record) error {
	s := t.state(rec, false)
	if s == nil {
		// Partition was revoked while the record was in flight. The new
		// owner will redeliver it.
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses[rec.Offset] = statusProcessed

	watermark := s.committed
	for {
		st, ok := s.statuses[watermark+1]
		if !ok || st != statusProcessed {
			break
		}
		watermark++
	}
	if watermark == s.committed {
		return nil
	}

	head, ok := s.records[watermark]
	if !ok {
		return fmt.Errorf("op=kafka.MarkProcessed: no record for watermark offset %d", watermark)
	}
	if err := t.committer.CommitRecords(ctx, head); err != nil {
		slog.Warn("offset commit failed; will retry on next advance",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("watermark", watermark),
			slog.Any("error", err))
		return fmt.Errorf("op=kafka.MarkProcessed: commit: %w", err)
	}

	for o := s.committed + 1; o <= watermark; o++ {
		delete(s.statuses, o)
		delete(s.records, o)
	}
	s.committed = watermark
	return nil
}

// MarkFailed pins an offset as terminally failed. The watermark cannot pass
// it, so the broker keeps redelivering from this point after restart.
func (t *OffsetTracker) MarkFailed(rec *kgo.Record) {
	s := t.state(rec, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[rec.Offset] = statusFailed
}

// Drop forgets all tracked state for partitions that were revoked or lost.
func (t *OffsetTracker) Drop(revoked map[string][]int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for topic, partitions := range revoked {
		for _, partition := range partitions {
			delete(t.parts, topicPartition{topic: topic, partition: partition})
		}
	}
}

// Committed reports the committed watermark for one partition, or -1 when
// the partition is untracked.
func (t *OffsetTracker) Committed(topic string, partition int32) int64 {
	t.mu.Lock()
	s, ok := t.parts[topicPartition{topic: topic, partition: partition}]
	t.mu.Unlock()
	if !ok {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

// Pending reports how many offsets are still tracked for one partition.
func (t *OffsetTracker) Pending(topic string, partition int32) int {
	t.mu.Lock()
	s, ok := t.parts[topicPartition{topic: topic, partition: partition}]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}
