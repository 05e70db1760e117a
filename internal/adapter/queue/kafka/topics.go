package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQTopic derives the dead letter topic name for a source topic.
func DLQTopic(topic, suffix string) string {
	return topic + suffix
}

// EnsureTopics creates the given topics if they do not exist yet. A topic
// that already exists is not an error.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32, replicationFactor int16, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	if partitions <= 0 {
		return fmt.Errorf("op=kafka.EnsureTopics: partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("op=kafka.EnsureTopics: replication factor must be greater than 0")
	}

	adm := kadm.NewClient(client)
	resps, err := adm.CreateTopics(ctx, partitions, replicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("op=kafka.EnsureTopics: %w", err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil {
			if errors.Is(resp.Err, kerr.TopicAlreadyExists) {
				slog.Debug("topic already exists", slog.String("topic", resp.Topic))
				continue
			}
			return fmt.Errorf("op=kafka.EnsureTopics: create %s: %w", resp.Topic, resp.Err)
		}
		slog.Info("topic created",
			slog.String("topic", resp.Topic),
			slog.Int("partitions", int(partitions)),
			slog.Int("replication_factor", int(replicationFactor)))
	}
	return nil
}
