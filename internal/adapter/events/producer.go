// Package events publishes job lifecycle events to Kafka for the
// settlement audit stream. Publishing is best effort: the callers treat a
// failed publish as a warning, never as a request failure.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/swarmos/swarmos/internal/domain"
)

// TopicJobEvents carries terminal job transitions.
const TopicJobEvents = "swarmos.job-events"

// Producer wraps a franz-go client and implements domain.EventPublisher.
type Producer struct {
	client *kgo.Client
	log    *slog.Logger
}

// NewProducer connects to the brokers and ensures the topic exists.
func NewProducer(brokers []string, log *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewProducer: no seed brokers")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, client, TopicJobEvents, 1, 1); err != nil {
		// The topic usually exists already; only log.
		log.Warn("create topic", slog.String("topic", TopicJobEvents), slog.Any("err", err))
	}
	return &Producer{client: client, log: log}, nil
}

// PublishJobEvent emits one event keyed by job id so per-job ordering holds.
func (p *Producer) PublishJobEvent(ctx domain.Context, ev domain.JobEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish job=%s: %w", ev.JobID, err)
	}
	record := &kgo.Record{
		Topic: TopicJobEvents,
		Key:   []byte(ev.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "type", Value: []byte(ev.Type)},
			{Key: "epoch_id", Value: []byte(ev.EpochID)},
		},
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish job=%s: %w", ev.JobID, err)
	}
	return nil
}

// Close flushes and shuts down the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
	return nil
}

func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicas int16) error {
	req := kmsg.NewCreateTopicsRequest()
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicas
	req.Topics = append(req.Topics, t)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return err
	}
	for _, rt := range resp.Topics {
		if rt.ErrorCode != 0 && rt.ErrorCode != 36 { // 36: topic already exists
			return fmt.Errorf("create topic %s: error code %d", rt.Topic, rt.ErrorCode)
		}
	}
	return nil
}
