package communicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bilal/fleet-tracker/internal/config"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaProducer streams sync points and drain reports. Messages are keyed by
// device id so one device keeps its order within a partition.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(cfg *config.Config) (*KafkaProducer, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireOne),
	})

	log.Info().
		Str("component", "kafka").
		Strs("brokers", cfg.Kafka.Brokers).
		Str("topic", cfg.Kafka.Topic).
		Msg("kafka producer initialized")

	return &KafkaProducer{writer: writer}, nil
}

// NewPublisher returns a Kafka producer when brokers are configured and a
// NopPublisher otherwise.
func NewPublisher(cfg *config.Config) (Publisher, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return NopPublisher{}, nil
	}
	return NewKafkaProducer(cfg)
}

func (p *KafkaProducer) PublishSyncPoint(ctx context.Context, ev SyncPointEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	return p.write(ctx, "sync_point", ev.DeviceID, ev)
}

func (p *KafkaProducer) PublishDrain(ctx context.Context, ev DrainEvent) error {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	return p.write(ctx, "drain", ev.DeviceID, ev)
}

func (p *KafkaProducer) write(ctx context.Context, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	log.Info().Str("component", "kafka").Msg("closing kafka producer")
	return p.writer.Close()
}
