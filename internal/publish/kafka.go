package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"retap/internal/config"
	"retap/internal/model"
)

type Publisher interface {
	Publish(ctx context.Context, res model.RecordingResult) error
	Close() error
}

// KafkaPublisher writes one message per analyzed recording, keyed by the
// recording id.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func New(cfg config.PublishConfig) Publisher {
	if !cfg.Enabled {
		return nil
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, res model.RecordingResult) error {
	msg, err := Message(res)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", res.ID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func Message(res model.RecordingResult) (kafka.Message, error) {
	value, err := json.Marshal(res)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(res.ID),
		Value: value,
		Time:  res.AnalyzedAt,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}
