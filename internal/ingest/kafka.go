package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"retap/internal/config"
	"retap/internal/model"
	"retap/internal/normalize"
)

// StartKafka consumes JSON job requests from a topic.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Job, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
	go func() {
		defer reader.Close()
		backoff := Backoff{Min: 200 * time.Millisecond, Max: 10 * time.Second}
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !backoff.Sleep(ctx) {
					return
				}
				continue
			}
			backoff.Reset()
			job, err := JobFromMessage(m, cfg.Get())
			if err != nil {
				if logger != nil {
					logger.Warn("kafka job rejected", "offset", m.Offset, "err", err)
				}
				continue
			}
			SendNonBlocking(ctx, out, job, logger)
		}
	}()
}

// JobFromMessage turns one message into a job. A message key names the
// recording when the value does not.
func JobFromMessage(m kafka.Message, cfg *config.Config) (model.Job, error) {
	fields, err := ParseJobBytes(m.Value)
	if err != nil {
		return model.Job{}, err
	}
	if fields.ID == "" && len(m.Key) > 0 {
		fields.ID = string(m.Key)
	}
	if fields.Source == "" {
		fields.Source = "kafka"
	}
	return normalize.Normalize(fields, cfg)
}
