package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/config"
	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// ManifestWriter publishes bundle manifests to a Kafka topic.
type ManifestWriter struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewManifestWriter creates a Kafka producer for the configured manifest topic.
func NewManifestWriter(cfg *config.Config, logger *slog.Logger) *ManifestWriter {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaManifestTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &ManifestWriter{writer: w, logger: logger}
}

// Publish writes the manifest keyed by dataset and date range, so rebuilds of
// the same range land on the same partition.
func (w *ManifestWriter) Publish(ctx context.Context, m domain.Manifest) error {
	msg, err := serializeToMessage(m)
	if err != nil {
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	w.logger.Info("manifest published", "topic", w.writer.Topic, "key", m.Key())
	return nil
}

// Close flushes pending messages and closes the producer.
func (w *ManifestWriter) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Manifest into a Kafka message.
func serializeToMessage(m domain.Manifest) (kafkago.Message, error) {
	data, err := m.Marshal()
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(m.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "dataset", Value: []byte(m.Dataset)},
			{Key: "created_at", Value: []byte(m.CreatedAt.Format(time.RFC3339))},
		},
	}, nil
}
