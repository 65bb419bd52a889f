// Package kafka publishes sync events so other mirrors on the network can
// refresh the partitions that changed.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/ok-offline-sync/internal/config"
	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
)

// messageWriter is the subset of *kafkago.Writer the notifier uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces sync events to a Kafka topic.
// It implements pipeline.Notifier.
type Writer struct {
	writer  messageWriter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWriter creates a Kafka producer for the configured sync topic.
func NewWriter(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaSyncTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           10 * time.Second,
	}
	return &Writer{writer: w, logger: logger, metrics: metrics}
}

// NotifySync publishes one sync event keyed by its partition, so events for
// the same partition stay ordered.
func (w *Writer) NotifySync(ctx context.Context, event domain.SyncEvent) error {
	msg, err := serializeToMessage(event)
	if err != nil {
		w.metrics.SyncEvents.WithLabelValues("error").Inc()
		return err
	}
	if err := w.writer.WriteMessages(ctx, msg); err != nil {
		w.metrics.SyncEvents.WithLabelValues("error").Inc()
		return fmt.Errorf("publish sync event %s: %w", event.Key(), err)
	}
	w.metrics.SyncEvents.WithLabelValues("published").Inc()
	w.logger.Debug("sync event published", "key", event.Key(), "run_id", event.RunID)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a SyncEvent into a Kafka message.
func serializeToMessage(event domain.SyncEvent) (kafkago.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize sync event: %w", err)
	}
	eventType := "sync_succeeded"
	if !event.Success {
		eventType = "sync_failed"
	}
	return kafkago.Message{
		Key:   []byte(event.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "synced_at", Value: []byte(event.Timestamp.Format(time.RFC3339))},
		},
	}, nil
}
