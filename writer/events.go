package writer

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "stateflow/config"
	"stateflow/logger"
	"stateflow/models"
)

// EventWriter publishes counter flush events to a Kafka topic so downstream
// consumers can follow the aggregate counters without polling the store.
type EventWriter struct {
	writer *kafka.Writer
	log    *logger.Log
}

func NewEventWriter(cfg appconfig.EventsConfig, log *logger.Log) (*EventWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	ew := &EventWriter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(cfg.Brokers...),
			Topic:    cfg.Topic,
			Balancer: &kafka.LeastBytes{},
		},
		log: log,
	}
	ew.log.WithComponent("event_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("event writer initialized")
	return ew, nil
}

// Publish sends one flush event. Errors surface to the caller; the pipeline
// treats a failed publish as a logged warning, not a reason to retry the
// batch.
func (ew *EventWriter) Publish(ctx context.Context, event models.CounterFlushEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal flush event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.BatchID),
		Value: data,
	}
	if err := ew.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write flush event: %w", err)
	}
	ew.log.WithComponent("event_writer").WithFields(logger.Fields{
		"batch_id": event.BatchID,
		"records":  event.RecordCount,
	}).Debug("flush event written")
	return nil
}

func (ew *EventWriter) Close() {
	if err := ew.writer.Close(); err != nil {
		ew.log.WithComponent("event_writer").WithError(err).Warn("failed to close kafka writer")
	}
}
