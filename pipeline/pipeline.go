// Package pipeline wires one change-listener/batcher pair to the metadata
// store: accepted change events coalesce into per-service increments which a
// flush applies in bulk, optionally announcing each flush on Kafka.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	appconfig "stateflow/config"
	"stateflow/batcher"
	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/models"
	"stateflow/redisstore"
)

// FlushPublisher announces applied counter batches to downstream consumers.
type FlushPublisher interface {
	Publish(ctx context.Context, event models.CounterFlushEvent) error
}

// CounterPipeline owns the pending-update buffer for one listener. Multiple
// independent pipelines can coexist; nothing here is process-global.
type CounterPipeline struct {
	store     *redisstore.MetadataStore
	publisher FlushPublisher
	log       *logger.Log
	batch     *batcher.Batcher[services.Service]
}

func New(cfg appconfig.BatcherConfig, store *redisstore.MetadataStore, publisher FlushPublisher, log *logger.Log) *CounterPipeline {
	p := &CounterPipeline{
		store:     store,
		publisher: publisher,
		log:       log,
	}
	p.batch = batcher.New("counter_batch", cfg.BatchSize, cfg.Window(), p.apply, log)
	return p
}

// Batcher exposes the pending-update buffer the listener feeds.
func (p *CounterPipeline) Batcher() *batcher.Batcher[services.Service] {
	return p.batch
}

// Start binds the context used for timer-driven flushes.
func (p *CounterPipeline) Start(ctx context.Context) {
	p.batch.Start(ctx)
}

// Stop flushes the remaining increments and waits for in-flight work.
func (p *CounterPipeline) Stop(ctx context.Context) error {
	return p.batch.Close(ctx)
}

// apply coalesces one flushed batch into per-service counts and writes each
// through the metadata store. A failure for one service must not block the
// others; the first error is reported after every service was attempted.
func (p *CounterPipeline) apply(ctx context.Context, batch []services.Service) error {
	counts := make(map[string]int64, len(batch))
	for _, svc := range batch {
		counts[string(svc)]++
	}

	log := p.log.WithComponent("counter_batch")

	var firstErr error
	for name, n := range counts {
		if err := p.store.IncrementServiceCount(ctx, services.Service(name), n); err != nil {
			if redisstore.IsCancellation(err) {
				return err
			}
			log.WithError(err).WithFields(logger.Fields{"service": name, "count": n}).
				Error("failed to apply counter increment")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if p.publisher != nil {
		event := models.CounterFlushEvent{
			BatchID:     uuid.New().String(),
			Counts:      counts,
			RecordCount: len(batch),
			Timestamp:   time.Now(),
		}
		if err := p.publisher.Publish(ctx, event); err != nil {
			if redisstore.IsCancellation(err) {
				return err
			}
			log.WithError(err).Warn("failed to publish flush event")
		}
	}

	return firstErr
}
