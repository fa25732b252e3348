package batcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"stateflow/internal/metrics"
	"stateflow/logger"
)

// ErrClosed is returned by Add after Close.
var ErrClosed = errors.New("batcher is closed")

// Processor consumes one flushed batch. A context error returned here
// propagates to the flusher untouched; any other error marks the batch as
// consumed anyway. Delivery is at most once per flush because the items are
// coalesced hints, not a ledger.
type Processor[T any] func(ctx context.Context, batch []T) error

// Batcher accumulates items until a size threshold or a time threshold
// fires, then hands the buffer to the processor exactly once per flush.
// Producers and flushers serialize through a single mutex which is only held
// for in-memory work, never across the processor call.
type Batcher[T any] struct {
	name    string
	size    int
	window  time.Duration
	process Processor[T]
	log     *logger.Log

	mu     sync.Mutex
	items  []T
	timer  *time.Timer
	closed bool

	ctx context.Context
	wg  sync.WaitGroup
}

func New[T any](name string, size int, window time.Duration, process Processor[T], log *logger.Log) *Batcher[T] {
	if size < 1 {
		size = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Batcher[T]{
		name:    name,
		size:    size,
		window:  window,
		process: process,
		log:     log,
		ctx:     context.Background(),
	}
}

// Start binds the context used by timer-driven flushes. Idempotent start is
// not needed; the batcher accepts items immediately after construction.
func (b *Batcher[T]) Start(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

// Add appends one item to the current batch. The first item since the last
// flush arms the window timer; reaching the size threshold flushes
// immediately, cancelling the timer first.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	b.items = append(b.items, item)

	if len(b.items) >= b.size {
		b.stopTimerLocked()
		batch := b.items
		b.items = nil
		ctx := b.ctx
		// Reserve the wg slot before releasing the lock so a concurrent
		// Close cannot pass wg.Wait while this dispatch is still launching.
		b.wg.Add(1)
		b.mu.Unlock()

		// Dispatch off the producer goroutine so downstream I/O never
		// blocks the caller.
		go func() {
			defer b.wg.Done()
			b.dispatch(ctx, batch, "size")
		}()
		return nil
	}

	if len(b.items) == 1 {
		b.armTimerLocked()
	}
	b.mu.Unlock()
	return nil
}

// Flush drains the current batch on demand. A no-op on an empty batch.
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	b.stopTimerLocked()
	batch := b.items
	b.items = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.dispatch(ctx, batch, "manual")
}

// Close stops accepting items, flushes the remainder and waits for every
// in-flight timer and dispatch to finish. A timer that already fired is
// awaited, never abandoned.
func (b *Batcher[T]) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.Flush(ctx)
	b.wg.Wait()
	return err
}

// Len reports the number of items waiting in the current batch.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Batcher[T]) armTimerLocked() {
	b.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(b.window, func() {
		defer b.wg.Done()
		b.mu.Lock()
		// A concurrent flush may have replaced this timer already; only a
		// still-current timer owns the pending batch.
		if b.timer != t {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		batch := b.items
		b.items = nil
		ctx := b.ctx
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		b.dispatch(ctx, batch, "timer")
	})
	b.timer = t
}

// stopTimerLocked cancels a pending timer. When Stop reports the timer
// already fired its goroutine owns the wg slot and will release it itself.
func (b *Batcher[T]) stopTimerLocked() {
	if b.timer == nil {
		return
	}
	if b.timer.Stop() {
		b.wg.Done()
	}
	b.timer = nil
}

func (b *Batcher[T]) dispatch(ctx context.Context, batch []T, reason string) error {
	log := b.log.WithComponent(b.name).WithFields(logger.Fields{
		"flush_id":   uuid.New().String(),
		"batch_size": len(batch),
		"reason":     reason,
	})

	start := time.Now()
	err := b.process(ctx, batch)
	metrics.IncFlush(len(batch))
	logger.IncrementBatchFlushed()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// The batch is consumed regardless: these are coalesced hints and
		// producers must not be blocked on a downstream retry.
		log.WithError(err).Error("flush processing failed")
		return fmt.Errorf("flush of %d items failed: %w", len(batch), err)
	}

	logger.LogPerformanceEntry(log, b.name, "flush", time.Since(start), logger.Fields{
		"batch_size": len(batch),
	})
	return nil
}
