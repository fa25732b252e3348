// Package reconciler rebuilds the derived aggregates from the raw history
// collections: once at startup, and periodically for the rolling windows.
package reconciler

import (
	"context"
	"time"

	appconfig "stateflow/config"
	"stateflow/internal/metrics"
	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/redisstore"
)

const (
	hourWindow      = time.Hour
	sixtyFiveWindow = 65 * time.Minute
	minuteWindow    = time.Minute
)

// WindowReconciler recomputes the rolling-window counts per service on a
// fixed period by rescanning the raw history. Recomputing beats maintaining
// the windows incrementally: entries age out of a window without any event
// firing.
type WindowReconciler struct {
	cfg   appconfig.ReconcilerConfig
	store *redisstore.MetadataStore
	log   *logger.Log
}

func NewWindowReconciler(cfg appconfig.ReconcilerConfig, store *redisstore.MetadataStore, log *logger.Log) *WindowReconciler {
	return &WindowReconciler{cfg: cfg, store: store, log: log}
}

// Run loops until the context is cancelled.
func (r *WindowReconciler) Run(ctx context.Context) error {
	log := r.log.WithComponent("window_reconciler")
	log.WithFields(logger.Fields{"interval": r.cfg.Interval().String()}).Info("starting window reconciler")

	ticker := time.NewTicker(r.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("window reconciler stopped")
			return nil
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce recomputes windows for every known service. A failure for
// one service never prevents reconciliation of the others.
func (r *WindowReconciler) ReconcileOnce(ctx context.Context) {
	log := r.log.WithComponent("window_reconciler")
	start := time.Now()

	known, err := r.store.ListServices(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list services, skipping cycle")
		return
	}

	for _, svc := range known {
		if ctx.Err() != nil {
			return
		}
		if err := r.reconcileService(ctx, svc); err != nil {
			if redisstore.IsCancellation(err) {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"service": string(svc)}).
				Error("failed to reconcile service windows")
		}
	}

	metrics.IncReconcile()
	logger.IncrementReconcileCycle()
	logger.LogPerformanceEntry(log, "window_reconciler", "reconcile_cycle", time.Since(start), logger.Fields{
		"services": len(known),
	})
}

func (r *WindowReconciler) reconcileService(ctx context.Context, svc services.Service) error {
	log := r.log.WithComponent("window_reconciler").WithFields(logger.Fields{"service": string(svc)})

	now := time.Now()
	hourCutoff := float64(now.Add(-hourWindow).UnixNano()) / 1e9
	sixtyFiveCutoff := float64(now.Add(-sixtyFiveWindow).UnixNano()) / 1e9
	minuteCutoff := float64(now.Add(-minuteWindow).UnixNano()) / 1e9

	var hour, minute, sixtyFive int64
	for _, key := range r.store.HistoryKeys(svc) {
		if err := r.store.CheckHistoryKey(ctx, key); err != nil {
			if _, wrong := err.(*redisstore.WrongTypeError); wrong {
				// Never coerce a type mismatch; manual cleanup required.
				log.WithError(err).WithFields(logger.Fields{"key": key}).
					Warn("history key has unexpected type, skipping this cycle")
				continue
			}
			return err
		}

		// 65 minutes is the widest window; one fetch covers all three.
		entries, err := r.store.HistoryEntriesSince(ctx, key, sixtyFiveCutoff)
		if err != nil {
			return err
		}

		// One pass over the raw entries buckets every window at once.
		for _, e := range entries {
			if e.Timestamp >= hourCutoff {
				hour++
			}
			if e.Timestamp >= sixtyFiveCutoff {
				sixtyFive++
			}
			if e.Timestamp >= minuteCutoff {
				minute++
			}
		}
	}

	if svc == services.Weather {
		return r.store.UpdateTimeWindowCounts(ctx, svc, hour, minute, &sixtyFive)
	}
	return r.store.UpdateTimeWindowCounts(ctx, svc, hour, minute, nil)
}
