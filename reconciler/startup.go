package reconciler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	appconfig "stateflow/config"
	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/redisstore"
)

// StartupReconciler seeds the derived counters and the history key index
// from the live keyspace before any traffic is consumed. It is the only
// component allowed a full keyspace enumeration.
type StartupReconciler struct {
	cfg   appconfig.ReconcilerConfig
	store *redisstore.MetadataStore
	log   *logger.Log
}

func NewStartupReconciler(cfg appconfig.ReconcilerConfig, store *redisstore.MetadataStore, log *logger.Log) *StartupReconciler {
	return &StartupReconciler{cfg: cfg, store: store, log: log}
}

// Run performs the one-time seed. It returns an error only for failures
// that leave the derived state unusable; per-key problems are logged and
// skipped so a single bad key cannot block startup.
func (r *StartupReconciler) Run(ctx context.Context) error {
	log := r.log.WithComponent("startup_reconciler")
	start := time.Now()

	keys, err := r.store.ScanHistoryKeys(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logger.Fields{"keys": len(keys)}).Info("scanned history keyspace")

	// Pace the per-key reads so the seed never saturates Redis at boot.
	scanRate := r.cfg.StartupScanRate
	if scanRate <= 0 {
		scanRate = 500
	}
	limiter := rate.NewLimiter(rate.Limit(scanRate), 1)

	totals := make(map[services.Service]int64)
	for _, key := range keys {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		svc, ok := services.ParseServiceKey(key)
		if !ok {
			log.WithFields(logger.Fields{"key": key}).Debug("skipping key for unknown service")
			continue
		}

		if err := r.store.CheckHistoryKey(ctx, key); err != nil {
			if _, wrong := err.(*redisstore.WrongTypeError); wrong {
				log.WithError(err).WithFields(logger.Fields{"key": key}).
					Error("history key has unexpected type, manual cleanup required")
				continue
			}
			return err
		}

		n, err := r.store.HistoryCount(ctx, key)
		if err != nil {
			if redisstore.IsCancellation(err) {
				return err
			}
			log.WithError(err).WithFields(logger.Fields{"key": key}).Error("failed to count history key")
			continue
		}

		r.store.TrackHistoryKey(svc, key)
		totals[svc] += n
	}

	var seeded int
	for svc, total := range totals {
		if err := r.store.InitializeServiceCount(ctx, svc, total); err != nil {
			if redisstore.IsCancellation(err) {
				return err
			}
			log.WithError(err).WithFields(logger.Fields{"service": string(svc)}).
				Error("failed to seed service counters")
			continue
		}
		seeded++
		log.WithFields(logger.Fields{"service": string(svc), "total": total}).Info("seeded service counters")
	}

	logger.LogPerformanceEntry(log, "startup_reconciler", "seed", time.Since(start), logger.Fields{
		"keys":     len(keys),
		"services": seeded,
	})
	return nil
}
