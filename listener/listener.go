package listener

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "stateflow/config"
	"stateflow/batcher"
	"stateflow/internal/metrics"
	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/redisstore"
)

// writeOperations are the notification event names counted as raw writes.
// Everything else (expire, del, reads) is ignored.
var writeOperations = map[string]struct{}{
	"set":     {},
	"hset":    {},
	"hincrby": {},
	"incrby":  {},
	"zadd":    {},
	"zincr":   {},
	"zincrby": {},
	"sadd":    {},
	"lpush":   {},
	"rpush":   {},
}

// ChangeListener subscribes to keyspace notifications for raw history keys
// and turns each accepted write event into one pending counter increment.
// It owns the reconnect/backoff loop; losing a batch of notifications during
// a reconnect is an accepted, bounded loss of non-authoritative counters.
type ChangeListener struct {
	cfg   appconfig.ListenerConfig
	db    int
	rdb   *redis.Client
	store *redisstore.MetadataStore
	batch *batcher.Batcher[services.Service]
	log   *logger.Log

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

func New(cfg appconfig.ListenerConfig, db int, rdb *redis.Client, store *redisstore.MetadataStore, batch *batcher.Batcher[services.Service], log *logger.Log) *ChangeListener {
	return &ChangeListener{
		cfg:      cfg,
		db:       db,
		rdb:      rdb,
		store:    store,
		batch:    batch,
		log:      log,
		shutdown: make(chan struct{}),
	}
}

// RequestShutdown asks the listen loop to exit at the next blocking-call
// boundary. Idempotent and safe to call concurrently.
func (l *ChangeListener) RequestShutdown() {
	l.shutdownOnce.Do(func() { close(l.shutdown) })
}

func (l *ChangeListener) shutdownRequested() bool {
	select {
	case <-l.shutdown:
		return true
	default:
		return false
	}
}

func (l *ChangeListener) pattern() string {
	return fmt.Sprintf("__keyspace@%d__:%s", l.db, l.cfg.KeyPattern)
}

// Listen consumes change notifications until shutdown is requested or the
// context is cancelled. Connection loss triggers a health check, a
// resubscribe and exponential backoff capped at the configured ceiling; the
// backoff resets after any successful subscription.
func (l *ChangeListener) Listen(ctx context.Context) error {
	log := l.log.WithComponent("listener").WithFields(logger.Fields{"pattern": l.pattern()})
	log.Info("starting change listener")

	backoff := l.cfg.BackoffBase()

	for {
		if ctx.Err() != nil || l.shutdownRequested() {
			log.Info("change listener stopped")
			return nil
		}

		pubsub := l.rdb.PSubscribe(ctx, l.pattern())
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if errors.Is(err, context.Canceled) || l.shutdownRequested() {
				return nil
			}
			log.WithError(err).WithFields(logger.Fields{"backoff": backoff.String()}).
				Warn("subscription failed, backing off")
			if !l.sleep(ctx, backoff) {
				return nil
			}
			backoff = l.nextBackoff(backoff)
			continue
		}

		// Successful subscription resets the backoff counter.
		backoff = l.cfg.BackoffBase()
		logger.IncrementListenerReconnect()
		log.Debug("subscribed to keyspace notifications")

		err := l.consume(ctx, pubsub)
		_ = pubsub.Close()

		if errors.Is(err, context.Canceled) || ctx.Err() != nil || l.shutdownRequested() {
			log.Info("change listener stopped")
			return nil
		}

		log.WithError(err).Warn("notification stream lost")
		if pingErr := redisstore.HealthCheck(ctx, l.rdb); pingErr != nil {
			log.WithError(pingErr).WithFields(logger.Fields{"backoff": backoff.String()}).
				Warn("store unhealthy, backing off before resubscribe")
			if !l.sleep(ctx, backoff) {
				return nil
			}
			backoff = l.nextBackoff(backoff)
		}
	}
}

func (l *ChangeListener) consume(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		if l.shutdownRequested() {
			return nil
		}
		msg, err := pubsub.ReceiveTimeout(ctx, time.Second)
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				// Idle stream; loop back to check for shutdown.
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *redis.Message:
			l.handleMessage(m.Channel, m.Payload)
		case *redis.Subscription:
			// subscribe/unsubscribe confirmations carry no key event
		default:
		}
	}
}

// handleMessage filters one notification down to a counter increment.
// Malformed messages are logged and skipped, never fatal.
func (l *ChangeListener) handleMessage(channel, operation string) {
	log := l.log.WithComponent("listener")

	segments := strings.Split(channel, ":")
	if len(segments) < 3 {
		log.WithFields(logger.Fields{"channel": channel}).Debug("skipping malformed notification channel")
		logger.IncrementEventSkipped()
		return
	}

	if _, ok := writeOperations[operation]; !ok {
		logger.IncrementEventSkipped()
		return
	}

	idx := strings.Index(channel, ":")
	key := channel[idx+1:]

	service, ok := services.ParseServiceKey(key)
	if !ok {
		log.WithFields(logger.Fields{"key": key}).Debug("skipping key with no known service")
		logger.IncrementEventSkipped()
		return
	}

	l.store.TrackHistoryKey(service, key)

	if err := l.batch.Add(service); err != nil {
		log.WithError(err).Warn("dropping increment, batcher closed")
		return
	}

	metrics.IncEvent(string(service))
	logger.IncrementEventAccepted()
}

// sleep waits for the backoff duration, honouring cancellation and shutdown.
// The false result means the wait was interrupted.
func (l *ChangeListener) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.shutdown:
		return false
	case <-t.C:
		return true
	}
}

func (l *ChangeListener) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > l.cfg.BackoffCeiling() {
		next = l.cfg.BackoffCeiling()
	}
	return next
}
