package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	appconfig "stateflow/config"
	"stateflow/logger"
)

// NewClient builds the shared go-redis client from configuration. All
// cross-process consistency relies on the server's own atomic primitives;
// the client never holds locks spanning store round-trips.
func NewClient(cfg appconfig.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout(),
		ReadTimeout:  cfg.Timeout(),
		WriteTimeout: cfg.Timeout(),
		PoolSize:     cfg.PoolSize,
	})
}

// HealthCheck verifies the store is reachable.
func HealthCheck(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	return nil
}

// EnableKeyspaceNotifications turns on keyspace event emission for generic
// and sorted-set/hash write commands. Some managed deployments lock this
// setting down; a failure is reported so the caller can log and continue.
func EnableKeyspaceNotifications(ctx context.Context, rdb *redis.Client, log *logger.Log) error {
	if err := rdb.ConfigSet(ctx, "notify-keyspace-events", "KEA").Err(); err != nil {
		return fmt.Errorf("failed to enable keyspace notifications: %w", err)
	}
	log.WithComponent("store").Debug("keyspace notifications enabled")
	return nil
}
