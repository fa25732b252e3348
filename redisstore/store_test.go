package redisstore

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	appconfig "stateflow/config"
	"stateflow/logger"
)

// newTestStore spins up an in-process Redis and a metadata store bound to it.
func newTestStore(t *testing.T) (*miniredis.Miniredis, *redis.Client, *MetadataStore) {
	t.Helper()

	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return m, rdb, NewMetadataStore(rdb, logger.GetLogger())
}

func testMarketDataConfig() appconfig.MarketDataConfig {
	return appconfig.MarketDataConfig{
		MaxReadAttempts: 3,
		RetryPauseMs:    1,
		NoBidSentinel:   0,
		NoAskSentinel:   999999,
	}
}
