package listener

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "stateflow/config"
	"stateflow/batcher"
	"stateflow/internal/services"
	"stateflow/logger"
	"stateflow/redisstore"
)

type fixture struct {
	m     *miniredis.Miniredis
	rdb   *redis.Client
	store *redisstore.MetadataStore
	batch *batcher.Batcher[services.Service]

	mu   sync.Mutex
	seen []services.Service
}

func newFixture(t *testing.T, batchSize int) *fixture {
	t.Helper()

	f := &fixture{}
	f.m = miniredis.RunT(t)
	f.rdb = redis.NewClient(&redis.Options{Addr: f.m.Addr()})
	t.Cleanup(func() { f.rdb.Close() })

	log := logger.GetLogger()
	f.store = redisstore.NewMetadataStore(f.rdb, log)
	f.batch = batcher.New[services.Service]("counter_batch", batchSize, 20*time.Millisecond, f.process, log)
	return f
}

func (f *fixture) process(_ context.Context, batch []services.Service) error {
	f.mu.Lock()
	f.seen = append(f.seen, batch...)
	f.mu.Unlock()
	return nil
}

func (f *fixture) counts() map[services.Service]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[services.Service]int)
	for _, s := range f.seen {
		out[s]++
	}
	return out
}

func (f *fixture) listener() *ChangeListener {
	cfg := appconfig.ListenerConfig{
		KeyPattern:       "history:*",
		BackoffBaseMs:    10,
		BackoffCeilingMs: 100,
	}
	return New(cfg, 0, f.rdb, f.store, f.batch, logger.GetLogger())
}

func TestHandleMessageAcceptsWriteEvents(t *testing.T) {
	f := newFixture(t, 100)
	f.batch.Start(context.Background())
	defer f.batch.Close(context.Background())

	l := f.listener()

	l.handleMessage("__keyspace@0__:history:kalshi", "zadd")
	l.handleMessage("__keyspace@0__:history:kalshi", "hset")
	l.handleMessage("__keyspace@0__:history:KAUS", "set")
	l.handleMessage("__keyspace@0__:history:KAUS:2024-01-01", "hset")

	require.NoError(t, f.batch.Flush(context.Background()))

	got := f.counts()
	assert.Equal(t, 2, got[services.Kalshi])
	assert.Equal(t, 2, got[services.Weather])

	// The listener feeds the history key index as a side effect.
	assert.Contains(t, f.store.HistoryKeys(services.Weather), "history:KAUS")
	assert.Contains(t, f.store.HistoryKeys(services.Weather), "history:KAUS:2024-01-01")
}

func TestHandleMessageSkipsNonWriteOperations(t *testing.T) {
	f := newFixture(t, 100)
	f.batch.Start(context.Background())
	defer f.batch.Close(context.Background())

	l := f.listener()

	l.handleMessage("__keyspace@0__:history:kalshi", "expired")
	l.handleMessage("__keyspace@0__:history:kalshi", "del")
	l.handleMessage("__keyspace@0__:history:unknownsvc", "zadd")
	l.handleMessage("garbage", "zadd")

	require.NoError(t, f.batch.Flush(context.Background()))
	assert.Empty(t, f.counts())
}

func TestListenDeliversNotifications(t *testing.T) {
	f := newFixture(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.batch.Start(ctx)
	defer f.batch.Close(context.Background())

	l := f.listener()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Listen(ctx)
	}()

	// Wait for the pattern subscription to land before publishing.
	require.Eventually(t, func() bool {
		n, err := f.rdb.PubSubNumPat(ctx).Result()
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.rdb.Publish(ctx, "__keyspace@0__:history:kalshi", "zadd").Err())
	}

	require.Eventually(t, func() bool {
		return f.counts()[services.Kalshi] == 3
	}, 2*time.Second, 10*time.Millisecond)

	l.RequestShutdown()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not honour shutdown request")
	}
}

func TestListenStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	f.batch.Start(ctx)
	defer f.batch.Close(context.Background())

	l := f.listener()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Listen(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not honour context cancellation")
	}
}

func TestListenBackoffResetsAfterReconnect(t *testing.T) {
	f := newFixture(t, 100)
	f.batch.Start(context.Background())
	defer f.batch.Close(context.Background())

	log := logger.Logger()
	log.SetOutput(io.Discard)
	hook := logtest.NewLocal(log.Logger)

	cfg := appconfig.ListenerConfig{
		KeyPattern:       "history:*",
		BackoffBaseMs:    20,
		BackoffCeilingMs: 160,
	}
	l := New(cfg, 0, f.rdb, f.store, f.batch, log)

	backoffsFor := func(message string) []string {
		var out []string
		for _, e := range hook.AllEntries() {
			if e.Message != message {
				continue
			}
			if v, ok := e.Data["backoff"].(string); ok {
				out = append(out, v)
			}
		}
		return out
	}

	// Server down before the listener starts: every subscribe attempt
	// fails and the logged delay doubles from the base.
	f.m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Listen(ctx)
	}()

	const failedMsg = "subscription failed, backing off"
	require.Eventually(t, func() bool {
		return len(backoffsFor(failedMsg)) >= 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"20ms", "40ms", "80ms"}, backoffsFor(failedMsg)[:3])

	// Bring the server back; the subscription succeeds and resets the
	// backoff counter.
	require.NoError(t, f.m.Restart())
	require.Eventually(t, func() bool {
		n, err := f.rdb.PubSubNumPat(context.Background()).Result()
		return err == nil && n > 0
	}, 5*time.Second, 10*time.Millisecond)

	// Losing the stream after that success must back off from the base
	// again, not from where the doubling left off.
	f.m.Close()
	const unhealthyMsg = "store unhealthy, backing off before resubscribe"
	require.Eventually(t, func() bool {
		return len(backoffsFor(unhealthyMsg)) >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "20ms", backoffsFor(unhealthyMsg)[0])

	l.RequestShutdown()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not honour shutdown request")
	}
}

func TestNextBackoffDoublesToCeiling(t *testing.T) {
	f := newFixture(t, 10)
	l := f.listener()

	b := l.cfg.BackoffBase()
	assert.Equal(t, 10*time.Millisecond, b)
	b = l.nextBackoff(b)
	assert.Equal(t, 20*time.Millisecond, b)
	b = l.nextBackoff(b)
	assert.Equal(t, 40*time.Millisecond, b)
	b = l.nextBackoff(b)
	assert.Equal(t, 80*time.Millisecond, b)
	b = l.nextBackoff(b)
	assert.Equal(t, 100*time.Millisecond, b)
	b = l.nextBackoff(b)
	assert.Equal(t, 100*time.Millisecond, b)
}
