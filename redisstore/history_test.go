package redisstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateflow/internal/services"
)

// addHistory writes one "<ts>:<value>" member scored by its timestamp.
func addHistory(t *testing.T, rdb *redis.Client, key string, ts time.Time, value string) {
	t.Helper()
	score := float64(ts.UnixNano()) / 1e9
	member := fmt.Sprintf("%.6f:%s", score, value)
	require.NoError(t, rdb.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member}).Err())
}

func TestCheckHistoryKey(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	// Absent keys pass; ingestion may not have written them yet.
	require.NoError(t, store.CheckHistoryKey(ctx, "history:kalshi"))

	addHistory(t, rdb, "history:kalshi", time.Now(), "42")
	require.NoError(t, store.CheckHistoryKey(ctx, "history:kalshi"))

	require.NoError(t, rdb.Set(ctx, "history:polymarket", "oops", 0).Err())
	err := store.CheckHistoryKey(ctx, "history:polymarket")
	var wrong *WrongTypeError
	require.ErrorAs(t, err, &wrong)
	assert.Equal(t, "string", wrong.Type)
}

func TestHistoryCount(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	addHistory(t, rdb, "history:kalshi", now.Add(-time.Minute), "1")
	addHistory(t, rdb, "history:kalshi", now, "2")

	n, err := store.HistoryCount(ctx, "history:kalshi")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.HistoryCount(ctx, "history:absent")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, rdb.Set(ctx, "history:bad", "oops", 0).Err())
	_, err = store.HistoryCount(ctx, "history:bad")
	var wrong *WrongTypeError
	require.ErrorAs(t, err, &wrong)
}

func TestScanHistoryKeys(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	addHistory(t, rdb, "history:kalshi", now, "1")
	addHistory(t, rdb, "history:KAUS", now, "72.4")
	require.NoError(t, rdb.Set(ctx, "meta:total_messages", "5", 0).Err())

	keys, err := store.ScanHistoryKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"history:KAUS", "history:kalshi"}, keys)
}

func TestServiceHistoryWindow(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	addHistory(t, rdb, "history:kalshi", now.Add(-70*time.Minute), "old")
	addHistory(t, rdb, "history:kalshi", now.Add(-30*time.Minute), "mid")
	addHistory(t, rdb, "history:kalshi", now.Add(-5*time.Minute), "new")

	entries, err := store.ServiceHistory(ctx, services.Kalshi, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "mid", entries[0].Value)
	assert.Equal(t, "new", entries[1].Value)
	assert.Less(t, entries[0].Timestamp, entries[1].Timestamp)
}

func TestServiceHistoryMergesShardedKeys(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	store.TrackHistoryKey(services.Weather, "history:KAUS")
	store.TrackHistoryKey(services.Weather, "history:KJFK")

	now := time.Now()
	addHistory(t, rdb, "history:KAUS", now.Add(-10*time.Minute), "71.2")
	addHistory(t, rdb, "history:KJFK", now.Add(-5*time.Minute), "64.8")

	entries, err := store.ServiceHistory(ctx, services.Weather, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "71.2", entries[0].Value)
	assert.Equal(t, "64.8", entries[1].Value)
}

func TestServiceHistorySkipsWrongTypeShard(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	store.TrackHistoryKey(services.Weather, "history:KAUS")

	now := time.Now()
	addHistory(t, rdb, "history:weather", now.Add(-2*time.Minute), "ok")
	require.NoError(t, rdb.Set(ctx, "history:KAUS", "oops", 0).Err())

	entries, err := store.ServiceHistory(ctx, services.Weather, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ok", entries[0].Value)
}

func TestServiceHistoryDropsMalformedMembers(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	score := float64(now.Add(-time.Minute).UnixNano()) / 1e9
	require.NoError(t, rdb.ZAdd(ctx, "history:kalshi", redis.Z{Score: score, Member: "no-separator"}).Err())
	addHistory(t, rdb, "history:kalshi", now, "good")

	entries, err := store.ServiceHistory(ctx, services.Kalshi, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Value)
}

func TestParseHistoryMember(t *testing.T) {
	entry, ok := parseHistoryMember("1725100000.5:42.7", 1725100000.5)
	require.True(t, ok)
	assert.Equal(t, 1725100000.5, entry.Timestamp)
	assert.Equal(t, "42.7", entry.Value)

	// Values may themselves contain separators; only the first one splits.
	entry, ok = parseHistoryMember("1725100000:a:b", 1725100000)
	require.True(t, ok)
	assert.Equal(t, "a:b", entry.Value)

	_, ok = parseHistoryMember("noseparator", 1)
	assert.False(t, ok)

	_, ok = parseHistoryMember("notanumber:x", 1)
	assert.False(t, ok)
}
