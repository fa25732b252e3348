package redisstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stateflow/internal/services"
)

func TestGetAbsentService(t *testing.T) {
	_, _, store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.Get(ctx, services.Kalshi)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncrementServiceCount(t *testing.T) {
	_, _, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementServiceCount(ctx, services.Kalshi, 3))
	require.NoError(t, store.IncrementServiceCount(ctx, services.Kalshi, 2))
	require.NoError(t, store.IncrementServiceCount(ctx, services.Weather, 1))

	record, found, err := store.Get(ctx, services.Kalshi)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(5), record.TotalMessageCount)
	assert.Greater(t, record.LastActivityTimestamp, float64(0))

	total, err := store.TotalMessageCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	listed, err := store.ListServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []services.Service{services.Kalshi, services.Weather}, listed)
}

func TestTotalMessageCountAbsent(t *testing.T) {
	_, _, store := newTestStore(t)

	total, err := store.TotalMessageCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestUpdateTimeWindowCounts(t *testing.T) {
	_, _, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementServiceCount(ctx, services.Weather, 10))

	sixtyFive := int64(8)
	require.NoError(t, store.UpdateTimeWindowCounts(ctx, services.Weather, 6, 1, &sixtyFive))

	record, found, err := store.Get(ctx, services.Weather)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(6), record.MessagesLastHour)
	assert.Equal(t, int64(1), record.MessagesLastMinute)
	assert.Equal(t, int64(8), record.MessagesLast65Minutes)

	// nil leaves the 65-minute window untouched
	require.NoError(t, store.UpdateTimeWindowCounts(ctx, services.Weather, 7, 2, nil))

	record, _, err = store.Get(ctx, services.Weather)
	require.NoError(t, err)
	assert.Equal(t, int64(7), record.MessagesLastHour)
	assert.Equal(t, int64(8), record.MessagesLast65Minutes)
}

func TestInitializeServiceCount(t *testing.T) {
	_, _, store := newTestStore(t)
	ctx := context.Background()

	sixtyFive := int64(4)
	require.NoError(t, store.IncrementServiceCount(ctx, services.Kalshi, 99))
	require.NoError(t, store.UpdateTimeWindowCounts(ctx, services.Kalshi, 9, 9, &sixtyFive))

	require.NoError(t, store.InitializeServiceCount(ctx, services.Kalshi, 42))

	record, found, err := store.Get(ctx, services.Kalshi)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(42), record.TotalMessageCount)
	assert.Zero(t, record.MessagesLastHour)
	assert.Zero(t, record.MessagesLastMinute)
	assert.Zero(t, record.MessagesLast65Minutes)

	// Re-seeding with the same figure is a safe no-op for the total.
	require.NoError(t, store.InitializeServiceCount(ctx, services.Kalshi, 42))
	record, _, err = store.Get(ctx, services.Kalshi)
	require.NoError(t, err)
	assert.Equal(t, int64(42), record.TotalMessageCount)
}

func TestGetCorruptField(t *testing.T) {
	_, rdb, store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, rdb.HSet(ctx, "meta:service:kalshi", "total_message_count", "not-a-number").Err())

	_, _, err := store.Get(ctx, services.Kalshi)
	var corrupt *CorruptDataError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "total_message_count", corrupt.Field)
}

func TestHistoryKeyIndex(t *testing.T) {
	_, _, store := newTestStore(t)

	// The primary collection is always present, even before any tracking.
	assert.Equal(t, []string{"history:weather"}, store.HistoryKeys(services.Weather))

	store.TrackHistoryKey(services.Weather, "history:KAUS")
	store.TrackHistoryKey(services.Weather, "history:KJFK")
	store.TrackHistoryKey(services.Weather, "history:KAUS")

	assert.Equal(t,
		[]string{"history:KAUS", "history:KJFK", "history:weather"},
		store.HistoryKeys(services.Weather))
}
