package redis

import (
	"context"
	"testing"

	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func TestCandleStore_DuplicateTimestampKeepsOneEntry(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewCandleStore(client)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, candleAt("BTCUSDT", 1000, 100)))
	err := s.Append(ctx, candleAt("BTCUSDT", 1000, 101))
	assert.ErrorIs(t, err, model.ErrDuplicateTimestamp)

	got, err := s.RangeByScore(ctx, "BTCUSDT", 0, 2000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 100.0, got[0].Close, "first write wins")
}

func TestCandleStore_RangeIsAscending(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewCandleStore(client)
	ctx := context.Background()

	for _, ts := range []int64{3000, 1000, 2000} {
		require.NoError(t, s.Append(ctx, candleAt("ETHUSDT", ts, float64(ts)/10)))
	}
	got, err := s.Range(ctx, "ETHUSDT", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{1000, 2000, 3000}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
	assert.Equal(t, "ETHUSDT", got[0].Symbol)

	n, err := s.Count(ctx, "ETHUSDT")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestCandleStore_LatestEmpty(t *testing.T) {
	_, client := newTestRedis(t)
	_, err := NewCandleStore(client).Latest(context.Background(), "BTCUSDT")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCandleStore_UpdateLatestOnlyTouchesNewest(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewCandleStore(client)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, candleAt("BTCUSDT", 1000, 100)))
	require.NoError(t, s.Append(ctx, candleAt("BTCUSDT", 2000, 101)))

	rsi := 55.123456
	ind := &model.Indicators{RSI: &rsi, EMA: map[int]float64{10: 100.55556}}
	require.NoError(t, s.UpdateLatest(ctx, "BTCUSDT", 2000, ind))

	got, err := s.Range(ctx, "BTCUSDT", 0, -1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].Indicators, "historical candle untouched")
	require.NotNil(t, got[1].Indicators)
	assert.Equal(t, 55.1235, *got[1].Indicators.RSI)
	assert.Equal(t, 100.5556, got[1].Indicators.EMA[10])
	assert.Equal(t, 101.0, got[1].Close)

	err = s.UpdateLatest(ctx, "BTCUSDT", 1000, ind)
	assert.ErrorIs(t, err, ErrStaleLatest)
}

func TestCandleStore_UpdateLatestEmpty(t *testing.T) {
	_, client := newTestRedis(t)
	err := NewCandleStore(client).UpdateLatest(context.Background(), "BTCUSDT", 1000, &model.Indicators{})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCandleStore_TrimAndOlderThan(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewCandleStore(client)
	ctx := context.Background()
	for ts := int64(1000); ts <= 5000; ts += 1000 {
		require.NoError(t, s.Append(ctx, candleAt("BTCUSDT", ts, 100)))
	}

	old, err := s.OlderThan(ctx, "BTCUSDT", 3000, 10)
	require.NoError(t, err)
	assert.Len(t, old, 2)

	n, err := s.TrimBefore(ctx, "BTCUSDT", 3000)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rest, err := s.Range(ctx, "BTCUSDT", 0, -1)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.EqualValues(t, 3000, rest[0].Timestamp)
}

func TestCandleStore_SymbolsSkipsLedgers(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewCandleStore(client)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, candleAt("BTCUSDT", 1000, 100)))
	require.NoError(t, client.ZAdd(ctx, ledgerKey("BTCUSDT"), &goredis.Z{Score: 1, Member: "x"}).Err())

	syms, err := s.Symbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, syms)
}

func TestCandleStore_TransientErrors(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewCandleStore(client)
	mr.SetError("LOADING dataset")

	err := s.Append(context.Background(), candleAt("BTCUSDT", 1000, 100))
	assert.ErrorIs(t, err, model.ErrTransientStore)
}
