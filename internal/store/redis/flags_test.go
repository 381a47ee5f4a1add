package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func TestFlags_SetGetClear(t *testing.T) {
	mr, client := newTestRedis(t)
	f := NewFlags(client)
	ctx := context.Background()

	v, err := f.Get(ctx, "BTCUSDT", "u1", "rsi_alerted")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, f.Set(ctx, "BTCUSDT", "u1", "rsi_alerted", "1"))
	assert.True(t, mr.Exists("BTCUSDT_rsi_alerted_u1"))

	v, err = f.Get(ctx, "BTCUSDT", "u1", "rsi_alerted")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, f.Clear(ctx, "BTCUSDT", "u1", "rsi_alerted"))
	assert.False(t, mr.Exists("BTCUSDT_rsi_alerted_u1"))
}

func TestPriceCache(t *testing.T) {
	_, client := newTestRedis(t)
	p := NewPriceCache(client)
	ctx := context.Background()

	_, err := p.LastClose(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, p.SetLastClose(ctx, "BTCUSDT", 64321.5))
	got, err := p.LastClose(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 64321.5, got)
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	pub := NewEventPublisher(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := pub.Subscribe(ctx, "u1")
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(eventChannel("u1"))[eventChannel("u1")] == 1
	}, time.Second, 5*time.Millisecond)

	pub.Publish(ctx, model.Event{Type: model.EventOperationExecuted, UserID: "u1", Symbol: "BTCUSDT"})

	select {
	case ev := <-ch:
		assert.Equal(t, model.EventOperationExecuted, ev.Type)
		assert.Equal(t, "BTCUSDT", ev.Symbol)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
