package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func openPosition(symbol, user string) model.PositionConfig {
	p := model.NewPositionConfig(symbol, user, model.NewPrice(105), model.NewPrice(95))
	p.Operate = true
	p.State = model.StateOpen
	p.EntryPoint = model.NewPrice(100)
	p.TakeProfit = model.NewPrice(100.5)
	p.StopLoss = model.NewPrice(99.7)
	return p
}

func TestPositionStore_PutGet(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewPositionStore(client)
	ctx := context.Background()

	_, err := s.Get(ctx, "BTCUSDT", "u1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	p := model.NewPositionConfig("BTCUSDT", "u1", model.NewPrice(105), model.NewPrice(95))
	require.NoError(t, s.Put(ctx, p))

	raw, err := mr.Get("BTCUSDT_operation_u1")
	require.NoError(t, err)
	assert.Contains(t, raw, `"alert_up":"105.0000"`)
	assert.Contains(t, raw, `"activation_state":"DORMANT"`)

	got, err := s.Get(ctx, "BTCUSDT", "u1")
	require.NoError(t, err)
	assert.True(t, got.AlertUp.Equal(p.AlertUp.Decimal))
	assert.Equal(t, model.StateDormant, got.State)
}

func TestPositionStore_PutRejectsInvalid(t *testing.T) {
	_, client := newTestRedis(t)
	p := model.NewPositionConfig("btc", "u1", model.NewPrice(105), model.NewPrice(95))
	err := NewPositionStore(client).Put(context.Background(), p)
	assert.ErrorIs(t, err, model.ErrMalformedRecord)
}

func TestPositionStore_MalformedRecordIsNeverOverwritten(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewPositionStore(client)
	ctx := context.Background()

	require.NoError(t, mr.Set("BTCUSDT_operation_u1", `{"symbol":"BTCUSDT","alert_up":`))

	_, err := s.Get(ctx, "BTCUSDT", "u1")
	assert.ErrorIs(t, err, model.ErrMalformedRecord)

	_, err = s.Update(ctx, "BTCUSDT", "u1", func(p *model.PositionConfig) error {
		p.Operate = true
		return nil
	})
	assert.ErrorIs(t, err, model.ErrMalformedRecord)

	raw, _ := mr.Get("BTCUSDT_operation_u1")
	assert.Equal(t, `{"symbol":"BTCUSDT","alert_up":`, raw)
}

func TestPositionStore_UpdateAppliesAndPersists(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewPositionStore(client)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, model.NewPositionConfig("BTCUSDT", "u1", model.NewPrice(105), model.NewPrice(95))))

	out, err := s.Update(ctx, "BTCUSDT", "u1", func(p *model.PositionConfig) error {
		p.Operate = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, out.Operate)

	got, err := s.Get(ctx, "BTCUSDT", "u1")
	require.NoError(t, err)
	assert.True(t, got.Operate)
}

func TestPositionStore_UpdateCallbackErrorWritesNothing(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewPositionStore(client)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, model.NewPositionConfig("BTCUSDT", "u1", model.NewPrice(105), model.NewPrice(95))))

	errSkip := errors.New("skip")
	_, err := s.Update(ctx, "BTCUSDT", "u1", func(p *model.PositionConfig) error {
		p.Operate = true
		return errSkip
	})
	assert.ErrorIs(t, err, errSkip)

	got, err := s.Get(ctx, "BTCUSDT", "u1")
	require.NoError(t, err)
	assert.False(t, got.Operate)
}

func TestPositionStore_UpdateRetriesTransientErrors(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewPositionStore(client)
	s.retryDelay = 10 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, openPosition("BTCUSDT", "u1")))

	mr.SetError("LOADING redis is loading")
	go func() {
		time.Sleep(20 * time.Millisecond)
		mr.SetError("")
	}()

	got, err := s.Update(ctx, "BTCUSDT", "u1", func(p *model.PositionConfig) error {
		p.ProfitProgress = model.NewPrice(0.01)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0100", got.ProfitProgress.String())
}

func TestPositionStore_UpdateGivesUpAsTransient(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewPositionStore(client)
	s.retryDelay = time.Millisecond
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, openPosition("BTCUSDT", "u1")))

	mr.SetError("ERR down")
	_, err := s.Update(ctx, "BTCUSDT", "u1", func(*model.PositionConfig) error { return nil })
	assert.ErrorIs(t, err, model.ErrTransientStore)
}

func TestPositionStore_UpdateMissing(t *testing.T) {
	_, client := newTestRedis(t)
	_, err := NewPositionStore(client).Update(context.Background(), "BTCUSDT", "u1", func(*model.PositionConfig) error { return nil })
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPositionStore_ListOpenAndByUser(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewPositionStore(client)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, openPosition("BTCUSDT", "u1")))
	require.NoError(t, s.Put(ctx, openPosition("ETHUSDT", "u2")))
	require.NoError(t, s.Put(ctx, model.NewPositionConfig("SOLUSDT", "u1", model.NewPrice(1), model.NewPrice(0))))
	require.NoError(t, mr.Set("XRPUSDT_operation_u3", "garbage"))

	open, err := s.ListOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	mine, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
