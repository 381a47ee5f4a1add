package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func TestLedger_AppendAndList(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLedger(client)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ops := []model.Operation{model.OpEntry, model.OpTakeProfit, model.OpEntry}
	for i, op := range ops {
		require.NoError(t, l.Append(ctx, model.TradeResult{
			Symbol:     "BTCUSDT",
			UserID:     "u1",
			Operation:  op,
			PriceAvg:   model.NewPrice(100 + float64(i)),
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := l.List(ctx, "BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, model.OpEntry, all[0].Operation)
	assert.Equal(t, model.OpTakeProfit, all[1].Operation)
	assert.Equal(t, "102.0000", all[2].PriceAvg.String())

	last, err := l.List(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, base.Add(2*time.Minute), last[0].ExecutedAt)
}

func TestLedger_ListForUser(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewLedger(client)
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		user := "u1"
		if i%2 == 1 {
			user = "u2"
		}
		require.NoError(t, l.Append(ctx, model.TradeResult{
			Symbol:     "BTCUSDT",
			UserID:     user,
			Operation:  model.OpEntry,
			OrderID:    int64(i),
			ExecutedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	mine, err := l.ListForUser(ctx, "BTCUSDT", "u2", 2)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.EqualValues(t, 3, mine[0].OrderID)
	assert.EqualValues(t, 5, mine[1].OrderID)

	all, err := l.ListForUser(ctx, "BTCUSDT", "u1", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for _, r := range all {
		assert.Equal(t, "u1", r.UserID)
	}

	none, err := l.ListForUser(ctx, "BTCUSDT", "u3", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
