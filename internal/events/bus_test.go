package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoops/internal/model"
)

func TestBus_DeliversOnlyToUser(t *testing.T) {
	b := NewBus(4)
	u1, stop1 := b.Subscribe("u1")
	u2, stop2 := b.Subscribe("u2")
	defer stop2()

	b.Publish(context.Background(), model.Event{Type: model.EventOperationExecuted, UserID: "u1", Symbol: "BTCUSDT"})

	require.Len(t, u1, 1)
	assert.Equal(t, "BTCUSDT", (<-u1).Symbol)
	assert.Empty(t, u2)

	stop1()
	stop1()
	_, open := <-u1
	assert.False(t, open)
	assert.Zero(t, b.Observers("u1"))
}

func TestBus_FullObserverDrops(t *testing.T) {
	b := NewBus(1)
	drops := 0
	b.OnDrop = func(string) { drops++ }
	ch, stop := b.Subscribe("u1")
	defer stop()

	for i := 0; i < 3; i++ {
		b.Publish(context.Background(), model.Event{UserID: "u1"})
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, 2, drops)
}

type countPub struct{ n int }

func (c *countPub) Publish(context.Context, model.Event) { c.n++ }

func TestTee(t *testing.T) {
	a, b := &countPub{}, &countPub{}
	Tee{a, nil, b}.Publish(context.Background(), model.Event{})
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
