package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/model"
)

func tk(price int64) model.Tick {
	return model.Tick{
		Token: "2885", Exchange: "NSE",
		Price: price, Qty: 10,
		TickTS: time.Now().UTC(),
	}
}

func TestQueueDropsOldestWhenFull(t *testing.T) {
	q := newBatchQueue(2)
	q.push([]model.Tick{tk(100)})
	q.push([]model.Tick{tk(200)})
	q.push([]model.Tick{tk(300)}) // evicts the 100 batch

	assert.Equal(t, uint64(1), q.droppedCount())
	assert.Equal(t, 2, q.len())

	b := q.pop()
	require.Len(t, b, 1)
	assert.Equal(t, int64(200), b[0].Price)
}

func TestQueuePopEmptyReturnsNil(t *testing.T) {
	q := newBatchQueue(4)
	assert.Nil(t, q.pop())
}

func TestOnTicksReportsDrops(t *testing.T) {
	in := New(1, time.Minute, nil)
	drops := 0
	in.OnDroppedBatch = func() { drops++ }

	in.OnTicks([]model.Tick{tk(100)})
	in.OnTicks([]model.Tick{tk(200)})
	in.OnTicks(nil) // empty batch is a no-op

	assert.Equal(t, 1, drops)
	assert.Equal(t, uint64(1), in.DroppedBatches())
	assert.Equal(t, 1, in.QueueLen())
}

func TestRunDeliversTicksAndUpdatesCache(t *testing.T) {
	in := New(64, time.Minute, nil)
	got := make(chan model.Tick, 8)
	in.OnTick = func(t model.Tick) { got <- t }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Run(ctx)

	first := tk(10000)
	first.BestBid = 9995
	first.BestAsk = 10005
	in.OnTicks([]model.Tick{first, tk(10020)})

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("tick not delivered")
		}
	}

	assert.Equal(t, int64(10020), in.LTP("NSE", "2885"))
	ltp, bid, ask := in.Quote("NSE", "2885")
	assert.Equal(t, int64(10020), ltp)
	assert.Equal(t, int64(9995), bid)
	assert.Equal(t, int64(10005), ask)
	assert.Equal(t, int64(10), in.SpreadBps("NSE", "2885"))
}

func TestLTPUnknownInstrumentIsZero(t *testing.T) {
	in := New(64, time.Minute, nil)
	assert.Equal(t, int64(0), in.LTP("NSE", "99999"))
	assert.Equal(t, int64(0), in.SpreadBps("NSE", "99999"))
}

type fakeSub struct {
	subscribed  [][]string
	resubCalled int
}

func (f *fakeSub) Subscribe(tokens []string) error { f.subscribed = append(f.subscribed, tokens); return nil }
func (f *fakeSub) Resubscribe() error              { f.resubCalled++; return nil }

func TestOnReconnectResubscribes(t *testing.T) {
	sub := &fakeSub{}
	in := New(64, time.Minute, sub)
	in.OnReconnect()
	assert.Equal(t, 1, sub.resubCalled)

	// nil subscriber (backtest mode) must not panic.
	New(64, time.Minute, nil).OnReconnect()
}
