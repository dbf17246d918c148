package livecandle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/model"
)

var bucketStart = time.Date(2026, 8, 26, 5, 30, 0, 0, time.UTC) // 11:00 IST

func tickAt(offset time.Duration, price, qty int64) model.Tick {
	return model.Tick{
		Token:    "2885",
		Exchange: "NSE",
		Price:    price,
		Qty:      qty,
		TickTS:   bucketStart.Add(offset),
	}
}

func collect(b *Builder) *[]model.Candle {
	var closed []model.Candle
	b.OnClose = func(c model.Candle) { closed = append(closed, c) }
	return &closed
}

func TestFormingCandleAggregates(t *testing.T) {
	b := New([]int{5})
	collect(b)

	b.ProcessTick(tickAt(0, 10000, 10))
	b.ProcessTick(tickAt(30*time.Second, 10050, 5))
	b.ProcessTick(tickAt(time.Minute, 9990, 20))

	c, ok := b.Forming("NSE", "2885", 5)
	require.True(t, ok)
	assert.Equal(t, int64(10000), c.Open)
	assert.Equal(t, int64(10050), c.High)
	assert.Equal(t, int64(9990), c.Low)
	assert.Equal(t, int64(9990), c.Close)
	assert.Equal(t, int64(35), c.Volume)
	assert.Equal(t, 3, c.TicksCount)
	assert.True(t, c.Forming)
}

func TestRolloverEmitsClosedCandle(t *testing.T) {
	b := New([]int{5})
	closed := collect(b)

	b.ProcessTick(tickAt(0, 10000, 10))
	b.ProcessTick(tickAt(5*time.Minute, 10100, 5)) // next bucket

	require.Len(t, *closed, 1)
	c := (*closed)[0]
	assert.False(t, c.Forming)
	assert.Equal(t, int64(10000), c.Close)
	assert.True(t, c.TS.Equal(bucketStart))
	assert.Equal(t, model.SourceLive, c.Source)

	// The new bucket opens at the rollover tick's price.
	f, ok := b.Forming("NSE", "2885", 5)
	require.True(t, ok)
	assert.Equal(t, int64(10100), f.Open)
}

func TestMultipleIntervalsShareTicks(t *testing.T) {
	b := New([]int{3, 5})
	closed := collect(b)

	b.ProcessTick(tickAt(0, 10000, 10))
	b.ProcessTick(tickAt(3*time.Minute, 10050, 5))

	// The 3m bucket rolled, the 5m bucket is still forming.
	require.Len(t, *closed, 1)
	assert.Equal(t, 3, (*closed)[0].IntervalMin)
	_, ok := b.Forming("NSE", "2885", 5)
	assert.True(t, ok)
}

func TestStaleTickRejected(t *testing.T) {
	b := New([]int{5})
	collect(b)
	stale := 0
	b.OnStaleTick = func() { stale++ }

	b.ProcessTick(tickAt(5*time.Minute, 10100, 5))
	b.ProcessTick(tickAt(0, 9000, 10)) // a full bucket behind

	assert.Equal(t, 1, stale)
	f, _ := b.Forming("NSE", "2885", 5)
	assert.Equal(t, int64(10100), f.Low, "stale tick must not touch the forming candle")
}

func TestLateTickWithinToleranceFoldsIn(t *testing.T) {
	b := New([]int{5})
	collect(b)
	b.StaleTolerance = 10 * time.Minute

	b.ProcessTick(tickAt(5*time.Minute, 10100, 10))
	b.ProcessTick(tickAt(0, 9990, 5)) // prior bucket, inside tolerance

	f, _ := b.Forming("NSE", "2885", 5)
	assert.Equal(t, int64(9990), f.Low)
	assert.Equal(t, int64(15), f.Volume)
}

func TestFlushOldClosesElapsedBuckets(t *testing.T) {
	b := New([]int{5})
	closed := collect(b)

	b.ProcessTick(tickAt(0, 10000, 10))
	b.FlushOld(bucketStart.Add(4 * time.Minute))
	assert.Empty(t, *closed, "bucket not yet elapsed")

	b.FlushOld(bucketStart.Add(5 * time.Minute))
	require.Len(t, *closed, 1)
	_, ok := b.Forming("NSE", "2885", 5)
	assert.False(t, ok)
}

func TestFlushAllOnShutdown(t *testing.T) {
	b := New([]int{3, 5})
	closed := collect(b)

	b.ProcessTick(tickAt(0, 10000, 10))
	b.FlushAll()
	assert.Len(t, *closed, 2)
}
