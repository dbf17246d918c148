package candlestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
)

func openTestStore(t *testing.T, ttl time.Duration) *Store {
	t.Helper()
	s, err := New(StoreConfig{
		DBPath:       filepath.Join(t.TempDir(), "candles.db"),
		RetentionTTL: ttl,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// candleAt builds a 5m candle at the given IST clock on 2026-08-26.
func candleAt(hour, min int, close int64) model.Candle {
	ts := time.Date(2026, 8, 26, hour, min, 0, 0, markethours.IST)
	return model.Candle{
		Token: "2885", Exchange: "NSE", IntervalMin: 5, TS: ts,
		Open: close - 10, High: close + 5, Low: close - 15, Close: close,
		Volume: 500, TicksCount: 40, Source: model.SourceLive,
	}
}

func TestUpsertIsIdempotentOnSeriesKey(t *testing.T) {
	s := openTestStore(t, 0)
	c := candleAt(11, 0, 10000)
	require.NoError(t, s.Upsert(c))

	// Replaying the same bucket with a different close keeps one row with the
	// latest values.
	c.Close = 10040
	require.NoError(t, s.Upsert(c))

	got, err := s.Read("NSE", "2885", 5, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10040), got[0].Close)
	assert.True(t, got[0].TS.Equal(c.TS))
}

func TestUpsertBatchAndReadAscending(t *testing.T) {
	s := openTestStore(t, 0)
	batch := []model.Candle{
		candleAt(11, 10, 10100),
		candleAt(11, 0, 10000),
		candleAt(11, 5, 10050),
	}
	require.NoError(t, s.UpsertBatch(batch))

	got, err := s.Read("NSE", "2885", 5, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(10000), got[0].Close)
	assert.Equal(t, int64(10100), got[2].Close)

	limited, err := s.Read("NSE", "2885", 5, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReadRangeBounds(t *testing.T) {
	s := openTestStore(t, 0)
	c1 := candleAt(11, 0, 10000)
	c2 := candleAt(11, 5, 10050)
	c3 := candleAt(11, 10, 10100)
	require.NoError(t, s.UpsertBatch([]model.Candle{c1, c2, c3}))

	got, err := s.ReadRange("NSE", "2885", 5, c1.TS.Unix(), c2.TS.Unix())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(10050), got[1].Close)
}

func TestPruneHonorsRetention(t *testing.T) {
	s := openTestStore(t, 24*time.Hour)
	old := candleAt(11, 0, 10000)
	old.TS = old.TS.AddDate(0, 0, -3)
	require.NoError(t, s.Upsert(old))
	require.NoError(t, s.Upsert(candleAt(11, 5, 10050)))

	n, err := s.Prune(time.Date(2026, 8, 26, 12, 0, 0, 0, markethours.IST))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Read("NSE", "2885", 5, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCacheReplaceSameBucket(t *testing.T) {
	cache := NewCache(10)
	c := candleAt(11, 0, 10000)
	cache.Append(c)
	c.Close = 10040
	cache.Append(c)

	got := cache.Recent("NSE", "2885", 5, 0)
	require.Len(t, got, 1)
	assert.Equal(t, int64(10040), got[0].Close)
}

func TestCacheEvictsOldest(t *testing.T) {
	cache := NewCache(3)
	for i := 0; i < 5; i++ {
		cache.Append(candleAt(11, i*5, 10000+int64(i)))
	}
	got := cache.Recent("NSE", "2885", 5, 0)
	require.Len(t, got, 3)
	assert.Equal(t, int64(10002), got[0].Close)
	assert.Equal(t, int64(10004), got[2].Close)
}

func TestCacheIgnoresFormingCandles(t *testing.T) {
	cache := NewCache(10)
	c := candleAt(11, 0, 10000)
	c.Forming = true
	cache.Append(c)
	assert.Equal(t, 0, cache.Len("NSE", "2885", 5))
}
