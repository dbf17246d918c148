package candlestore

import (
	"sync"

	"intraday-enginev1/internal/model"
)

// Cache is a bounded in-memory ring of recent candles per
// (exchange:token, interval). Process-local and rebuildable from the store.
type Cache struct {
	mu    sync.RWMutex
	rings map[string][]model.Candle // key = "exchange:token:{interval}m"
	cap   int
}

// NewCache creates a cache holding up to capacity candles per series.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 200
	}
	return &Cache{
		rings: make(map[string][]model.Candle, 64),
		cap:   capacity,
	}
}

// Append adds a closed candle to its series ring, evicting the oldest when
// full. Forming candles are ignored.
func (c *Cache) Append(candle model.Candle) {
	if candle.Forming {
		return
	}
	key := candle.SeriesKey()
	c.mu.Lock()
	ring := c.rings[key]
	if len(ring) > 0 && ring[len(ring)-1].TS.Equal(candle.TS) {
		// Replay of the same bucket: replace, keeping the series unique on ts.
		ring[len(ring)-1] = candle
	} else {
		ring = append(ring, candle)
		if len(ring) > c.cap {
			ring = ring[1:]
		}
	}
	c.rings[key] = ring
	c.mu.Unlock()
}

// Recent returns a copy of the last n candles for a series (all if n <= 0).
func (c *Cache) Recent(exchange, token string, intervalMin int, n int) []model.Candle {
	key := exchange + ":" + token + ":" + model.Itoa(intervalMin) + "m"
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring := c.rings[key]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	cp := make([]model.Candle, n)
	copy(cp, ring[len(ring)-n:])
	return cp
}

// Len returns the number of cached candles for a series.
func (c *Cache) Len(exchange, token string, intervalMin int) int {
	key := exchange + ":" + token + ":" + model.Itoa(intervalMin) + "m"
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rings[key])
}

// Warm seeds a series ring from stored candles, oldest first.
func (c *Cache) Warm(candles []model.Candle) {
	for _, cd := range candles {
		cd.Forming = false
		c.Append(cd)
	}
}
