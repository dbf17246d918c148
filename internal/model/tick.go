package model

import "time"

// Tick represents a single market data tick from the broker WebSocket.
// Price is stored as int64 in paise (1 INR = 100 paise) to avoid float drift.
type Tick struct {
	Token    string    `json:"token"`
	Exchange string    `json:"exchange"`
	Price    int64     `json:"price"`    // paise (LTP)
	Qty      int64     `json:"qty"`      // last traded quantity
	Volume   int64     `json:"volume"`   // cumulative day volume, 0 if not provided
	BestBid  int64     `json:"best_bid"` // paise, 0 if depth not subscribed
	BestAsk  int64     `json:"best_ask"` // paise, 0 if depth not subscribed
	TickTS   time.Time `json:"tick_ts"`  // exchange timestamp (UTC); receive time if absent
}

// Key returns a unique key for this tick's instrument: "exchange:token".
func (t *Tick) Key() string {
	return t.Exchange + ":" + t.Token
}

// SpreadBps returns the bid/ask spread in basis points of the mid price.
// Returns 0 when depth is unavailable.
func (t *Tick) SpreadBps() int64 {
	if t.BestBid <= 0 || t.BestAsk <= t.BestBid {
		return 0
	}
	mid := (t.BestBid + t.BestAsk) / 2
	if mid == 0 {
		return 0
	}
	return (t.BestAsk - t.BestBid) * 10000 / mid
}
