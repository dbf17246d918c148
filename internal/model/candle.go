package model

import (
	"encoding/json"
	"time"
)

// CandleSource tags where a candle came from.
type CandleSource string

const (
	SourceLive       CandleSource = "live"
	SourceHistorical CandleSource = "historical"
	SourceSynthetic  CandleSource = "synthetic"
)

// Candle represents an OHLC candle for a single instrument and interval.
// All prices are in paise (int64) to avoid floating-point drift.
// Invariants: (token, interval, ts) is unique; high >= max(open, close);
// low <= min(open, close).
type Candle struct {
	Token       string       `json:"token"`
	Exchange    string       `json:"exchange"`
	IntervalMin int          `json:"interval_min"`
	TS          time.Time    `json:"ts"`     // bucket start time (UTC, interval-aligned)
	Open        int64        `json:"open"`   // paise
	High        int64        `json:"high"`   // paise
	Low         int64        `json:"low"`    // paise
	Close       int64        `json:"close"`  // paise
	Volume      int64        `json:"volume"` // cumulative quantity in this bucket
	TicksCount  int          `json:"ticks_count"`
	Source      CandleSource `json:"source"`
	Forming     bool         `json:"forming"` // true while the bucket is still open
}

// Key returns a unique key for this candle's instrument: "exchange:token".
func (c *Candle) Key() string {
	return c.Exchange + ":" + c.Token
}

// SeriesKey returns "exchange:token:{interval}m", identifying one candle series.
func (c *Candle) SeriesKey() string {
	return c.Exchange + ":" + c.Token + ":" + Itoa(c.IntervalMin) + "m"
}

// PubSubChannel returns the pub/sub channel for this candle series.
func (c *Candle) PubSubChannel() string {
	return "pub:candle:" + Itoa(c.IntervalMin) + "m:" + c.Exchange + ":" + c.Token
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// Valid reports whether the OHLC relationship invariants hold.
func (c *Candle) Valid() bool {
	if c.High < c.Open || c.High < c.Close {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close {
		return false
	}
	return c.Low <= c.High
}
