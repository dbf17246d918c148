// Package strategy provides the pluggable strategy evaluators, the shared
// indicator helpers, the registry, and the regime selector.
//
// A strategy is a pure function over the last K closed candles: it must not
// mutate the window and must not keep references into it across calls.
// Confidence scores are calibrated 0–100 and combine magnitude of edge,
// slope alignment, and relative volume.
package strategy

import (
	"time"

	"intraday-enginev1/internal/model"
)

// Style is the strategy family: which regime it is built for.
type Style string

const (
	StyleTrend  Style = "TREND"
	StyleRange  Style = "RANGE"
	StyleOpen   Style = "OPEN"
	StyleAlways Style = "ALWAYS" // runs regardless of regime
)

// Side of a signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is a trade candidate emitted by a strategy.
type Signal struct {
	StrategyID string       `json:"strategy_id"`
	Style      Style        `json:"style"`
	Side       Side         `json:"side"`
	Confidence float64      `json:"confidence"` // 0–100
	Reason     string       `json:"reason"`
	Candle     model.Candle `json:"candle"` // terminal candle snapshot
	Regime     string       `json:"regime"` // filled by the pipeline
	ProducedAt time.Time    `json:"produced_at"`

	// StopAnchor is the strategy's natural stop reference in paise
	// (e.g. breakout base, swing low). The trade manager pads it with the
	// liquidity buffer and round-level guard.
	StopAnchor int64 `json:"stop_anchor"`

	Meta map[string]float64 `json:"meta,omitempty"`
}

// Window is the candle lookback passed to strategies, oldest first. The
// terminal (most recent closed) candle is the last element.
type Window []model.Candle

// Last returns the terminal candle.
func (w Window) Last() model.Candle { return w[len(w)-1] }

// Prev returns the candle n back from the terminal (Prev(0) == Last()).
func (w Window) Prev(n int) model.Candle { return w[len(w)-1-n] }

// Strategy is the interface all evaluators implement.
type Strategy interface {
	// ID returns the unique strategy identifier, e.g. "EMA_CROSS".
	ID() string

	// Style returns the regime family this strategy belongs to.
	Style() Style

	// Evaluate inspects the window and returns a candidate signal or nil.
	// Implementations must be pure: no mutation of w, no retained state.
	Evaluate(w Window) *Signal
}

// clamp bounds confidence into [0, 100].
func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
