package strategy

import (
	"intraday-enginev1/internal/markethours"
)

// Regime classifications produced by the selector.
const (
	RegimeOpen  = "OPEN"
	RegimeTrend = "TREND"
	RegimeRange = "RANGE"
)

// Selector classifies the current market regime and decides which strategy
// styles may run. When disabled, every style runs.
type Selector struct {
	Enabled bool

	// OpenPhaseMin is how many minutes after session open count as the
	// opening regime.
	OpenPhaseMin int

	// TrendSlopeBps is the minimum absolute 20-bar EMA slope, in basis
	// points, to call the session trending.
	TrendSlopeBps float64
}

// NewSelector returns a selector with the default thresholds.
func NewSelector(enabled bool) *Selector {
	return &Selector{Enabled: enabled, OpenPhaseMin: 30, TrendSlopeBps: 15}
}

// Classify returns the regime for the window's terminal candle.
func (s *Selector) Classify(w Window) string {
	if len(w) == 0 {
		return RegimeRange
	}
	last := w.Last()
	if markethours.MinutesSinceOpen(last.TS) <= s.OpenPhaseMin {
		return RegimeOpen
	}
	if len(w) >= 22 {
		ema := EMASeries(w, 20)
		slopeBps := Slope(ema, 20) * 10000
		if slopeBps < 0 {
			slopeBps = -slopeBps
		}
		if slopeBps >= s.TrendSlopeBps {
			return RegimeTrend
		}
	}
	return RegimeRange
}

// Allows reports whether a strategy style may run in the given regime.
// StyleAlways always runs; with the selector disabled everything runs.
func (s *Selector) Allows(style Style, regime string) bool {
	if !s.Enabled || style == StyleAlways {
		return true
	}
	switch regime {
	case RegimeOpen:
		// Opening phase admits open-drive plays and trend continuation.
		return style == StyleOpen || style == StyleTrend
	case RegimeTrend:
		return style == StyleTrend
	case RegimeRange:
		return style == StyleRange
	}
	return true
}
