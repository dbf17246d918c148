package strategy

import (
	"fmt"
	"time"
)

// EMACross signals when the fast EMA crosses the slow EMA on the terminal
// candle. Confidence combines cross separation, slow-EMA slope alignment,
// and relative volume.
type EMACross struct {
	Fast int
	Slow int
}

// NewEMACross creates the default 9/21 cross.
func NewEMACross() *EMACross { return &EMACross{Fast: 9, Slow: 21} }

func (s *EMACross) ID() string   { return "EMA_CROSS" }
func (s *EMACross) Style() Style { return StyleTrend }

func (s *EMACross) Evaluate(w Window) *Signal {
	if len(w) < s.Slow+2 {
		return nil
	}
	fast := EMASeries(w, s.Fast)
	slow := EMASeries(w, s.Slow)
	n := len(w)

	prevDiff := fast[n-2] - slow[n-2]
	currDiff := fast[n-1] - slow[n-1]
	if currDiff == 0 || slow[n-1] == 0 {
		return nil
	}

	var side Side
	switch {
	case prevDiff <= 0 && currDiff > 0:
		side = SideBuy
	case prevDiff >= 0 && currDiff < 0:
		side = SideSell
	default:
		return nil
	}

	sepBps := currDiff / slow[n-1] * 10000
	if sepBps < 0 {
		sepBps = -sepBps
	}
	slope := Slope(slow, 10)
	aligned := (side == SideBuy && slope > 0) || (side == SideSell && slope < 0)
	rv := RelVolume(w, 20)

	conf := 40 + sepBps*4
	if aligned {
		conf += 15
	}
	if rv > 1.5 {
		conf += 10
	}

	last := w.Last()
	anchor := LowestLow(w, 5)
	if side == SideSell {
		anchor = HighestHigh(w, 5)
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("EMA %d/%d cross, sep=%.1fbps relvol=%.1f", s.Fast, s.Slow, sepBps, rv),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"sep_bps": sepBps, "rel_vol": rv},
	}
}

// EMAPullback signals a reclaim of the fast EMA in an established trend:
// price dipped below the fast EMA while the slow EMA trend holds, and the
// terminal candle closes back on the trend side.
type EMAPullback struct {
	Fast int
	Slow int
}

func NewEMAPullback() *EMAPullback { return &EMAPullback{Fast: 20, Slow: 50} }

func (s *EMAPullback) ID() string   { return "EMA_PULLBACK" }
func (s *EMAPullback) Style() Style { return StyleTrend }

func (s *EMAPullback) Evaluate(w Window) *Signal {
	if len(w) < s.Slow+3 {
		return nil
	}
	fast := EMASeries(w, s.Fast)
	slow := EMASeries(w, s.Slow)
	n := len(w)
	last := w.Last()
	prev := w.Prev(1)

	uptrend := fast[n-1] > slow[n-1] && Slope(slow, 10) > 0
	downtrend := fast[n-1] < slow[n-1] && Slope(slow, 10) < 0

	var side Side
	switch {
	case uptrend && float64(prev.Low) < fast[n-2] && float64(last.Close) > fast[n-1]:
		side = SideBuy
	case downtrend && float64(prev.High) > fast[n-2] && float64(last.Close) < fast[n-1]:
		side = SideSell
	default:
		return nil
	}

	depthBps := (fast[n-2] - float64(prev.Low)) / fast[n-2] * 10000
	if side == SideSell {
		depthBps = (float64(prev.High) - fast[n-2]) / fast[n-2] * 10000
	}
	rv := RelVolume(w, 20)
	conf := 45 + depthBps*2
	if rv > 1.2 {
		conf += 10
	}

	anchor := prev.Low
	if side == SideSell {
		anchor = prev.High
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("EMA%d pullback reclaim, depth=%.1fbps", s.Fast, depthBps),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"depth_bps": depthBps, "rel_vol": rv},
	}
}
