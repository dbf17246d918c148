package strategy

import (
	"fmt"
	"time"

	"intraday-enginev1/internal/markethours"
)

// RangeBreakout signals when the terminal candle closes beyond the N-candle
// high/low with volume confirmation.
type RangeBreakout struct {
	Lookback  int
	MinRelVol float64
}

func NewRangeBreakout() *RangeBreakout { return &RangeBreakout{Lookback: 20, MinRelVol: 1.5} }

func (s *RangeBreakout) ID() string   { return "RANGE_BREAKOUT" }
func (s *RangeBreakout) Style() Style { return StyleRange }

func (s *RangeBreakout) Evaluate(w Window) *Signal {
	if len(w) < s.Lookback+2 {
		return nil
	}
	last := w.Last()
	hh := HighestHigh(w, s.Lookback)
	ll := LowestLow(w, s.Lookback)
	rv := RelVolume(w, s.Lookback)
	if rv < s.MinRelVol {
		return nil
	}

	var side Side
	var edgeBps float64
	var anchor int64
	switch {
	case last.Close > hh:
		side = SideBuy
		edgeBps = float64(last.Close-hh) / float64(hh) * 10000
		anchor = hh // breakout base
	case last.Close < ll:
		side = SideSell
		edgeBps = float64(ll-last.Close) / float64(ll) * 10000
		anchor = ll
	default:
		return nil
	}

	conf := 42 + edgeBps*3 + (rv-s.MinRelVol)*8
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("%d-bar breakout, edge=%.1fbps relvol=%.1f", s.Lookback, edgeBps, rv),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"edge_bps": edgeBps, "rel_vol": rv},
	}
}

// ORB is the Opening Range Breakout: the high/low of the first RangeMin
// minutes of the session defines the range; a close beyond it signals.
// Only fires within the first WindowMin minutes of the session.
type ORB struct {
	RangeMin  int // opening range length in minutes
	WindowMin int // stop looking after this many minutes since open
}

func NewORB() *ORB { return &ORB{RangeMin: 15, WindowMin: 90} }

func (s *ORB) ID() string   { return "ORB" }
func (s *ORB) Style() Style { return StyleOpen }

func (s *ORB) Evaluate(w Window) *Signal {
	if len(w) < 3 {
		return nil
	}
	last := w.Last()
	sinceOpen := markethours.MinutesSinceOpen(last.TS)
	if sinceOpen <= s.RangeMin || sinceOpen > s.WindowMin {
		return nil
	}

	open := markethours.SessionOpen(last.TS)
	rangeEnd := open.Add(time.Duration(s.RangeMin) * time.Minute)

	var orHigh, orLow int64
	orLow = 1 << 62
	found := false
	for i := range w {
		ts := w[i].TS
		if ts.Before(open) || !ts.Before(rangeEnd) {
			continue
		}
		found = true
		if w[i].High > orHigh {
			orHigh = w[i].High
		}
		if w[i].Low < orLow {
			orLow = w[i].Low
		}
	}
	if !found {
		return nil
	}

	rv := RelVolume(w, 10)
	var side Side
	var edgeBps float64
	var anchor int64
	switch {
	case last.Close > orHigh:
		side = SideBuy
		edgeBps = float64(last.Close-orHigh) / float64(orHigh) * 10000
		anchor = orLow
	case last.Close < orLow:
		side = SideSell
		edgeBps = float64(orLow-last.Close) / float64(orLow) * 10000
		anchor = orHigh
	default:
		return nil
	}

	conf := 48 + edgeBps*3
	if rv > 1.5 {
		conf += 12
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("ORB%dm break, edge=%.1fbps", s.RangeMin, edgeBps),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"edge_bps": edgeBps, "rel_vol": rv},
	}
}

// BollingerSqueeze signals when band width has compressed to a local minimum
// and the terminal candle closes outside a band.
type BollingerSqueeze struct {
	Period     int
	Mult       float64
	SqueezeLen int // band width must be the narrowest of this many candles
}

func NewBollingerSqueeze() *BollingerSqueeze {
	return &BollingerSqueeze{Period: 20, Mult: 2.0, SqueezeLen: 40}
}

func (s *BollingerSqueeze) ID() string   { return "BOLL_SQUEEZE" }
func (s *BollingerSqueeze) Style() Style { return StyleRange }

func (s *BollingerSqueeze) Evaluate(w Window) *Signal {
	if len(w) < s.SqueezeLen+s.Period {
		return nil
	}
	mid := SMA(w, s.Period)
	sd := StdDev(w, s.Period)
	if sd == 0 || mid == 0 {
		return nil
	}
	upper := mid + s.Mult*sd
	lower := mid - s.Mult*sd
	width := (upper - lower) / mid

	// Squeeze check: current width must be within 110% of the narrowest
	// width over the squeeze lookback.
	minWidth := width
	for back := 1; back < s.SqueezeLen; back++ {
		sub := w[:len(w)-back]
		m := SMA(sub, s.Period)
		d := StdDev(sub, s.Period)
		if m == 0 {
			continue
		}
		bw := 2 * s.Mult * d / m
		if bw < minWidth {
			minWidth = bw
		}
	}
	if minWidth > 0 && width > minWidth*1.1 {
		return nil
	}

	last := w.Last()
	rv := RelVolume(w, s.Period)
	var side Side
	var anchor int64
	switch {
	case float64(last.Close) > upper:
		side = SideBuy
		anchor = int64(mid)
	case float64(last.Close) < lower:
		side = SideSell
		anchor = int64(mid)
	default:
		return nil
	}

	conf := 46.0
	if rv > 1.8 {
		conf += 14
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("squeeze break, width=%.4f relvol=%.1f", width, rv),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"band_width": width, "rel_vol": rv},
	}
}
