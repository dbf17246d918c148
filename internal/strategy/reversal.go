package strategy

import (
	"fmt"
	"time"
)

// VolumeSpike goes with the direction of an outsized, full-bodied candle.
type VolumeSpike struct {
	MinRelVol float64
	MinBody   float64 // body as fraction of range
}

func NewVolumeSpike() *VolumeSpike { return &VolumeSpike{MinRelVol: 3.0, MinBody: 0.6} }

func (s *VolumeSpike) ID() string   { return "VOLUME_SPIKE" }
func (s *VolumeSpike) Style() Style { return StyleAlways }

func (s *VolumeSpike) Evaluate(w Window) *Signal {
	if len(w) < 21 {
		return nil
	}
	last := w.Last()
	rv := RelVolume(w, 20)
	if rv < s.MinRelVol {
		return nil
	}
	body := bodyPct(float64(last.Close), float64(last.Open), float64(last.High), float64(last.Low))
	if body < s.MinBody {
		return nil
	}

	var side Side
	var anchor int64
	if last.Close > last.Open {
		side = SideBuy
		anchor = last.Low
	} else {
		side = SideSell
		anchor = last.High
	}

	conf := 40 + (rv-s.MinRelVol)*6 + body*20
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("volume spike, relvol=%.1f body=%.0f%%", rv, body*100),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"rel_vol": rv, "body_pct": body},
	}
}

// FakeoutFade fades a failed breakout: the previous candle pushed through the
// N-bar extreme but the terminal candle closed back inside the range.
type FakeoutFade struct {
	Lookback int
}

func NewFakeoutFade() *FakeoutFade { return &FakeoutFade{Lookback: 20} }

func (s *FakeoutFade) ID() string   { return "FAKEOUT_FADE" }
func (s *FakeoutFade) Style() Style { return StyleRange }

func (s *FakeoutFade) Evaluate(w Window) *Signal {
	if len(w) < s.Lookback+3 {
		return nil
	}
	last := w.Last()
	prev := w.Prev(1)
	// Extremes over the lookback ending before the breakout candle.
	base := w[:len(w)-1]
	hh := HighestHigh(base, s.Lookback)
	ll := LowestLow(base, s.Lookback)

	var side Side
	var overshootBps float64
	var anchor int64
	switch {
	case prev.High > hh && last.Close < hh:
		// Failed upside break: fade it.
		side = SideSell
		overshootBps = float64(prev.High-hh) / float64(hh) * 10000
		anchor = prev.High
	case prev.Low < ll && last.Close > ll:
		side = SideBuy
		overshootBps = float64(ll-prev.Low) / float64(ll) * 10000
		anchor = prev.Low
	default:
		return nil
	}

	conf := 44 + overshootBps*2
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("fakeout fade, overshoot=%.1fbps", overshootBps),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"overshoot_bps": overshootBps},
	}
}

// WickReversal signals a rejection candle at a local extreme: a long wick
// against the move with the close recovering most of the range.
type WickReversal struct {
	Lookback    int
	MinWickFrac float64 // wick as fraction of range
}

func NewWickReversal() *WickReversal { return &WickReversal{Lookback: 10, MinWickFrac: 0.6} }

func (s *WickReversal) ID() string   { return "WICK_REVERSAL" }
func (s *WickReversal) Style() Style { return StyleAlways }

func (s *WickReversal) Evaluate(w Window) *Signal {
	if len(w) < s.Lookback+2 {
		return nil
	}
	last := w.Last()
	rng := float64(last.High - last.Low)
	if rng <= 0 {
		return nil
	}
	bodyLow := last.Open
	bodyHigh := last.Close
	if bodyLow > bodyHigh {
		bodyLow, bodyHigh = bodyHigh, bodyLow
	}
	lowerWick := float64(bodyLow-last.Low) / rng
	upperWick := float64(last.High-bodyHigh) / rng

	ll := LowestLow(w, s.Lookback)
	hh := HighestHigh(w, s.Lookback)
	rv := RelVolume(w, s.Lookback)

	var side Side
	var wick float64
	var anchor int64
	switch {
	case lowerWick >= s.MinWickFrac && last.Low < ll:
		side = SideBuy
		wick = lowerWick
		anchor = last.Low
	case upperWick >= s.MinWickFrac && last.High > hh:
		side = SideSell
		wick = upperWick
		anchor = last.High
	default:
		return nil
	}

	conf := 40 + (wick-s.MinWickFrac)*60
	if rv > 1.5 {
		conf += 10
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("wick reversal, wick=%.0f%% relvol=%.1f", wick*100, rv),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"wick_frac": wick, "rel_vol": rv},
	}
}
