package strategy

import (
	"fmt"
	"time"
)

// VWAPReclaim signals when price that had been trading on the wrong side of
// session VWAP closes back through it with volume.
type VWAPReclaim struct {
	MinRelVol float64
}

func NewVWAPReclaim() *VWAPReclaim { return &VWAPReclaim{MinRelVol: 1.3} }

func (s *VWAPReclaim) ID() string   { return "VWAP_RECLAIM" }
func (s *VWAPReclaim) Style() Style { return StyleTrend }

func (s *VWAPReclaim) Evaluate(w Window) *Signal {
	if len(w) < 10 {
		return nil
	}
	vw := VWAP(w)
	if vw == 0 {
		return nil
	}
	last := w.Last()
	prev := w.Prev(1)
	rv := RelVolume(w, 10)
	if rv < s.MinRelVol {
		return nil
	}

	var side Side
	switch {
	case float64(prev.Close) < vw && float64(last.Close) > vw:
		side = SideBuy
	case float64(prev.Close) > vw && float64(last.Close) < vw:
		side = SideSell
	default:
		return nil
	}

	distBps := (float64(last.Close) - vw) / vw * 10000
	if distBps < 0 {
		distBps = -distBps
	}
	conf := 44 + distBps*2 + (rv-s.MinRelVol)*8

	anchor := prev.Low
	if side == SideSell {
		anchor = prev.High
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("VWAP reclaim, dist=%.1fbps relvol=%.1f", distBps, rv),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"vwap": vw, "dist_bps": distBps, "rel_vol": rv},
	}
}

// RSIFade fades RSI extremes back toward VWAP: oversold below VWAP is bought
// only once the terminal candle turns, overbought above VWAP is sold.
// Built for range days; the selector keeps it off trend days.
type RSIFade struct {
	Period int
	OB     float64
	OS     float64
}

func NewRSIFade() *RSIFade { return &RSIFade{Period: 14, OB: 72, OS: 28} }

func (s *RSIFade) ID() string   { return "RSI_FADE" }
func (s *RSIFade) Style() Style { return StyleRange }

func (s *RSIFade) Evaluate(w Window) *Signal {
	if len(w) < s.Period+3 {
		return nil
	}
	r := RSI(w, s.Period)
	vw := VWAP(w)
	last := w.Last()
	prev := w.Prev(1)

	var side Side
	switch {
	case r <= s.OS && float64(last.Close) < vw && last.Close > prev.Close:
		side = SideBuy
	case r >= s.OB && float64(last.Close) > vw && last.Close < prev.Close:
		side = SideSell
	default:
		return nil
	}

	extent := s.OS - r
	if side == SideSell {
		extent = r - s.OB
	}
	conf := 42 + extent*1.5

	anchor := last.Low
	if side == SideSell {
		anchor = last.High
	}
	return &Signal{
		StrategyID: s.ID(),
		Style:      s.Style(),
		Side:       side,
		Confidence: clamp(conf),
		Reason:     fmt.Sprintf("RSI fade, rsi=%.1f vwap=%.0f", r, vw),
		Candle:     last,
		ProducedAt: time.Now(),
		StopAnchor: anchor,
		Meta:       map[string]float64{"rsi": r, "vwap": vw},
	}
}
