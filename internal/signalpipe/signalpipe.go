// Package signalpipe runs strategy evaluation on candle closes and routes the
// winning signal to the trade manager. One pipeline instance consumes one
// subscriber channel from the candle bus; it is single-goroutine, so no locks
// around the evaluation path.
package signalpipe

import (
	"log"

	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
)

// Dispatcher receives the winning signal. Implemented by the trade manager.
type Dispatcher interface {
	HandleSignal(sig *strategy.Signal)
}

// Pipeline evaluates the registry on every closed candle.
type Pipeline struct {
	registry *strategy.Registry
	selector *strategy.Selector
	cache    *candlestore.Cache
	sink     *telemetry.Sink
	dispatch Dispatcher

	// MinCandles is the minimum window length before strategies run.
	MinCandles int

	// MinConfidence filters the winning candidate.
	MinConfidence float64

	// AllowSynthetic admits terminal candles not built from live ticks.
	AllowSynthetic bool

	// LookbackCandles is the window length handed to strategies.
	LookbackCandles int

	// OnSignal fires after dispatch, for metrics.
	OnSignal func(sig *strategy.Signal)
}

// New wires a pipeline. The cache must be the same one the candle persistence
// path appends to.
func New(reg *strategy.Registry, sel *strategy.Selector, cache *candlestore.Cache, sink *telemetry.Sink, d Dispatcher) *Pipeline {
	return &Pipeline{
		registry:        reg,
		selector:        sel,
		cache:           cache,
		sink:            sink,
		dispatch:        d,
		MinCandles:      50,
		MinConfidence:   0,
		LookbackCandles: 120,
	}
}

// OnClose evaluates one closed candle. The caller appends the candle to the
// cache before invoking it, so the window always ends on the fresh close.
func (p *Pipeline) OnClose(c model.Candle) {
	if c.Forming {
		return
	}
	if c.Source != model.SourceLive && !p.AllowSynthetic {
		p.sink.Blocked("signalpipe", "SYNTHETIC_CANDLE", c.Token)
		return
	}

	w := strategy.Window(p.cache.Recent(c.Exchange, c.Token, c.IntervalMin, p.LookbackCandles))
	if len(w) < p.MinCandles {
		return
	}
	// Guard against racing the cache append: evaluate only when the window
	// terminal is the candle that just closed.
	if !w.Last().TS.Equal(c.TS) {
		return
	}

	regime := p.selector.Classify(w)
	best := p.evaluate(w, regime, c.Token)
	if best == nil {
		return
	}
	if best.Confidence < p.MinConfidence {
		p.sink.Blocked("signalpipe", "LOW_CONFIDENCE", c.Token)
		return
	}

	log.Printf("[signalpipe] %s %s %s conf=%.0f regime=%s (%s)",
		best.StrategyID, best.Side, c.Key(), best.Confidence, regime, best.Reason)
	if p.dispatch != nil {
		p.dispatch.HandleSignal(best)
	}
	if p.OnSignal != nil {
		p.OnSignal(best)
	}
}

// evaluate runs the active strategies and picks the highest-confidence
// candidate. Registry declaration order breaks ties: the earlier strategy
// wins, so ordering in the registry is part of the contract.
func (p *Pipeline) evaluate(w strategy.Window, regime, token string) *strategy.Signal {
	var best *strategy.Signal
	for _, s := range p.registry.All() {
		if !p.selector.Allows(s.Style(), regime) {
			continue
		}
		sig := s.Evaluate(w)
		if sig == nil {
			continue
		}
		sig.Regime = regime
		p.sink.Record(telemetry.Entry{
			Kind:   telemetry.KindSignal,
			Stage:  "candidate",
			Token:  token,
			Reason: sig.Reason,
			Detail: map[string]any{"strategy": sig.StrategyID, "confidence": sig.Confidence, "side": string(sig.Side)},
		})
		if best == nil || sig.Confidence > best.Confidence {
			best = sig
		}
	}
	return best
}
