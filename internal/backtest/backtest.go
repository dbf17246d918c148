// Package backtest replays stored candles through the regime selector, the
// strategy registry, and the dynamic exit manager under a simulated execution
// model. Entries fill at the next bar's open plus slippage; stops and targets
// fill intrabar, stop first when both touch. The run produces a JSON artifact
// with per-trade records and aggregate metrics.
package backtest

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/exitmanager"
	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
)

const lookbackCandles = 120

// Params defines one backtest run.
type Params struct {
	Exchange    string    `json:"exchange"`
	Token       string    `json:"token"`
	IntervalMin int       `json:"interval_min"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Seed        int64     `json:"seed"`

	EquityPaise     int64   `json:"equity_paise"`
	PerTradeRiskPct float64 `json:"per_trade_risk_pct"`
	LotSize         int64   `json:"lot_size"`  // 1 for cash equity
	TickSize        int64   `json:"tick_size"` // paise
	RR              float64 `json:"rr"`

	MinCandles    int     `json:"min_candles"`
	MinConfidence float64 `json:"min_confidence"`

	SlippageBps    int64 `json:"slippage_bps"`
	FeePerLotPaise int64 `json:"fee_per_lot_paise"`

	QualityMode candlestore.QualityMode `json:"quality_mode"`
}

// TradeRecord is one simulated trade in the artifact.
type TradeRecord struct {
	StrategyID string    `json:"strategy_id"`
	Side       string    `json:"side"`
	Regime     string    `json:"regime"`
	EntryTS    time.Time `json:"entry_ts"`
	ExitTS     time.Time `json:"exit_ts"`
	EntryPrice int64     `json:"entry_price"` // paise
	ExitPrice  int64     `json:"exit_price"`  // paise
	Qty        int64     `json:"qty"`
	StopLoss   int64     `json:"initial_stop_loss"`
	Target     int64     `json:"target_price"`
	ExitReason string    `json:"exit_reason"`
	GrossPaise int64     `json:"gross_paise"`
	CostPaise  int64     `json:"cost_paise"`
	NetPaise   int64     `json:"net_paise"`
	NetR       float64   `json:"net_r"`
	HoldMin    int       `json:"hold_min"`
}

// Metrics aggregates a run.
type Metrics struct {
	Trades                int     `json:"trades"`
	Wins                  int     `json:"wins"`
	Losses                int     `json:"losses"`
	WinRate               float64 `json:"winRate"`
	TotalNetPnl           int64   `json:"totalNetPnl"` // paise
	TotalEstimatedCostInr float64 `json:"totalEstimatedCostInr"`
	MaxDrawdownInr        float64 `json:"maxDrawdownInr"`
	AvgNetPerTrade        int64   `json:"avgNetPerTrade"` // paise
}

// StrategyStats is the per-strategy analytics block.
type StrategyStats struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	NetPaise int64   `json:"net_paise"`
	AvgNetR  float64 `json:"avg_net_r"`
}

// Result is the JSON run artifact.
type Result struct {
	RunAt          time.Time                `json:"runAt"`
	Exchange       string                   `json:"exchange"`
	Token          string                   `json:"token"`
	IntervalMin    int                      `json:"intervalMin"`
	RangeFrom      time.Time                `json:"rangeFrom"`
	RangeTo        time.Time                `json:"rangeTo"`
	Seed           int64                    `json:"seed"`
	ConfigSnapshot config.ExitConfig        `json:"configSnapshot"`
	Params         Params                   `json:"params"`
	Candles        int                      `json:"candles"`
	QualityIssues  int                      `json:"qualityIssues"`
	Metrics        Metrics                  `json:"metrics"`
	Trades         []TradeRecord            `json:"trades"`
	Analytics      map[string]StrategyStats `json:"analytics"`
}

// WriteFile writes the artifact as indented JSON.
func (r *Result) WriteFile(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Harness owns the components a run replays through.
type Harness struct {
	store    *candlestore.Store
	registry *strategy.Registry
	selector *strategy.Selector
	sink     *telemetry.Sink
	exitCfg  config.ExitConfig
}

// New builds a harness. sink may be nil.
func New(store *candlestore.Store, reg *strategy.Registry, sel *strategy.Selector,
	sink *telemetry.Sink, exitCfg config.ExitConfig) *Harness {
	return &Harness{store: store, registry: reg, selector: sel, sink: sink, exitCfg: exitCfg}
}

// Run replays the stored range and returns the artifact.
func (h *Harness) Run(p Params) (*Result, error) {
	if p.LotSize <= 0 {
		p.LotSize = 1
	}
	if p.TickSize <= 0 {
		p.TickSize = 5
	}
	if p.RR <= 0 {
		p.RR = 2.0
	}
	if p.MinCandles <= 0 {
		p.MinCandles = 50
	}

	candles, err := h.store.ReadRange(p.Exchange, p.Token, p.IntervalMin, p.From.Unix(), p.To.Unix())
	if err != nil {
		return nil, fmt.Errorf("read candles: %w", err)
	}
	issues, err := candlestore.Validate(candles, p.IntervalMin, p.QualityMode)
	if err != nil {
		return nil, fmt.Errorf("data quality: %w", err)
	}

	res := &Result{
		RunAt:          time.Now(),
		Exchange:       p.Exchange,
		Token:          p.Token,
		IntervalMin:    p.IntervalMin,
		RangeFrom:      p.From,
		RangeTo:        p.To,
		Seed:           p.Seed,
		ConfigSnapshot: h.exitCfg,
		Params:         p,
		Candles:        len(candles),
		QualityIssues:  len(issues),
		Analytics:      make(map[string]StrategyStats),
	}
	if len(candles) < p.MinCandles+1 {
		log.Printf("[backtest] only %d candles in range, need %d", len(candles), p.MinCandles+1)
		return res, nil
	}

	s := &sim{p: p, exitCfg: h.exitCfg, rng: rand.New(rand.NewSource(p.Seed))}

	for i := p.MinCandles; i < len(candles); i++ {
		bar := candles[i]

		if s.pending != nil {
			s.fillEntry(bar)
		}
		if s.open != nil {
			s.stepBar(bar, res)
		}
		if s.open != nil || s.pending != nil {
			continue
		}

		lo := i + 1 - lookbackCandles
		if lo < 0 {
			lo = 0
		}
		w := strategy.Window(candles[lo : i+1])
		best := h.pick(w, p.MinConfidence)
		if best == nil {
			continue
		}
		s.pending = best
	}

	// Force-close anything still open at the end of the range.
	if s.open != nil {
		last := candles[len(candles)-1]
		s.closeAt(last.TS, last.Close, "RANGE_END", res)
	}

	finalize(res)
	log.Printf("[backtest] %s:%s %dm: %d candles, %d trades, net %d paise",
		p.Exchange, p.Token, p.IntervalMin, len(candles), res.Metrics.Trades, res.Metrics.TotalNetPnl)
	return res, nil
}

// pick mirrors the live pipeline's selection: regime filter, highest
// confidence, declaration order on ties.
func (h *Harness) pick(w strategy.Window, minConfidence float64) *strategy.Signal {
	last := w.Last()
	if !markethours.EntryAllowed(last.TS) {
		return nil
	}
	regime := h.selector.Classify(w)
	var best *strategy.Signal
	for _, st := range h.registry.All() {
		if !h.selector.Allows(st.Style(), regime) {
			continue
		}
		sig := st.Evaluate(w)
		if sig == nil {
			continue
		}
		sig.Regime = regime
		if h.sink != nil {
			h.sink.Record(telemetry.Entry{
				Kind:   telemetry.KindSignal,
				Stage:  "backtest",
				Token:  last.Token,
				Reason: sig.Reason,
				Detail: map[string]any{"strategy": sig.StrategyID, "confidence": sig.Confidence},
			})
		}
		if best == nil || sig.Confidence > best.Confidence {
			best = sig
		}
	}
	if best != nil && best.Confidence < minConfidence {
		return nil
	}
	return best
}

// sim holds the single-position execution state of one run.
type sim struct {
	p       Params
	exitCfg config.ExitConfig
	rng     *rand.Rand

	pending *strategy.Signal
	open    *model.Trade
}

// slip returns the adverse slippage in paise for a fill at price. Jittered
// uniformly in [0, SlippageBps] so runs with the same seed reproduce exactly.
func (s *sim) slip(price int64) int64 {
	if s.p.SlippageBps <= 0 {
		return 0
	}
	bps := s.rng.Int63n(s.p.SlippageBps + 1)
	return price * bps / 10000
}

// fillEntry converts the pending signal into a live simulated trade at this
// bar's open.
func (s *sim) fillEntry(bar model.Candle) {
	sig := s.pending
	s.pending = nil

	dir := int64(1)
	if sig.Side == strategy.SideSell {
		dir = -1
	}
	entry := bar.Open + dir*s.slip(bar.Open)

	stop := sig.StopAnchor
	if stop == 0 {
		stop = entry - dir*entry/100 // 1% fallback
	}
	stop -= dir * s.exitCfg.LiquidityBufferTicks * s.p.TickSize
	riskPerShare := dir * (entry - stop)
	if riskPerShare <= 0 {
		riskPerShare = entry / 100
		stop = entry - dir*riskPerShare
	}

	budget := int64(float64(s.p.EquityPaise) * s.p.PerTradeRiskPct / 100)
	qty := (budget - s.p.FeePerLotPaise) / riskPerShare
	qty -= qty % s.p.LotSize
	if qty <= 0 {
		return
	}

	feePerShare := s.p.FeePerLotPaise / qty
	slipPerShare := entry * s.p.SlippageBps / 10000

	s.open = &model.Trade{
		TradeID:         fmt.Sprintf("bt-%d", bar.TS.Unix()),
		StrategyID:      sig.StrategyID,
		Token:           bar.Token,
		Exchange:        bar.Exchange,
		Side:            string(sig.Side),
		Status:          model.TradeLive,
		Regime:          sig.Regime,
		RequestedQty:    qty,
		FilledQty:       qty,
		EntryPrice:      entry,
		InitialStopLoss: stop,
		StopLoss:        stop,
		TargetPrice:     entry + dir*int64(s.p.RR*float64(riskPerShare)),
		RR:              s.p.RR,
		RiskPaise:       riskPerShare * qty,
		CreatedAt:       bar.TS,
		EntryFilledAt:   bar.TS,
		Exec: model.ExecModel{
			SlippageBps:    s.p.SlippageBps,
			FeePerLotPaise: s.p.FeePerLotPaise,
			CostPerShare:   slipPerShare + feePerShare,
		},
	}
}

// stepBar advances the open trade through one bar: intrabar stop/target
// first (stop wins when both touch), then the exit-manager plan at the close.
func (s *sim) stepBar(bar model.Candle, res *Result) {
	t := s.open
	dir := int64(1)
	if !t.IsBuy() {
		dir = -1
	}

	stopHit := (dir > 0 && bar.Low <= t.StopLoss) || (dir < 0 && bar.High >= t.StopLoss)
	targetHit := t.TargetPrice != 0 &&
		((dir > 0 && bar.High >= t.TargetPrice) || (dir < 0 && bar.Low <= t.TargetPrice))

	if stopHit {
		s.closeAt(bar.TS, t.StopLoss-dir*s.slip(t.StopLoss), "SL", res)
		return
	}
	if targetHit {
		s.closeAt(bar.TS, t.TargetPrice, "TARGET", res)
		return
	}

	plan := exitmanager.ComputePlan(exitmanager.Input{
		Trade:    t,
		LTP:      bar.Close,
		Now:      bar.TS,
		TickSize: s.p.TickSize,
	}, s.exitCfg)
	plan.Patch.Apply(t)
	t.LastLTP = bar.Close

	if plan.Action == exitmanager.ActionExitNow {
		s.closeAt(bar.TS, bar.Close-dir*s.slip(bar.Close), plan.Reason, res)
		return
	}

	// Session end: flat by close, no overnight positions.
	if !markethours.IsMarketOpen(bar.TS.Add(time.Duration(bar.IntervalMin) * time.Minute)) {
		s.closeAt(bar.TS, bar.Close-dir*s.slip(bar.Close), "SESSION_END", res)
	}
}

func (s *sim) closeAt(ts time.Time, price int64, reason string, res *Result) {
	t := s.open
	s.open = nil

	dir := int64(1)
	if !t.IsBuy() {
		dir = -1
	}
	gross := dir * (price - t.EntryPrice) * t.FilledQty
	cost := t.Exec.CostPerShare * t.FilledQty
	net := gross - cost
	netR := 0.0
	if t.RiskPaise > 0 {
		netR = float64(net) / float64(t.RiskPaise)
	}

	res.Trades = append(res.Trades, TradeRecord{
		StrategyID: t.StrategyID,
		Side:       t.Side,
		Regime:     t.Regime,
		EntryTS:    t.EntryFilledAt,
		ExitTS:     ts,
		EntryPrice: t.EntryPrice,
		ExitPrice:  price,
		Qty:        t.FilledQty,
		StopLoss:   t.InitialStopLoss,
		Target:     t.TargetPrice,
		ExitReason: reason,
		GrossPaise: gross,
		CostPaise:  cost,
		NetPaise:   net,
		NetR:       netR,
		HoldMin:    int(ts.Sub(t.EntryFilledAt).Minutes()),
	})
}

func finalize(res *Result) {
	var equity, peak, maxDD, totalCost int64
	for _, tr := range res.Trades {
		res.Metrics.Trades++
		if tr.NetPaise > 0 {
			res.Metrics.Wins++
		} else {
			res.Metrics.Losses++
		}
		res.Metrics.TotalNetPnl += tr.NetPaise
		totalCost += tr.CostPaise

		equity += tr.NetPaise
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > maxDD {
			maxDD = dd
		}

		st := res.Analytics[tr.StrategyID]
		st.Trades++
		if tr.NetPaise > 0 {
			st.Wins++
		}
		st.NetPaise += tr.NetPaise
		st.AvgNetR += tr.NetR
		res.Analytics[tr.StrategyID] = st
	}
	for id, st := range res.Analytics {
		if st.Trades > 0 {
			st.AvgNetR /= float64(st.Trades)
		}
		res.Analytics[id] = st
	}
	if res.Metrics.Trades > 0 {
		res.Metrics.WinRate = float64(res.Metrics.Wins) / float64(res.Metrics.Trades) * 100
		res.Metrics.AvgNetPerTrade = res.Metrics.TotalNetPnl / int64(res.Metrics.Trades)
	}
	res.Metrics.TotalEstimatedCostInr = float64(totalCost) / 100
	res.Metrics.MaxDrawdownInr = float64(maxDD) / 100
}
