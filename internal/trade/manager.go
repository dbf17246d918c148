package trade

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/exitmanager"
	"intraday-enginev1/internal/governor"
	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/instruments"
	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/optimizer"
	"intraday-enginev1/internal/ratelimit"
	"intraday-enginev1/internal/risk"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
	"intraday-enginev1/pkg/smartconnect"
)

// Admission stages recorded in blocked telemetry.
const (
	StageHalt      = "halt"
	StageCalendar  = "calendar"
	StageRisk      = "risk"
	StageGovernor  = "governor"
	StageOptimizer = "optimizer"
	StageRateLimit = "ratelimit"
	StageSizing    = "sizing"
	StagePlacement = "placement"
)

// Rejection classes.
const (
	RejectCircuit = "CIRCUIT"
	RejectMargin  = "MARGIN"
	RejectSession = "SESSION"
	RejectOther   = "OTHER"
)

const (
	defaultRR        = 2.0
	circuitCooldown  = 60 * time.Second
	sessionCooldown  = 10 * time.Minute
	orderUpdateDedup = 90 * time.Second
)

// Broker is the slice of the retrying client the manager needs.
type Broker interface {
	PlaceOrder(p smartconnect.OrderParams) (string, error)
	ModifyOrder(orderID string, p smartconnect.OrderParams) error
	CancelOrder(orderID, variety string) error
	OrderBook() ([]model.Order, error)
	Positions() ([]model.Position, error)
	AvailableCash() (int64, error)
}

// Quotes is the slice of the ingestor the manager reads prices from.
type Quotes interface {
	LTP(exchange, token string) int64
	SpreadBps(exchange, token string) int64
}

// WindowSource supplies recent candles for ATR-based stop padding.
type WindowSource interface {
	Recent(exchange, token string, intervalMin int, n int) []model.Candle
}

// Manager drives trades from signal to close. It implements the signal
// pipeline's Dispatcher and the risk engine's PositionView.
type Manager struct {
	cfg    *config.Config
	store  *Store
	risk   *risk.Engine
	gov    *governor.Governor
	opt    *optimizer.Optimizer
	limit  *ratelimit.Limiter
	bus    *halt.Bus
	sink   *telemetry.Sink
	broker Broker
	quotes Quotes
	repo   *instruments.Repo
	wins   WindowSource

	mu       sync.Mutex
	open     map[string]*model.Trade // tradeID → open trade
	byOrder  map[string]string       // orderID → tradeID
	lastEval map[string]time.Time    // tradeID → last exit evaluation
	factGate bool
	equity   int64 // session equity paise

	dedup *deduper

	reconcileBusy bool
	ocoBusy       bool

	// OnTradeClosed fires after a trade reaches a terminal state (optional,
	// push surface).
	OnTradeClosed func(*model.Trade)
	// OnTradeOpened fires when a trade goes LIVE (optional).
	OnTradeOpened func(*model.Trade)
	// OnOrderReject fires with the classified rejection bucket (optional).
	OnOrderReject func(class string)
	// OnExitModify fires after a stop or target modification is accepted
	// (optional).
	OnExitModify func()
	// OnAdopt fires when a broker-side position with no local trade is
	// adopted; the engine subscribes the token to the tick feed here
	// (optional).
	OnAdopt func(*model.Trade)

	now func() time.Time
}

// NewManager wires the manager. Call Recover before routing live events.
func NewManager(cfg *config.Config, store *Store, riskEng *risk.Engine,
	gov *governor.Governor, opt *optimizer.Optimizer, limit *ratelimit.Limiter,
	bus *halt.Bus, sink *telemetry.Sink, broker Broker, quotes Quotes,
	repo *instruments.Repo, wins WindowSource) *Manager {

	m := &Manager{
		cfg:      cfg,
		store:    store,
		risk:     riskEng,
		gov:      gov,
		opt:      opt,
		limit:    limit,
		bus:      bus,
		sink:     sink,
		broker:   broker,
		quotes:   quotes,
		repo:     repo,
		wins:     wins,
		open:     make(map[string]*model.Trade),
		byOrder:  make(map[string]string),
		lastEval: make(map[string]time.Time),
		dedup:    newDeduper(orderUpdateDedup),
		equity:   cfg.EquityPaise,
		now:      time.Now,
	}
	riskEng.SetPositionView(m)
	return m
}

// ---- risk.PositionView ----

// HasOpen reports whether a token already has an open trade.
func (m *Manager) HasOpen(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.open {
		if t.Token == token {
			return true
		}
	}
	return false
}

// OpenCount returns the number of open trades.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// TradesToday returns today's trade count from the store.
func (m *Manager) TradesToday() int {
	n, err := m.store.CountToday(m.now())
	if err != nil {
		log.Printf("[trade] count today: %v", err)
	}
	return n
}

// ---- admission and entry ----

// HandleSignal runs the admission chain and, if everything admits, sizes and
// places the entry order.
func (m *Manager) HandleSignal(sig *strategy.Signal) {
	now := m.now()
	token := sig.Candle.Token
	exchange := sig.Candle.Exchange

	inst, ok := m.repo.Get(exchange, token)
	if !ok {
		m.sink.Blocked(StageCalendar, "UNKNOWN_INSTRUMENT", token)
		return
	}
	riskKey := sig.StrategyID + ":" + inst.Name + ":" + token

	if m.bus.Halted() || !m.cfg.TradingEnabled {
		m.sink.Blocked(StageHalt, "ENGINE_HALTED", token)
		return
	}
	m.mu.Lock()
	gate := m.factGate
	m.mu.Unlock()
	if gate {
		m.sink.Blocked(StageHalt, "FACT_RECOVERY_PENDING", token)
		return
	}

	if ok, reason := m.risk.CanTrade(token, riskKey, now); !ok {
		m.sink.Blocked(StageRisk, reason, token)
		return
	}

	if ok, reason := m.gov.CanOpenNewTrade(1.0, now); !ok {
		m.sink.Blocked(StageGovernor, reason, token)
		return
	}

	spread := float64(m.quotes.SpreadBps(exchange, token))
	ev := m.opt.EvaluateSignal(inst.TradingSymbol, sig.StrategyID, now, spread)
	if ev.Blocked {
		m.sink.Blocked(StageOptimizer, ev.Reason, token)
		return
	}

	if ok, reason := m.limit.Check(now); !ok {
		m.sink.Blocked(StageRateLimit, reason, token)
		return
	}

	t, reason := m.buildTrade(sig, inst, ev, now)
	if t == nil {
		m.sink.Blocked(StageSizing, reason, token)
		return
	}

	if err := m.store.Save(t); err != nil {
		log.Printf("[trade] persist NEW %s: %v", t.TradeID, err)
		return
	}
	m.placeEntry(t, inst, now)
}

// buildTrade computes stop, target, and size for a signal. Returns nil with a
// reason when the trade cannot be sized.
func (m *Manager) buildTrade(sig *strategy.Signal, inst model.Instrument,
	ev optimizer.Evaluation, now time.Time) (*model.Trade, string) {

	ltp := m.quotes.LTP(inst.Exchange, inst.Token)
	if ltp <= 0 {
		ltp = sig.Candle.Close
	}
	entry := ltp

	stop := m.buildStop(sig, inst, entry)
	riskPerShare := entry - stop
	if sig.Side == strategy.SideSell {
		riskPerShare = stop - entry
	}
	if riskPerShare <= 0 {
		return nil, "NON_POSITIVE_RISK"
	}

	budget := m.riskBudget(ev, now)
	qty := (budget - m.cfg.FeePerLotPaise) / riskPerShare
	if inst.LotSize > 1 {
		qty = qty / inst.LotSize * inst.LotSize
	}
	if qty <= 0 {
		return nil, "RISK_BUDGET_TOO_SMALL"
	}

	var target int64
	if sig.Side == strategy.SideBuy {
		target = entry + int64(defaultRR*float64(riskPerShare))
	} else {
		target = entry - int64(defaultRR*float64(riskPerShare))
	}
	target = inst.RoundToTick(target)

	t := &model.Trade{
		TradeID:       uuid.NewString(),
		StrategyID:    sig.StrategyID,
		Token:         inst.Token,
		Exchange:      inst.Exchange,
		TradingSymbol: inst.TradingSymbol,
		Side:          string(sig.Side),
		Status:        model.TradeNew,
		Regime:        sig.Regime,
		Bucket:        m.opt.Bucket(now),
		RequestedQty:  qty,
		EntryPrice:    entry,
		StopLoss:      stop,
		TargetPrice:   target,
		RR:            defaultRR,
		CreatedAt:     now,
		UpdatedAt:     now,
		Exec: model.ExecModel{
			SlippageBps:    m.cfg.SlippageBps,
			FeePerLotPaise: m.cfg.FeePerLotPaise,
			CostPerShare:   m.costPerShare(entry, qty),
		},
	}
	if inst.IsOption() {
		t.Option = &model.OptionMeta{
			OptType:         inst.InstrumentType,
			Strike:          inst.Strike,
			Expiry:          inst.Expiry,
			UnderlyingToken: inst.UnderlyingToken,
		}
		if ul := m.quotes.LTP("NSE", inst.UnderlyingToken); ul > 0 {
			t.UnderlyingEntryPrice = ul
		}
	}
	return t, ""
}

// buildStop pads the strategy's anchor with the liquidity buffer and nudges
// it off round price levels where resting stops cluster.
func (m *Manager) buildStop(sig *strategy.Signal, inst model.Instrument, entry int64) int64 {
	e := m.cfg.Exit
	stop := sig.StopAnchor

	buffer := e.LiquidityBufferTicks * inst.TickSize
	if m.wins != nil {
		w := m.wins.Recent(inst.Exchange, inst.Token, sig.Candle.IntervalMin, 20)
		if len(w) >= 15 {
			if atrPad := int64(e.LiquidityBufferATR * strategy.ATR(strategy.Window(w), 14)); atrPad > buffer {
				buffer = atrPad
			}
		}
	}

	if sig.Side == strategy.SideBuy {
		stop -= buffer
	} else {
		stop += buffer
	}

	if step := e.RoundLevelStep; step > 0 {
		if rem := stop % step; rem >= 0 && (rem < inst.TickSize || step-rem < inst.TickSize) {
			if sig.Side == strategy.SideBuy {
				stop -= inst.TickSize * 2
			} else {
				stop += inst.TickSize * 2
			}
		}
	}
	stop = inst.RoundToTick(stop)

	// A stop through the entry is unusable; fall back to a one-percent stop.
	if (sig.Side == strategy.SideBuy && stop >= entry) ||
		(sig.Side == strategy.SideSell && stop <= entry) {
		pct := entry / 100
		if sig.Side == strategy.SideBuy {
			stop = inst.RoundToTick(entry - pct)
		} else {
			stop = inst.RoundToTick(entry + pct)
		}
	}
	return stop
}

// riskBudget returns the per-trade risk budget in paise, scaled by the
// optimizer multiplier and the day state, clamped to the configured band.
func (m *Manager) riskBudget(ev optimizer.Evaluation, now time.Time) int64 {
	equity := m.sessionEquity()
	budget := int64(float64(equity) * m.cfg.PerTradeRiskPct / 100)

	if ev.QtyMult > 0 && ev.QtyMult < 1 {
		budget = int64(float64(budget) * ev.QtyMult)
	}
	if r := m.gov.RealizedR(now); r < 0 && m.cfg.DayStateMultLoser > 0 {
		budget = int64(float64(budget) * m.cfg.DayStateMultLoser)
	} else if r > 0 && m.cfg.DayStateMultWinner > 0 {
		budget = int64(float64(budget) * m.cfg.DayStateMultWinner)
	}

	if budget < m.cfg.PerTradeRiskMin {
		budget = m.cfg.PerTradeRiskMin
	}
	if budget > m.cfg.PerTradeRiskMax {
		budget = m.cfg.PerTradeRiskMax
	}
	return budget
}

func (m *Manager) sessionEquity() int64 {
	m.mu.Lock()
	eq := m.equity
	m.mu.Unlock()
	if eq > 0 {
		return eq
	}
	cash, err := m.broker.AvailableCash()
	if err != nil || cash <= 0 {
		return m.cfg.PerTradeRiskMax * 200 // conservative fallback
	}
	m.mu.Lock()
	m.equity = cash
	m.mu.Unlock()
	return cash
}

func (m *Manager) costPerShare(entry, qty int64) int64 {
	if qty <= 0 {
		return 0
	}
	slip := entry * m.cfg.SlippageBps / 10000
	fees := m.cfg.FeePerLotPaise / qty
	cost := int64(float64(slip+fees) * m.cfg.CostMult)
	if cost < 1 {
		cost = 1
	}
	return cost
}

// placeEntry submits the market entry with an idempotency tag and records the
// PLACED transition.
func (m *Manager) placeEntry(t *model.Trade, inst model.Instrument, now time.Time) {
	oid, err := m.broker.PlaceOrder(smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   t.TradingSymbol,
		Token:           t.Token,
		TransactionType: t.Side,
		Exchange:        t.Exchange,
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Qty:             t.RequestedQty,
		Tag:             t.TradeID[:8],
	})
	if err != nil {
		m.transition(t, model.TradeEntryFailed, now)
		m.gov.RecordOrderError(now)
		m.risk.RecordFailure()
		m.sink.Blocked(StagePlacement, err.Error(), t.Token)
		m.persist(t)
		return
	}

	t.EntryOrderID = oid
	t.EntryPlacedAt = now
	m.transition(t, model.TradeEntryPlaced, now)
	m.persist(t)

	m.mu.Lock()
	m.open[t.TradeID] = t
	m.byOrder[oid] = t.TradeID
	m.mu.Unlock()
	log.Printf("[trade] %s %s %s qty=%d entry order %s placed",
		t.TradeID[:8], t.Side, t.TradingSymbol, t.RequestedQty, oid)
}

// ---- order-update state machine ----

// OnOrderUpdate routes one broker order event through the trade state
// machine. Replayed events are dropped by the dedup key.
func (m *Manager) OnOrderUpdate(u model.OrderUpdate) {
	now := m.now()
	if !m.dedup.firstSeen(u.DedupKey(), now) {
		return
	}

	m.mu.Lock()
	tradeID, ok := m.byOrder[u.OrderID]
	var t *model.Trade
	if ok {
		t = m.open[tradeID]
	}
	m.mu.Unlock()
	if t == nil {
		return
	}

	switch u.OrderID {
	case t.EntryOrderID:
		m.onEntryUpdate(t, u, now)
	case t.StopOrderID:
		m.onStopUpdate(t, u, now)
	case t.TargetOrderID:
		m.onTargetUpdate(t, u, now)
	}
}

func (m *Manager) onEntryUpdate(t *model.Trade, u model.OrderUpdate, now time.Time) {
	switch u.Status {
	case model.OrderStatusOpen:
		if t.Status.CanTransition(model.TradeEntryOpen) {
			m.transition(t, model.TradeEntryOpen, now)
			m.persist(t)
		}
	case model.OrderStatusComplete:
		if !t.Status.CanTransition(model.TradeEntryFilled) {
			return
		}
		if u.AvgPrice > 0 {
			t.EntryPrice = u.AvgPrice
		}
		if u.FilledQty > 0 {
			t.FilledQty = u.FilledQty
		} else {
			t.FilledQty = t.RequestedQty
		}
		t.EntryFilledAt = now
		t.EntryFactConfirmed = true
		m.transition(t, model.TradeEntryFilled, now)
		m.finalizeEntry(t, now)
	case model.OrderStatusRejected:
		m.handleEntryRejection(t, u, now)
	case model.OrderStatusCancelled:
		if t.Status.CanTransition(model.TradeEntryCancelled) {
			m.transition(t, model.TradeEntryCancelled, now)
			m.finish(t, now)
		}
	}
}

// finalizeEntry fixes the risk numbers from the actual fill and places the
// protective stop.
func (m *Manager) finalizeEntry(t *model.Trade, now time.Time) {
	t.InitialStopLoss = t.StopLoss
	t.RiskPaise = t.RiskPerShare() * t.FilledQty
	t.CostPaise = t.Exec.CostPerShare * t.FilledQty

	inst, _ := m.repo.Get(t.Exchange, t.Token)
	oid, err := m.broker.PlaceOrder(smartconnect.OrderParams{
		Variety:         "STOPLOSS",
		TradingSymbol:   t.TradingSymbol,
		Token:           t.Token,
		TransactionType: exitSide(t),
		Exchange:        t.Exchange,
		OrderType:       "SL-M",
		ProductType:     "INTRADAY",
		Qty:             t.FilledQty,
		TriggerPrice:    inst.RoundToTick(t.StopLoss),
		Tag:             t.TradeID[:8] + "s",
	})
	if err != nil {
		// A filled position without a stop is the worst state; flatten it.
		log.Printf("[trade] %s stop placement failed: %v, flattening position", t.TradeID[:8], err)
		m.gov.RecordOrderError(now)
		if _, ferr := m.broker.PlaceOrder(smartconnect.OrderParams{
			Variety: "NORMAL", TradingSymbol: t.TradingSymbol, Token: t.Token,
			TransactionType: exitSide(t), Exchange: t.Exchange,
			OrderType: "MARKET", ProductType: "INTRADAY", Qty: t.FilledQty,
			Tag: t.TradeID[:8] + "g",
		}); ferr != nil {
			m.bus.Report("GUARD_EXIT_FAILED", t.TradeID+": "+ferr.Error())
		}
		m.transition(t, model.TradeGuardFailed, now)
		m.finish(t, now)
		return
	}
	t.StopOrderID = oid

	if t.TargetPrice > 0 {
		tid, terr := m.broker.PlaceOrder(smartconnect.OrderParams{
			Variety:         "NORMAL",
			TradingSymbol:   t.TradingSymbol,
			Token:           t.Token,
			TransactionType: exitSide(t),
			Exchange:        t.Exchange,
			OrderType:       "LIMIT",
			ProductType:     "INTRADAY",
			Qty:             t.FilledQty,
			Price:           inst.RoundToTick(t.TargetPrice),
			Tag:             t.TradeID[:8] + "t",
		})
		if terr != nil {
			// Stop protection is in place; run without a resting target.
			log.Printf("[trade] %s target placement failed: %v", t.TradeID[:8], terr)
			t.TargetPrice = 0
		} else {
			t.TargetOrderID = tid
		}
	}

	m.transition(t, model.TradeLive, now)
	m.gov.RegisterOpen(t.TradeID, 1.0, now)
	m.persist(t)

	m.mu.Lock()
	m.byOrder[oid] = t.TradeID
	if t.TargetOrderID != "" {
		m.byOrder[t.TargetOrderID] = t.TradeID
	}
	m.mu.Unlock()

	if m.OnTradeOpened != nil {
		m.OnTradeOpened(t)
	}
	log.Printf("[trade] %s LIVE %s %s qty=%d entry=%d sl=%d target=%d",
		t.TradeID[:8], t.Side, t.TradingSymbol, t.FilledQty, t.EntryPrice, t.StopLoss, t.TargetPrice)
}

// handleEntryRejection classifies the broker's rejection text and routes the
// consequence: circuit rejections cool the risk key, margin and unknown
// rejections count as failures.
func (m *Manager) handleEntryRejection(t *model.Trade, u model.OrderUpdate, now time.Time) {
	if !t.Status.CanTransition(model.TradeEntryFailed) {
		return
	}
	class := classifyRejection(u.StatusMessage)
	inst, _ := m.repo.Get(t.Exchange, t.Token)

	switch class {
	case RejectCircuit:
		d := circuitCooldown
		if cd := time.Duration(m.cfg.CooldownSec) * time.Second; cd > d {
			d = cd
		}
		m.risk.CooldownRiskKey(t.RiskKey(inst.Name), d, "CIRCUIT_BREAKER", now)
	case RejectSession:
		m.risk.CooldownToken(t.Token, sessionCooldown, "SESSION_REJECT", now)
	case RejectMargin:
		m.risk.RecordFailure()
		m.mu.Lock()
		m.equity = 0 // force a margin re-read before the next sizing
		m.mu.Unlock()
	default:
		m.risk.RecordFailure()
	}
	m.gov.RecordOrderError(now)
	m.sink.Record(telemetry.Entry{
		Kind: telemetry.KindError, Stage: StagePlacement, Reason: class,
		Token: t.Token, Detail: map[string]any{"message": u.StatusMessage},
	})
	if m.OnOrderReject != nil {
		m.OnOrderReject(class)
	}

	m.transition(t, model.TradeEntryFailed, now)
	m.finish(t, now)
}

func (m *Manager) onStopUpdate(t *model.Trade, u model.OrderUpdate, now time.Time) {
	if u.Status != model.OrderStatusComplete {
		return
	}
	if t.TargetOrderID != "" {
		_ = m.broker.CancelOrder(t.TargetOrderID, "NORMAL")
	}
	m.closeTrade(t, u.AvgPrice, model.TradeExitedSL, "SL", now)
}

func (m *Manager) onTargetUpdate(t *model.Trade, u model.OrderUpdate, now time.Time) {
	if u.Status != model.OrderStatusComplete {
		return
	}
	if t.StopOrderID != "" {
		_ = m.broker.CancelOrder(t.StopOrderID, "STOPLOSS")
	}
	m.closeTrade(t, u.AvgPrice, model.TradeExitedTarget, "TARGET", now)
}

// classifyRejection buckets a broker rejection message.
func classifyRejection(msg string) string {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "circuit"):
		return RejectCircuit
	case strings.Contains(s, "margin") || strings.Contains(s, "insufficient") || strings.Contains(s, "rms"):
		return RejectMargin
	case strings.Contains(s, "market") && strings.Contains(s, "closed"),
		strings.Contains(s, "session"), strings.Contains(s, "after market"):
		return RejectSession
	default:
		return RejectOther
	}
}

// ---- per-tick exit management ----

// OnTick runs the throttled exit plan for live trades on the tick's token.
func (m *Manager) OnTick(tk model.Tick) {
	now := m.now()

	m.mu.Lock()
	var targets []*model.Trade
	for id, t := range m.open {
		if t.Token != tk.Token || t.Exchange != tk.Exchange || t.Status != model.TradeLive {
			continue
		}
		if last, ok := m.lastEval[id]; ok &&
			now.Sub(last) < time.Duration(m.cfg.ExitThrottleMs)*time.Millisecond {
			continue
		}
		m.lastEval[id] = now
		targets = append(targets, t)
	}
	m.mu.Unlock()

	for _, t := range targets {
		m.manageExit(t, tk, now)
	}
}

func (m *Manager) manageExit(t *model.Trade, tk model.Tick, now time.Time) {
	inst, _ := m.repo.Get(t.Exchange, t.Token)
	in := exitmanager.Input{
		Trade:     t,
		LTP:       tk.Price,
		Now:       now,
		SpreadBps: float64(tk.SpreadBps()),
		TickSize:  inst.TickSize,
	}
	if t.IsOption() && t.Option.UnderlyingToken != "" {
		in.UnderlyingLTP = m.quotes.LTP("NSE", t.Option.UnderlyingToken)
	}
	if !tk.TickTS.IsZero() {
		in.TickAgeMs = now.Sub(tk.TickTS).Milliseconds()
	}

	plan := exitmanager.ComputePlan(in, m.cfg.Exit)
	plan.Patch.Apply(t)
	t.LastLTP = tk.Price

	if plan.Action == exitmanager.ActionExitNow {
		m.exitMarket(t, plan.Reason, now)
		return
	}

	if plan.SL > 0 && t.StopOrderID != "" {
		err := m.broker.ModifyOrder(t.StopOrderID, smartconnect.OrderParams{
			Variety:         "STOPLOSS",
			TradingSymbol:   t.TradingSymbol,
			Token:           t.Token,
			TransactionType: exitSide(t),
			Exchange:        t.Exchange,
			OrderType:       "SL-M",
			ProductType:     "INTRADAY",
			Qty:             t.FilledQty,
			TriggerPrice:    inst.RoundToTick(plan.SL),
		})
		if err != nil {
			log.Printf("[trade] %s stop modify: %v", t.TradeID[:8], err)
			m.gov.RecordOrderError(now)
		} else {
			t.StopLoss = plan.SL
			if m.OnExitModify != nil {
				m.OnExitModify()
			}
		}
	}
	if plan.Target > 0 && t.TargetOrderID != "" {
		if err := m.broker.ModifyOrder(t.TargetOrderID, smartconnect.OrderParams{
			Variety:         "NORMAL",
			TradingSymbol:   t.TradingSymbol,
			Token:           t.Token,
			TransactionType: exitSide(t),
			Exchange:        t.Exchange,
			OrderType:       "LIMIT",
			ProductType:     "INTRADAY",
			Qty:             t.FilledQty,
			Price:           inst.RoundToTick(plan.Target),
		}); err == nil {
			t.TargetPrice = plan.Target
			if m.OnExitModify != nil {
				m.OnExitModify()
			}
		}
	}
	m.persist(t)
}

// exitMarket flattens the position at market and cancels working exit orders.
func (m *Manager) exitMarket(t *model.Trade, reason string, now time.Time) {
	if t.StopOrderID != "" {
		_ = m.broker.CancelOrder(t.StopOrderID, "STOPLOSS")
	}
	if t.TargetOrderID != "" {
		_ = m.broker.CancelOrder(t.TargetOrderID, "NORMAL")
	}
	_, err := m.broker.PlaceOrder(smartconnect.OrderParams{
		Variety:         "NORMAL",
		TradingSymbol:   t.TradingSymbol,
		Token:           t.Token,
		TransactionType: exitSide(t),
		Exchange:        t.Exchange,
		OrderType:       "MARKET",
		ProductType:     "INTRADAY",
		Qty:             t.FilledQty,
		Tag:             t.TradeID[:8] + "x",
	})
	if err != nil {
		log.Printf("[trade] %s market exit failed: %v", t.TradeID[:8], err)
		m.gov.RecordOrderError(now)
		m.bus.Report("EXIT_FAILED", t.TradeID+": "+err.Error())
		return
	}
	price := m.quotes.LTP(t.Exchange, t.Token)
	if price <= 0 {
		price = t.LastLTP
	}
	status := model.TradeExitedManual
	m.closeTrade(t, price, status, reason, now)
}

// closeTrade finalizes a position: realized numbers, governor ledger,
// optimizer sample, cooldown routing, persistence.
func (m *Manager) closeTrade(t *model.Trade, exitPrice int64, status model.TradeStatus, reason string, now time.Time) {
	if !t.Status.CanTransition(status) {
		return
	}
	if exitPrice <= 0 {
		exitPrice = t.LastLTP
	}
	t.RealizedGrossPaise = t.PnlPaise(exitPrice)
	if t.CostPaise <= 0 {
		t.CostPaise = t.Exec.CostPerShare * t.FilledQty
	}
	t.RealizedNetPaise = t.RealizedGrossPaise - t.CostPaise
	t.ClosedAt = now
	m.transition(t, status, now)

	var pnlR float64
	if t.RiskPaise > 0 {
		pnlR = float64(t.RealizedNetPaise) / float64(t.RiskPaise)
	}
	m.gov.ReleaseOpen(t.TradeID, now)
	m.gov.RecordClosed(t.TradeID, t.RealizedNetPaise, pnlR, now)

	feeMult := float64(t.RealizedGrossPaise) / float64(maxInt64(t.CostPaise, 1))
	m.opt.OnTradeClosed(t.TradingSymbol, t.StrategyID, t.EntryFilledAt, feeMult, now)

	if t.RealizedNetPaise < 0 {
		m.risk.RecordFailure()
	} else {
		m.risk.ResetFailures()
	}
	m.cooldownAfterExit(t, reason, now)

	m.sink.Record(telemetry.Entry{
		Kind: telemetry.KindExit, Reason: reason, Token: t.Token,
		Detail: map[string]any{
			"tradeId": t.TradeID, "strategy": t.StrategyID,
			"netPaise": t.RealizedNetPaise, "pnlR": pnlR, "feeMult": feeMult,
		},
	})
	m.finish(t, now)
	if m.OnTradeClosed != nil {
		m.OnTradeClosed(t)
	}
	log.Printf("[trade] %s closed %s reason=%s net=%d paise (%.2fR)",
		t.TradeID[:8], status, reason, t.RealizedNetPaise, pnlR)
}

// cooldownAfterExit applies the per-reason token cooldown table.
func (m *Manager) cooldownAfterExit(t *model.Trade, reason string, now time.Time) {
	sec := m.cfg.CooldownSec
	if byReason := m.cfg.ParseCooldowns(); byReason != nil {
		if s, ok := byReason[reason]; ok {
			sec = s
		}
	}
	if sec > 0 {
		m.risk.CooldownToken(t.Token, time.Duration(sec)*time.Second, reason, now)
	}
}

// finish removes the trade from the open set and persists the terminal row.
func (m *Manager) finish(t *model.Trade, now time.Time) {
	m.mu.Lock()
	delete(m.open, t.TradeID)
	delete(m.lastEval, t.TradeID)
	for oid, id := range m.byOrder {
		if id == t.TradeID {
			delete(m.byOrder, oid)
		}
	}
	m.mu.Unlock()
	m.persist(t)
}

func (m *Manager) transition(t *model.Trade, next model.TradeStatus, now time.Time) {
	if !t.Status.CanTransition(next) {
		log.Printf("[trade] %s illegal transition %s -> %s", t.TradeID[:8], t.Status, next)
		return
	}
	t.Status = next
	t.UpdatedAt = now
}

func (m *Manager) persist(t *model.Trade) {
	if err := m.store.Save(t); err != nil {
		log.Printf("[trade] persist %s: %v", t.TradeID[:8], err)
	}
}

func exitSide(t *model.Trade) string {
	if t.Side == "BUY" {
		return "SELL"
	}
	return "BUY"
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ---- recovery and reconciliation ----

// Recover loads open trades from the store and arms the fact-recovery gate:
// no new entries until every recovered LIVE trade's entry fill is confirmed
// against the broker.
func (m *Manager) Recover(ctx context.Context) error {
	trades, err := m.store.Open()
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, t := range trades {
		m.open[t.TradeID] = t
		for _, oid := range []string{t.EntryOrderID, t.StopOrderID, t.TargetOrderID} {
			if oid != "" {
				m.byOrder[oid] = t.TradeID
			}
		}
		if t.Status == model.TradeLive && !t.EntryFactConfirmed {
			m.factGate = true
		}
	}
	gate := m.factGate
	n := len(m.open)
	m.mu.Unlock()

	if n > 0 {
		log.Printf("[trade] recovered %d open trades (fact gate=%v)", n, gate)
	}
	if gate {
		m.confirmFacts(m.now())
	}
	return nil
}

// RunReconcile drives the trade reconcile loop: entry fact confirmation,
// partial-fill timeouts, and adoption of unknown broker positions.
func (m *Manager) RunReconcile(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.ReconcileTradeSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.reconcileBusy {
				m.mu.Unlock()
				continue
			}
			m.reconcileBusy = true
			m.mu.Unlock()

			now := m.now()
			m.confirmFacts(now)
			m.expirePartialFills(now)
			m.adoptUnknownPositions(now)

			m.mu.Lock()
			m.reconcileBusy = false
			m.mu.Unlock()
		}
	}
}

// confirmFacts checks pending and unconfirmed trades against the order book
// and clears the fact gate once all LIVE trades are confirmed.
func (m *Manager) confirmFacts(now time.Time) {
	m.mu.Lock()
	var pending []*model.Trade
	for _, t := range m.open {
		if !t.EntryFactConfirmed || t.Status == model.TradeEntryPlaced || t.Status == model.TradeEntryOpen {
			pending = append(pending, t)
		}
	}
	m.mu.Unlock()
	if len(pending) == 0 {
		m.clearGateIfDone()
		return
	}

	book, err := m.broker.OrderBook()
	if err != nil {
		log.Printf("[trade] reconcile order book: %v", err)
		return
	}
	byID := make(map[string]model.Order, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}

	for _, t := range pending {
		o, ok := byID[t.EntryOrderID]
		if !ok {
			continue
		}
		switch o.Status {
		case model.OrderStatusComplete:
			m.OnOrderUpdate(model.OrderUpdate{
				OrderID: t.EntryOrderID, Token: t.Token, Exchange: t.Exchange,
				Status: model.OrderStatusComplete, FilledQty: o.FilledQty,
				AvgPrice: o.AvgPrice, ExchangeTS: now,
			})
		case model.OrderStatusRejected:
			m.OnOrderUpdate(model.OrderUpdate{
				OrderID: t.EntryOrderID, Token: t.Token, Exchange: t.Exchange,
				Status: model.OrderStatusRejected, StatusMessage: o.StatusMessage,
				ExchangeTS: now,
			})
		case model.OrderStatusCancelled:
			m.OnOrderUpdate(model.OrderUpdate{
				OrderID: t.EntryOrderID, Token: t.Token, Exchange: t.Exchange,
				Status: model.OrderStatusCancelled, ExchangeTS: now,
			})
		}
	}
	m.clearGateIfDone()
}

func (m *Manager) clearGateIfDone() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.factGate {
		return
	}
	for _, t := range m.open {
		if t.Status == model.TradeLive && !t.EntryFactConfirmed {
			return
		}
	}
	m.factGate = false
	log.Printf("[trade] fact-recovery gate cleared")
}

// expirePartialFills cancels entry orders stuck past the partial-fill
// timeout. A partial fill converts to a live trade for the filled quantity.
func (m *Manager) expirePartialFills(now time.Time) {
	timeout := time.Duration(m.cfg.PartialFillTimeoutSec) * time.Second
	m.mu.Lock()
	var stuck []*model.Trade
	for _, t := range m.open {
		if (t.Status == model.TradeEntryPlaced || t.Status == model.TradeEntryOpen) &&
			!t.EntryPlacedAt.IsZero() && now.Sub(t.EntryPlacedAt) > timeout {
			stuck = append(stuck, t)
		}
	}
	m.mu.Unlock()

	for _, t := range stuck {
		log.Printf("[trade] %s entry timeout, cancelling order %s", t.TradeID[:8], t.EntryOrderID)
		if err := m.broker.CancelOrder(t.EntryOrderID, "NORMAL"); err != nil {
			log.Printf("[trade] %s entry cancel: %v", t.TradeID[:8], err)
			m.gov.RecordOrderError(now)
		}
		// The broker confirms the cancel (and any partial fill) through the
		// order feed; the next confirmFacts pass covers a lost event.
	}
}

// adoptUnknownPositions repairs broker positions with no matching local
// trade. A position whose entry fill can be confirmed from the order book is
// adopted as a LIVE trade and put under a protective stop; anything that
// cannot be matched is reported for manual resolution through the admin
// surface.
func (m *Manager) adoptUnknownPositions(now time.Time) {
	if !markethours.IsMarketOpen(now) {
		return
	}
	positions, err := m.broker.Positions()
	if err != nil {
		return
	}
	var orphans []model.Position
	for _, p := range positions {
		if p.Qty == 0 || m.HasOpen(p.Token) {
			continue
		}
		orphans = append(orphans, p)
	}
	if len(orphans) == 0 {
		return
	}

	book, err := m.broker.OrderBook()
	if err != nil {
		log.Printf("[trade] adopt order book: %v", err)
		return
	}
	for _, p := range orphans {
		if !m.adoptPosition(p, book, now) {
			m.bus.Report("UNKNOWN_POSITION",
				p.TradingSymbol+" qty "+model.Itoa(int(p.Qty))+" has no local trade")
		}
	}
}

// adoptPosition builds a LIVE trade from a broker position when a completed
// entry fill for it exists in the order book. The adopted trade carries a
// one-percent protective stop and no target; the exit manager trails it from
// there. Returns false when no repair was possible.
func (m *Manager) adoptPosition(p model.Position, book []model.Order, now time.Time) bool {
	inst, ok := m.repo.Get(p.Exchange, p.Token)
	if !ok {
		return false
	}
	side := "BUY"
	qty := p.Qty
	if p.Qty < 0 {
		side = "SELL"
		qty = -p.Qty
	}

	var entry *model.Order
	for i := range book {
		o := &book[i]
		if o.Token == p.Token && o.TransactionType == side &&
			o.Status == model.OrderStatusComplete && o.FilledQty > 0 {
			entry = o
			break
		}
	}
	if entry == nil {
		return false
	}

	entryPrice := entry.AvgPrice
	if entryPrice <= 0 {
		entryPrice = p.AvgPrice
	}
	stop := inst.RoundToTick(entryPrice - entryPrice/100)
	if side == "SELL" {
		stop = inst.RoundToTick(entryPrice + entryPrice/100)
	}

	t := &model.Trade{
		TradeID:       uuid.NewString(),
		StrategyID:    "ADOPTED",
		Token:         p.Token,
		Exchange:      p.Exchange,
		TradingSymbol: p.TradingSymbol,
		Side:          side,
		Status:        model.TradeEntryFilled,
		RequestedQty:  qty,
		FilledQty:     qty,
		EntryPrice:    entryPrice,
		StopLoss:      stop,
		EntryOrderID:  entry.OrderID,
		CreatedAt:     now,
		EntryPlacedAt: now,
		EntryFilledAt: now,
		UpdatedAt:     now,
		Exec: model.ExecModel{
			SlippageBps:    m.cfg.SlippageBps,
			FeePerLotPaise: m.cfg.FeePerLotPaise,
			CostPerShare:   m.costPerShare(entryPrice, qty),
		},
		EntryFactConfirmed: true,
	}

	m.mu.Lock()
	m.open[t.TradeID] = t
	m.byOrder[entry.OrderID] = t.TradeID
	m.mu.Unlock()

	log.Printf("[trade] %s adopting broker position %s %s qty=%d avg=%d",
		t.TradeID[:8], side, p.TradingSymbol, qty, entryPrice)
	m.finalizeEntry(t, now)

	if m.OnAdopt != nil {
		m.OnAdopt(t)
	}
	return true
}

// RunOCO enforces the one-cancels-other pair: a live trade must always have a
// working stop; a filled leg cancels its sibling.
func (m *Manager) RunOCO(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.ReconcileOCOSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.ocoBusy {
				m.mu.Unlock()
				continue
			}
			m.ocoBusy = true
			var live []*model.Trade
			for _, t := range m.open {
				if t.Status == model.TradeLive {
					live = append(live, t)
				}
			}
			m.mu.Unlock()

			if len(live) > 0 {
				m.checkOCO(live, m.now())
			}

			m.mu.Lock()
			m.ocoBusy = false
			m.mu.Unlock()
		}
	}
}

func (m *Manager) checkOCO(live []*model.Trade, now time.Time) {
	book, err := m.broker.OrderBook()
	if err != nil {
		return
	}
	byID := make(map[string]model.Order, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}
	for _, t := range live {
		if t.StopOrderID == "" {
			continue
		}
		o, ok := byID[t.StopOrderID]
		if !ok {
			continue
		}
		switch o.Status {
		case model.OrderStatusComplete:
			m.OnOrderUpdate(model.OrderUpdate{
				OrderID: t.StopOrderID, Token: t.Token, Exchange: t.Exchange,
				Status: model.OrderStatusComplete, AvgPrice: o.AvgPrice,
				FilledQty: o.FilledQty, ExchangeTS: now,
			})
		case model.OrderStatusCancelled, model.OrderStatusRejected:
			// Stop vanished under a live position; replace it.
			log.Printf("[trade] %s stop order %s is %s, replacing", t.TradeID[:8], t.StopOrderID, o.Status)
			t.StopOrderID = ""
			m.replaceStop(t, now)
		}
	}
}

func (m *Manager) replaceStop(t *model.Trade, now time.Time) {
	inst, _ := m.repo.Get(t.Exchange, t.Token)
	oid, err := m.broker.PlaceOrder(smartconnect.OrderParams{
		Variety:         "STOPLOSS",
		TradingSymbol:   t.TradingSymbol,
		Token:           t.Token,
		TransactionType: exitSide(t),
		Exchange:        t.Exchange,
		OrderType:       "SL-M",
		ProductType:     "INTRADAY",
		Qty:             t.FilledQty,
		TriggerPrice:    inst.RoundToTick(t.StopLoss),
		Tag:             t.TradeID[:8] + "r",
	})
	if err != nil {
		m.gov.RecordOrderError(now)
		m.exitMarket(t, "STOP_PLACEMENT_FAILED", now)
		return
	}
	t.StopOrderID = oid
	m.mu.Lock()
	m.byOrder[oid] = t.TradeID
	m.mu.Unlock()
	m.persist(t)
}

// CloseAll flattens every live trade (admin kill action, session close).
func (m *Manager) CloseAll(reason string) int {
	now := m.now()
	m.mu.Lock()
	var live []*model.Trade
	for _, t := range m.open {
		if t.Status == model.TradeLive {
			live = append(live, t)
		}
	}
	m.mu.Unlock()
	for _, t := range live {
		m.exitMarket(t, reason, now)
	}
	return len(live)
}

// OpenTrades returns a snapshot of open trades for the status surfaces.
func (m *Manager) OpenTrades() []*model.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Trade, 0, len(m.open))
	for _, t := range m.open {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

// FactGate reports whether the fact-recovery gate blocks entries.
func (m *Manager) FactGate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factGate
}

// BootstrapOptimizer replays recent closed trades into the optimizer windows.
func (m *Manager) BootstrapOptimizer(days int) error {
	since := m.now().AddDate(0, 0, -days)
	closed, err := m.store.ClosedSince(since)
	if err != nil {
		return err
	}
	samples := make([]optimizer.ClosedSample, 0, len(closed))
	for _, t := range closed {
		if t.CostPaise <= 0 || t.EntryFilledAt.IsZero() {
			continue
		}
		samples = append(samples, optimizer.ClosedSample{
			Symbol:   t.TradingSymbol,
			Strategy: t.StrategyID,
			EntryAt:  t.EntryFilledAt,
			FeeMult:  float64(t.RealizedGrossPaise) / float64(t.CostPaise),
		})
	}
	m.opt.Bootstrap(samples)
	return nil
}
