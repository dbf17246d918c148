package trade

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/governor"
	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/instruments"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/optimizer"
	"intraday-enginev1/internal/ratelimit"
	"intraday-enginev1/internal/risk"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
	"intraday-enginev1/pkg/smartconnect"
)

var ist = time.FixedZone("IST", 5*3600+1800)

// sessionTime is a trading Wednesday, mid-session.
func sessionTime() time.Time {
	return time.Date(2026, 8, 26, 11, 0, 0, 0, ist)
}

type placedOrder struct {
	id     string
	params smartconnect.OrderParams
}

type fakeBroker struct {
	mu          sync.Mutex
	placed      []placedOrder
	cancelled   []string
	modified    []string
	nextID      int
	placeErr    error
	failVariety string // when set, placeErr applies only to this variety
	positions   []model.Position
	book        []model.Order
}

func (f *fakeBroker) PlaceOrder(p smartconnect.OrderParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil && (f.failVariety == "" || p.Variety == f.failVariety) {
		return "", f.placeErr
	}
	f.nextID++
	id := "OID-" + model.Itoa(f.nextID)
	f.placed = append(f.placed, placedOrder{id: id, params: p})
	return id, nil
}

func (f *fakeBroker) ModifyOrder(orderID string, p smartconnect.OrderParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, orderID)
	return nil
}

func (f *fakeBroker) CancelOrder(orderID, variety string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeBroker) OrderBook() ([]model.Order, error)    { return f.book, nil }
func (f *fakeBroker) Positions() ([]model.Position, error) { return f.positions, nil }
func (f *fakeBroker) AvailableCash() (int64, error)        { return 100_000_00, nil }

func (f *fakeBroker) lastPlaced() placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed[len(f.placed)-1]
}

func (f *fakeBroker) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeQuotes struct {
	ltp    map[string]int64
	spread int64
}

func (f *fakeQuotes) LTP(exchange, token string) int64 {
	return f.ltp[exchange+":"+token]
}
func (f *fakeQuotes) SpreadBps(exchange, token string) int64 { return f.spread }

type fixture struct {
	m      *Manager
	broker *fakeBroker
	quotes *fakeQuotes
	risk   *risk.Engine
	gov    *governor.Governor
	sink   *telemetry.Sink
	cfg    *config.Config
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := OpenStore(filepath.Join(dir, "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	repo, err := instruments.Open(filepath.Join(dir, "instruments.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Upsert([]model.Instrument{{
		Token: "2885", Exchange: "NSE", Segment: "NSE_CM",
		TradingSymbol: "RELIANCE-EQ", Name: "RELIANCE",
		InstrumentType: model.TypeEquity, TickSize: 5, LotSize: 1,
	}}))

	cfg := &config.Config{
		TradingEnabled:        true,
		EquityPaise:           100_000_00, // ₹1,00,000
		PerTradeRiskPct:       1.0,
		PerTradeRiskMin:       25000,
		PerTradeRiskMax:       250000,
		FeePerLotPaise:        4000,
		SlippageBps:           4,
		CostMult:              1.0,
		CooldownSec:           0,
		CooldownSecByReason:   "SL:300",
		PartialFillTimeoutSec: 20,
		ExitThrottleMs:        400,
		Exit:                  config.DefaultExitConfig(),
	}

	bus := halt.NewBus(nil)
	riskEng := risk.New(bus, nil)
	gov := governor.New(governor.DefaultLimits(), nil)
	opt := optimizer.New(optimizer.DefaultOptions(), nil)
	limit := ratelimit.New(100, 1000)
	sink, err := telemetry.New(64, "")
	require.NoError(t, err)

	broker := &fakeBroker{}
	quotes := &fakeQuotes{ltp: map[string]int64{"NSE:2885": 10000}, spread: 5}

	m := NewManager(cfg, store, riskEng, gov, opt, limit, bus, sink, broker, quotes, repo, nil)
	now := sessionTime()
	m.now = func() time.Time { return now }

	return &fixture{m: m, broker: broker, quotes: quotes, risk: riskEng,
		gov: gov, sink: sink, cfg: cfg, now: now}
}

func buySignal() *strategy.Signal {
	return &strategy.Signal{
		StrategyID: "EMA_CROSS",
		Side:       strategy.SideBuy,
		Confidence: 80,
		Regime:     "TREND",
		StopAnchor: 9900,
		Candle: model.Candle{
			Token: "2885", Exchange: "NSE", IntervalMin: 5,
			Close: 10000, TS: sessionTime().Add(-time.Minute),
		},
	}
}

func sellSignal() *strategy.Signal {
	s := buySignal()
	s.Side = strategy.SideSell
	s.StopAnchor = 10100
	return s
}

// driveLive pushes a signal through entry placement and fill.
func (f *fixture) driveLive(t *testing.T) *model.Trade {
	t.Helper()
	f.m.HandleSignal(buySignal())
	require.Equal(t, 1, f.broker.placedCount(), "entry order should be placed")
	entry := f.broker.lastPlaced()

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusComplete, FilledQty: entry.params.Qty,
		AvgPrice: 10005, ExchangeTS: f.now,
	})
	open := f.m.OpenTrades()
	require.Len(t, open, 1)
	require.Equal(t, model.TradeLive, open[0].Status)
	return open[0]
}

func TestSignalToLiveFlow(t *testing.T) {
	f := newFixture(t)
	tr := f.driveLive(t)

	// Entry market order, protective SL-M, and the resting target limit.
	require.Equal(t, 3, f.broker.placedCount())
	assert.Equal(t, "MARKET", f.broker.placed[0].params.OrderType)
	assert.Equal(t, "BUY", f.broker.placed[0].params.TransactionType)
	assert.Equal(t, "SL-M", f.broker.placed[1].params.OrderType)
	assert.Equal(t, "SELL", f.broker.placed[1].params.TransactionType)
	assert.Equal(t, "LIMIT", f.broker.placed[2].params.OrderType)

	// Anchor 9900 padded by 3 ticks of liquidity buffer.
	assert.Equal(t, int64(9885), tr.InitialStopLoss)
	assert.Equal(t, int64(10005), tr.EntryPrice)
	assert.Equal(t, tr.RiskPerShare()*tr.FilledQty, tr.RiskPaise)
	assert.True(t, tr.EntryFactConfirmed)
}

func TestSellEntryPlacesBuySideExits(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(sellSignal())
	require.Equal(t, 1, f.broker.placedCount())
	entry := f.broker.lastPlaced()
	assert.Equal(t, "SELL", entry.params.TransactionType)

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusComplete, FilledQty: entry.params.Qty,
		AvgPrice: 9995, ExchangeTS: f.now,
	})

	// Both protective legs of a short must buy back.
	require.Equal(t, 3, f.broker.placedCount())
	assert.Equal(t, "SL-M", f.broker.placed[1].params.OrderType)
	assert.Equal(t, "BUY", f.broker.placed[1].params.TransactionType)
	assert.Equal(t, "LIMIT", f.broker.placed[2].params.OrderType)
	assert.Equal(t, "BUY", f.broker.placed[2].params.TransactionType)

	open := f.m.OpenTrades()
	require.Len(t, open, 1)
	assert.Equal(t, model.TradeLive, open[0].Status)
	assert.Greater(t, open[0].StopLoss, open[0].EntryPrice)
}

func TestStopPlacementFailureFlattens(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(buySignal())
	require.Equal(t, 1, f.broker.placedCount())
	entry := f.broker.lastPlaced()

	f.broker.mu.Lock()
	f.broker.placeErr = errors.New("order gateway timeout")
	f.broker.failVariety = "STOPLOSS"
	f.broker.mu.Unlock()

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusComplete, FilledQty: entry.params.Qty,
		AvgPrice: 10005, ExchangeTS: f.now,
	})

	// A filled position without a stop gets flattened at market immediately.
	last := f.broker.lastPlaced()
	assert.Equal(t, "MARKET", last.params.OrderType)
	assert.Equal(t, "SELL", last.params.TransactionType)
	assert.Equal(t, entry.params.Qty, last.params.Qty)

	assert.Empty(t, f.m.OpenTrades())
	stored, err := f.m.store.Recent(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TradeGuardFailed, stored[0].Status)
}

func TestDuplicateTokenBlocked(t *testing.T) {
	f := newFixture(t)
	f.driveLive(t)

	before := f.broker.placedCount()
	f.m.HandleSignal(buySignal())
	assert.Equal(t, before, f.broker.placedCount())

	blocked := f.sink.Snapshot(telemetry.KindBlocked)
	require.NotEmpty(t, blocked)
	assert.Equal(t, StageRisk, blocked[len(blocked)-1].Stage)
}

func TestCircuitRejectionCoolsRiskKeyOnce(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(buySignal())
	require.Equal(t, 1, f.broker.placedCount())
	entry := f.broker.lastPlaced()

	reject := model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status:        model.OrderStatusRejected,
		StatusMessage: "17070 : The price is out of the current circuit limit",
		ExchangeTS:    f.now,
	}
	f.m.OnOrderUpdate(reject)

	key := "EMA_CROSS:RELIANCE:2885"
	assert.True(t, f.risk.RiskKeyCooldownActive(key, f.now.Add(59*time.Second)))
	assert.False(t, f.risk.RiskKeyCooldownActive(key, f.now.Add(61*time.Second)))

	// The broker replays the same event after a reconnect; the dedup key
	// swallows it and the cooldown is not re-armed.
	f.m.OnOrderUpdate(reject)
	assert.False(t, f.risk.RiskKeyCooldownActive(key, f.now.Add(61*time.Second)))

	// The trade reached a terminal state and no longer blocks the token.
	assert.Empty(t, f.m.OpenTrades())
	stored, err := f.m.store.Recent(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TradeEntryFailed, stored[0].Status)
}

func TestMarginRejectionCountsFailure(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(buySignal())
	entry := f.broker.lastPlaced()

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status:        model.OrderStatusRejected,
		StatusMessage: "RMS: insufficient margin available",
		ExchangeTS:    f.now,
	})
	assert.Equal(t, 1, f.risk.ConsecFailures())
	assert.False(t, f.risk.RiskKeyCooldownActive("EMA_CROSS:RELIANCE:2885", f.now))
}

func TestStopFillClosesTrade(t *testing.T) {
	f := newFixture(t)
	tr := f.driveLive(t)

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: tr.StopOrderID, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusComplete, FilledQty: tr.FilledQty,
		AvgPrice: tr.StopLoss, ExchangeTS: f.now.Add(5 * time.Minute),
	})

	assert.Empty(t, f.m.OpenTrades())
	stored, err := f.m.store.Recent(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TradeExitedSL, stored[0].Status)
	assert.Negative(t, stored[0].RealizedNetPaise)

	// Loss realized into the governor ledger, SL cooldown on the token.
	assert.Negative(t, f.gov.RealizedR(f.now))
	assert.True(t, f.risk.TokenCooldownActive("2885", f.now.Add(299*time.Second)))
	assert.False(t, f.risk.TokenCooldownActive("2885", f.now.Add(301*time.Second)))

	// The sibling target order was cancelled.
	assert.Contains(t, f.broker.cancelled, stored[0].TargetOrderID)
}

func TestTargetFillClosesTradeInProfit(t *testing.T) {
	f := newFixture(t)
	tr := f.driveLive(t)

	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: tr.TargetOrderID, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusComplete, FilledQty: tr.FilledQty,
		AvgPrice: tr.TargetPrice, ExchangeTS: f.now.Add(20 * time.Minute),
	})

	stored, err := f.m.store.Recent(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, model.TradeExitedTarget, stored[0].Status)
	assert.Positive(t, stored[0].RealizedNetPaise)
	assert.Contains(t, f.broker.cancelled, stored[0].StopOrderID)
}

func TestExitNowFlattensAtMarket(t *testing.T) {
	f := newFixture(t)
	f.cfg.Exit.NoProgressMin = 5
	f.cfg.Exit.UnderlyingConfirm = false
	tr := f.driveLive(t)

	// Well past the no-progress window with no favorable excursion.
	f.m.now = func() time.Time { return sessionTime().Add(10 * time.Minute) }
	f.m.OnTick(model.Tick{
		Token: "2885", Exchange: "NSE", Price: tr.EntryPrice,
		TickTS: sessionTime().Add(10 * time.Minute).UTC(),
	})

	assert.Empty(t, f.m.OpenTrades())
	stored, err := f.m.store.Recent(1)
	require.NoError(t, err)
	assert.Equal(t, model.TradeExitedManual, stored[0].Status)
	// Both resting exit orders cancelled, then a market flatten placed.
	last := f.broker.lastPlaced()
	assert.Equal(t, "MARKET", last.params.OrderType)
	assert.Equal(t, "SELL", last.params.TransactionType)
}

func TestPartialFillTimeoutCancelsEntry(t *testing.T) {
	f := newFixture(t)
	f.m.HandleSignal(buySignal())
	entry := f.broker.lastPlaced()

	f.m.now = func() time.Time { return sessionTime().Add(30 * time.Second) }
	f.m.expirePartialFills(f.m.now())
	assert.Contains(t, f.broker.cancelled, entry.id)

	// Broker confirms the cancel; trade reaches ENTRY_CANCELLED.
	f.m.OnOrderUpdate(model.OrderUpdate{
		OrderID: entry.id, Token: "2885", Exchange: "NSE",
		Status: model.OrderStatusCancelled, ExchangeTS: f.m.now(),
	})
	assert.Empty(t, f.m.OpenTrades())
}

func TestUnknownPositionAdoptedAsLiveTrade(t *testing.T) {
	f := newFixture(t)
	f.broker.positions = []model.Position{{
		Token: "2885", Exchange: "NSE", TradingSymbol: "RELIANCE-EQ",
		ProductType: "INTRADAY", Qty: 10, AvgPrice: 10010,
	}}
	f.broker.book = []model.Order{{
		OrderID: "EXT-1", Token: "2885", Exchange: "NSE",
		TradingSymbol: "RELIANCE-EQ", TransactionType: "BUY",
		Status: model.OrderStatusComplete, FilledQty: 10, AvgPrice: 10010,
	}}
	var subscribed []string
	f.m.OnAdopt = func(tr *model.Trade) {
		subscribed = append(subscribed, tr.Exchange+":"+tr.Token)
	}

	f.m.adoptUnknownPositions(f.now)

	open := f.m.OpenTrades()
	require.Len(t, open, 1)
	tr := open[0]
	assert.Equal(t, model.TradeLive, tr.Status)
	assert.Equal(t, "BUY", tr.Side)
	assert.Equal(t, int64(10), tr.FilledQty)
	assert.Equal(t, int64(10010), tr.EntryPrice)
	assert.Equal(t, "EXT-1", tr.EntryOrderID)
	assert.True(t, tr.EntryFactConfirmed)
	assert.Equal(t, []string{"NSE:2885"}, subscribed)

	// The adopted position is under a protective stop below its entry.
	stop := f.broker.lastPlaced()
	assert.Equal(t, "SL-M", stop.params.OrderType)
	assert.Equal(t, "SELL", stop.params.TransactionType)
	assert.Equal(t, tr.StopOrderID, stop.id)
	assert.Less(t, tr.StopLoss, tr.EntryPrice)

	// A second reconcile pass sees the token covered and does nothing.
	f.m.adoptUnknownPositions(f.now)
	assert.Len(t, f.m.OpenTrades(), 1)
	assert.Equal(t, 1, f.broker.placedCount())
}

func TestUnmatchedPositionReportedNotAdopted(t *testing.T) {
	f := newFixture(t)
	// Short position with no completed SELL fill in the order book.
	f.broker.positions = []model.Position{{
		Token: "2885", Exchange: "NSE", TradingSymbol: "RELIANCE-EQ",
		Qty: -5, AvgPrice: 10000,
	}}

	f.m.adoptUnknownPositions(f.now)

	assert.Empty(t, f.m.OpenTrades())
	assert.Zero(t, f.broker.placedCount())
	events := f.m.bus.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "UNKNOWN_POSITION", events[len(events)-1].Code)
}

func TestHaltBlocksEntries(t *testing.T) {
	f := newFixture(t)
	f.m.bus.Halt(halt.CauseManual, "operator stop")

	f.m.HandleSignal(buySignal())
	assert.Zero(t, f.broker.placedCount())
	blocked := f.sink.Snapshot(telemetry.KindBlocked)
	require.NotEmpty(t, blocked)
	assert.Equal(t, StageHalt, blocked[0].Stage)
}

func TestClassifyRejection(t *testing.T) {
	assert.Equal(t, RejectCircuit, classifyRejection("price out of circuit limit"))
	assert.Equal(t, RejectMargin, classifyRejection("RMS check failed"))
	assert.Equal(t, RejectMargin, classifyRejection("insufficient funds"))
	assert.Equal(t, RejectSession, classifyRejection("market is closed"))
	assert.Equal(t, RejectSession, classifyRejection("AMO after market order"))
	assert.Equal(t, RejectOther, classifyRejection("unknown error 42"))
}
