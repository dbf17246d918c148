package backtest

import (
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/strategy"
)

func testParams() Params {
	return Params{
		Exchange:        "NSE",
		Token:           "2885",
		IntervalMin:     5,
		EquityPaise:     10_000_000, // ₹1,00,000
		PerTradeRiskPct: 1.0,
		LotSize:         1,
		TickSize:        5,
		RR:              2.0,
		MinCandles:      50,
		SlippageBps:     0,
		FeePerLotPaise:  4000,
		QualityMode:     candlestore.QualityOff,
	}
}

func newSim(t *testing.T) *sim {
	t.Helper()
	return &sim{p: testParams(), exitCfg: config.DefaultExitConfig(), rng: rand.New(rand.NewSource(1))}
}

// barAt builds a 5m bar starting at the given IST clock on a trading day.
func barAt(hour, min int, o, hi, lo, c int64) model.Candle {
	ts := time.Date(2026, 8, 26, hour, min, 0, 0, markethours.IST)
	return model.Candle{
		Token: "2885", Exchange: "NSE", IntervalMin: 5, TS: ts,
		Open: o, High: hi, Low: lo, Close: c, Volume: 1000,
		Source: model.SourceLive,
	}
}

func buySignal() *strategy.Signal {
	return &strategy.Signal{
		StrategyID: "EMA_CROSS",
		Side:       strategy.SideBuy,
		Confidence: 70,
		StopAnchor: 9900,
		Regime:     "TREND",
	}
}

func TestFillEntrySizing(t *testing.T) {
	s := newSim(t)
	s.pending = buySignal()
	s.fillEntry(barAt(11, 0, 10000, 10020, 9995, 10010))

	tr := s.open
	require.NotNil(t, tr)
	assert.Equal(t, int64(10000), tr.EntryPrice)
	// Anchor 9900 padded by 3 ticks of 5 paise.
	assert.Equal(t, int64(9885), tr.InitialStopLoss)
	// (1% of equity − fee) / 115 risk per share.
	assert.Equal(t, int64(834), tr.FilledQty)
	assert.Equal(t, int64(10230), tr.TargetPrice)
	assert.Equal(t, int64(115*834), tr.RiskPaise)
	assert.Equal(t, model.TradeLive, tr.Status)
}

func TestStopFillLosesAboutOneR(t *testing.T) {
	s := newSim(t)
	s.pending = buySignal()
	s.fillEntry(barAt(11, 0, 10000, 10020, 9995, 10010))

	res := &Result{Analytics: map[string]StrategyStats{}}
	s.stepBar(barAt(11, 5, 10005, 10010, 9880, 9890), res)

	require.Nil(t, s.open)
	require.Len(t, res.Trades, 1)
	rec := res.Trades[0]
	assert.Equal(t, "SL", rec.ExitReason)
	assert.Equal(t, int64(9885), rec.ExitPrice)
	assert.Negative(t, rec.NetPaise)
	assert.InDelta(t, -1.03, rec.NetR, 0.02)
}

func TestTargetFillWinsAboutTwoR(t *testing.T) {
	s := newSim(t)
	s.pending = buySignal()
	s.fillEntry(barAt(11, 0, 10000, 10020, 9995, 10010))

	res := &Result{Analytics: map[string]StrategyStats{}}
	s.stepBar(barAt(11, 5, 10050, 10250, 10040, 10200), res)

	require.Len(t, res.Trades, 1)
	rec := res.Trades[0]
	assert.Equal(t, "TARGET", rec.ExitReason)
	assert.Equal(t, int64(10230), rec.ExitPrice)
	assert.InDelta(t, 1.96, rec.NetR, 0.02)
}

func TestStopWinsWhenBothTouch(t *testing.T) {
	s := newSim(t)
	s.pending = buySignal()
	s.fillEntry(barAt(11, 0, 10000, 10020, 9995, 10010))

	res := &Result{Analytics: map[string]StrategyStats{}}
	// Bar spans both the stop and the target: conservative fill at the stop.
	s.stepBar(barAt(11, 5, 10005, 10300, 9800, 10100), res)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "SL", res.Trades[0].ExitReason)
}

func TestSessionEndFlattens(t *testing.T) {
	s := newSim(t)
	s.pending = buySignal()
	s.fillEntry(barAt(15, 20, 10000, 10020, 9995, 10010))

	res := &Result{Analytics: map[string]StrategyStats{}}
	// 15:25 bar; the next bucket starts at 15:30, outside the session.
	s.stepBar(barAt(15, 25, 10010, 10030, 10000, 10020), res)

	require.Nil(t, s.open)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "SESSION_END", res.Trades[0].ExitReason)
}

func TestFinalizeMetrics(t *testing.T) {
	res := &Result{Analytics: map[string]StrategyStats{}}
	res.Trades = []TradeRecord{
		{StrategyID: "A", NetPaise: 20000, CostPaise: 1000, NetR: 2.0},
		{StrategyID: "A", NetPaise: -10000, CostPaise: 1000, NetR: -1.0},
		{StrategyID: "B", NetPaise: -10000, CostPaise: 1000, NetR: -1.0},
	}
	finalize(res)

	m := res.Metrics
	assert.Equal(t, 3, m.Trades)
	assert.Equal(t, 1, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.InDelta(t, 33.33, m.WinRate, 0.01)
	assert.Equal(t, int64(0), m.TotalNetPnl)
	assert.Equal(t, 30.0, m.TotalEstimatedCostInr)
	// Peak +200 after trade 1, trough 0 after trade 3.
	assert.Equal(t, 200.0, m.MaxDrawdownInr)

	a := res.Analytics["A"]
	assert.Equal(t, 2, a.Trades)
	assert.Equal(t, 1, a.Wins)
	assert.InDelta(t, 0.5, a.AvgNetR, 0.001)
}

func TestRunStrictQualityRejectsBadSeries(t *testing.T) {
	store, err := candlestore.New(candlestore.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "candles.db"),
	})
	require.NoError(t, err)
	defer store.Close()

	// Misaligned timestamp: 11:02 is not on the 5m grid.
	bad := barAt(11, 2, 10000, 10010, 9990, 10005)
	require.NoError(t, store.Upsert(bad))

	h := New(store, strategy.NewRegistry(nil), strategy.NewSelector(false), nil, config.DefaultExitConfig())
	p := testParams()
	p.From = bad.TS.Add(-time.Hour)
	p.To = bad.TS.Add(time.Hour)
	p.QualityMode = candlestore.QualityStrict

	_, err = h.Run(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data quality")
}

func TestRunEmptyRangeProducesEmptyArtifact(t *testing.T) {
	store, err := candlestore.New(candlestore.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "candles.db"),
	})
	require.NoError(t, err)
	defer store.Close()

	h := New(store, strategy.NewRegistry(nil), strategy.NewSelector(true), nil, config.DefaultExitConfig())
	p := testParams()
	p.From = time.Date(2026, 8, 26, 0, 0, 0, 0, markethours.IST)
	p.To = p.From.Add(6 * time.Hour)

	res, err := h.Run(p)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Metrics.Trades)
	assert.Equal(t, 0, res.Candles)

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, res.WriteFile(path))
}
