package exitmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/model"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func fillAt() time.Time {
	return time.Date(2026, 8, 26, 11, 0, 0, 0, ist)
}

// buyTrade is the canonical fixture: BUY 10 @ ₹100, SL ₹90, risk ₹100,
// underlying at ₹200.00 (20000 paise per index point convention).
func buyTrade() *model.Trade {
	return &model.Trade{
		TradeID:              "T1",
		StrategyID:           "EMA_CROSS",
		Token:                "3045",
		Exchange:             "NSE",
		Side:                 "BUY",
		Status:               model.TradeLive,
		RequestedQty:         10,
		FilledQty:            10,
		EntryPrice:           10000,
		InitialStopLoss:      9000,
		StopLoss:             9000,
		RiskPaise:            10000,
		RR:                   1,
		UnderlyingEntryPrice: 2000000,
		EntryFilledAt:        fillAt(),
	}
}

// timeStopConfig isolates the no-progress rule.
func timeStopConfig() config.ExitConfig {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 5
	cfg.NoProgressMfeR = 0.2
	cfg.UnderlyingConfirm = true
	cfg.UnderlyingBps = 12
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = false
	return cfg
}

func TestNoProgressTimeStop(t *testing.T) {
	cfg := timeStopConfig()
	tr := buyTrade()

	// t+1m: too early, no action; peak advances.
	p1 := ComputePlan(Input{
		Trade: tr, LTP: 10005, Now: fillAt().Add(time.Minute), UnderlyingLTP: 2000200,
	}, cfg)
	assert.Equal(t, ActionNone, p1.Action)
	p1.Patch.Apply(tr)
	assert.Equal(t, int64(10005), tr.PeakLTP)

	// t+6m: held past the window with MFE 0.01R and underlying flat.
	p2 := ComputePlan(Input{
		Trade: tr, LTP: 10010, Now: fillAt().Add(6 * time.Minute), UnderlyingLTP: 2000200,
	}, cfg)
	require.Equal(t, ActionExitNow, p2.Action)
	assert.Equal(t, ReasonNoProgress, p2.Reason)
	assert.False(t, p2.Patch.TimeStopTriggeredAt.IsZero())

	// Latched: applying the patch suppresses a re-emit.
	p2.Patch.Apply(tr)
	p3 := ComputePlan(Input{
		Trade: tr, LTP: 10010, Now: fillAt().Add(7 * time.Minute), UnderlyingLTP: 2000200,
	}, cfg)
	assert.Equal(t, ActionNone, p3.Action)
}

func TestNoProgressSkippedWhenUnderlyingMoves(t *testing.T) {
	cfg := timeStopConfig()
	tr := buyTrade()

	// Underlying moved 50bps: the position earns more time.
	p := ComputePlan(Input{
		Trade: tr, LTP: 10010, Now: fillAt().Add(6 * time.Minute), UnderlyingLTP: 2010000,
	}, cfg)
	assert.Equal(t, ActionNone, p.Action)
	assert.Zero(t, p.SL)
}

func maxHoldConfig() config.ExitConfig {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 10
	cfg.MaxHoldSkipPnlR = 0.5
	cfg.MaxHoldSkipPeakR = 1.0
	cfg.MaxHoldSkipIfLocked = true
	cfg.ProfitLockEnabled = false
	return cfg
}

func TestMaxHoldFiresOnLowPnl(t *testing.T) {
	tr := buyTrade()
	p := ComputePlan(Input{
		Trade: tr, LTP: 10100, Now: fillAt().Add(12 * time.Minute), UnderlyingLTP: 2000500,
	}, maxHoldConfig())
	require.Equal(t, ActionExitNow, p.Action)
	assert.Equal(t, ReasonMaxHold, p.Reason)
}

func TestMaxHoldSkippedOnPeakR(t *testing.T) {
	tr := buyTrade()
	tr.PeakPnlPaise = 10000 // already saw +1R

	p := ComputePlan(Input{
		Trade: tr, LTP: 10100, Now: fillAt().Add(12 * time.Minute), UnderlyingLTP: 2000500,
	}, maxHoldConfig())
	assert.Equal(t, ActionNone, p.Action)
	assert.Equal(t, SkipPeakR, p.Meta["maxHoldSkipReason"])
}

func TestMaxHoldSkipOrderPrefersPnlR(t *testing.T) {
	tr := buyTrade()
	tr.PeakPnlPaise = 10000
	// Current P&L 0.6R and peak 1R both qualify; PNL_R is checked first.
	p := ComputePlan(Input{
		Trade: tr, LTP: 10600, Now: fillAt().Add(12 * time.Minute),
	}, maxHoldConfig())
	assert.Equal(t, ActionNone, p.Action)
	assert.Equal(t, SkipPnlR, p.Meta["maxHoldSkipReason"])
}

func TestMaxHoldSkippedWhenLocked(t *testing.T) {
	tr := buyTrade()
	tr.BELocked = true
	p := ComputePlan(Input{
		Trade: tr, LTP: 10010, Now: fillAt().Add(12 * time.Minute),
	}, maxHoldConfig())
	assert.Equal(t, ActionNone, p.Action)
	assert.Equal(t, SkipLocked, p.Meta["maxHoldSkipReason"])
}

func TestProfitLockArmsAtOneR(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = true
	cfg.ProfitLockR = 1.0
	cfg.ProfitLockKeepR = 0.25

	tr := buyTrade()
	p := ComputePlan(Input{
		Trade: tr, LTP: 11000, Now: fillAt().Add(5 * time.Minute),
	}, cfg)

	require.False(t, p.Patch.ProfitLockArmedAt.IsZero())
	assert.Equal(t, int64(2500), p.Patch.ProfitLockPaise) // ₹25 locked
	assert.InDelta(t, 0.25, p.Patch.ProfitLockR, 1e-9)

	require.NotZero(t, p.SL)
	assert.GreaterOrEqual(t, p.SL, int64(10250)) // entry + 0.25R per share
	assert.Less(t, p.SL, int64(11000))
}

func TestBELockNeverLoosens(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	tr := buyTrade()
	tr.Exec.CostPerShare = 20

	// +0.8R arms BE; emitted SL must sit at or above true breakeven.
	p1 := ComputePlan(Input{Trade: tr, LTP: 10800, Now: fillAt().Add(3 * time.Minute)}, cfg)
	require.True(t, p1.Patch.BELocked)
	trueBE := tr.EntryPrice + tr.Exec.CostPerShare
	require.NotZero(t, p1.SL)
	assert.GreaterOrEqual(t, p1.SL, trueBE)
	p1.Patch.Apply(tr)
	firstSL := tr.StopLoss

	// Price pulls back: the stop must not move down.
	p2 := ComputePlan(Input{Trade: tr, LTP: 10400, Now: fillAt().Add(4 * time.Minute)}, cfg)
	if p2.SL != 0 {
		assert.GreaterOrEqual(t, p2.SL, firstSL)
	}
	p2.Patch.Apply(tr)
	assert.GreaterOrEqual(t, tr.StopLoss, firstSL)
}

func TestTrailingStopFollowsPeak(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = false
	tr := buyTrade()

	// +1R arms the trail and BE; stop rises behind the peak.
	p1 := ComputePlan(Input{Trade: tr, LTP: 11000, Now: fillAt().Add(3 * time.Minute)}, cfg)
	require.True(t, p1.Patch.TrailLocked)
	require.NotZero(t, p1.SL)
	p1.Patch.Apply(tr)
	sl1 := tr.StopLoss

	// New high drags the stop up. Outlier filter caps per-tick peak moves,
	// so advance in steps.
	p2 := ComputePlan(Input{Trade: tr, LTP: 11150, Now: fillAt().Add(4 * time.Minute)}, cfg)
	require.NotZero(t, p2.SL)
	assert.Greater(t, p2.SL, sl1)
	p2.Patch.Apply(tr)

	// A stale tick must not advance the peak.
	peak := tr.PeakLTP
	p3 := ComputePlan(Input{Trade: tr, LTP: 11300, Now: fillAt().Add(5 * time.Minute), TickAgeMs: 10000}, cfg)
	assert.Zero(t, p3.Patch.PeakLTP)
	assert.Equal(t, peak, tr.PeakLTP)
}

func TestPeakIgnoresWideSpreadTicks(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	tr := buyTrade()

	p := ComputePlan(Input{Trade: tr, LTP: 10050, Now: fillAt().Add(time.Minute), SpreadBps: 120}, cfg)
	assert.Zero(t, p.Patch.PeakLTP)
}

func TestSellSideMirror(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = false
	tr := buyTrade()
	tr.Side = "SELL"
	tr.InitialStopLoss = 11000
	tr.StopLoss = 11000

	// +1R for a short: price at 90.
	p := ComputePlan(Input{Trade: tr, LTP: 9000, Now: fillAt().Add(3 * time.Minute)}, cfg)
	require.NotZero(t, p.SL)
	assert.Less(t, p.SL, int64(11000))
	assert.Greater(t, p.SL, int64(9000)) // stays above LTP for a short
}

func TestOptionIVCrushExit(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	tr := buyTrade()
	tr.Option = &model.OptionMeta{OptType: "CE", Strike: 2000000, UnderlyingToken: "26000"}

	// Premium down 20% while the underlying moved 2bps.
	p := ComputePlan(Input{
		Trade: tr, LTP: 8000, Now: fillAt().Add(3 * time.Minute), UnderlyingLTP: 2000400,
	}, cfg)
	require.Equal(t, ActionExitNow, p.Action)
	assert.Equal(t, ReasonIVCrush, p.Reason)
}

func TestOptionEarlyWidenBoundedAndBEDominates(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = false
	cfg.OptSLPct = 28
	cfg.OptWidenWindowMin = 6
	cfg.OptWidenMaxMult = 1.5

	tr := buyTrade()
	tr.Option = &model.OptionMeta{OptType: "CE", Strike: 2000000, UnderlyingToken: "26000"}
	tr.StopLoss = 0 // no broker stop yet; fallback applies

	// Inside the widen window the premium stop may sit below the initial
	// SL, but no deeper than widenMaxMult of per-share risk.
	p := ComputePlan(Input{
		Trade: tr, LTP: 9900, Now: fillAt().Add(2 * time.Minute), UnderlyingLTP: 2002000,
	}, cfg)
	require.NotZero(t, p.SL)
	wideFloor := tr.EntryPrice - int64(1.5*float64(tr.RiskPerShare()))
	assert.GreaterOrEqual(t, p.SL, wideFloor)
	assert.Less(t, p.SL, tr.InitialStopLoss)

	// Once BE is armed the widen window no longer applies.
	tr2 := buyTrade()
	tr2.Option = &model.OptionMeta{OptType: "CE", Strike: 2000000, UnderlyingToken: "26000"}
	tr2.BELocked = true
	p2 := ComputePlan(Input{
		Trade: tr2, LTP: 10050, Now: fillAt().Add(2 * time.Minute), UnderlyingLTP: 2002000,
	}, cfg)
	if p2.SL != 0 {
		assert.GreaterOrEqual(t, p2.SL, tr2.EntryPrice)
	}
}

func TestStepTicksSuppressesNoise(t *testing.T) {
	cfg := config.DefaultExitConfig()
	cfg.NoProgressMin = 0
	cfg.MaxHoldMin = 0
	cfg.ProfitLockEnabled = false
	cfg.StepTicksPost = 4
	tr := buyTrade()

	p1 := ComputePlan(Input{Trade: tr, LTP: 11000, Now: fillAt().Add(3 * time.Minute)}, cfg)
	require.NotZero(t, p1.SL)
	p1.Patch.Apply(tr)

	// A one-paise favorable move is below the step threshold.
	p2 := ComputePlan(Input{Trade: tr, LTP: 11001, Now: fillAt().Add(4 * time.Minute)}, cfg)
	assert.Zero(t, p2.SL)
}

func TestNonLiveTradeIsIgnored(t *testing.T) {
	tr := buyTrade()
	tr.Status = model.TradeEntryPlaced
	p := ComputePlan(Input{Trade: tr, LTP: 11000, Now: fillAt().Add(3 * time.Minute)}, config.DefaultExitConfig())
	assert.Equal(t, ActionNone, p.Action)
	assert.Zero(t, p.SL)
}
