package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func tradingNow() time.Time {
	return time.Date(2026, 8, 26, 11, 0, 0, 0, ist)
}

func newTestGovernor() *Governor {
	return New(DefaultLimits(), nil)
}

func TestCanOpenHappyPath(t *testing.T) {
	g := newTestGovernor()
	ok, reason := g.CanOpenNewTrade(1, tradingNow())
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestDailyMaxLossBlocks(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	g.RecordClosed("t1", -100000, -3.0, now)

	ok, reason := g.CanOpenNewTrade(1, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonDailyMaxLoss, reason)
}

func TestProfitGoalBlocks(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	g.RecordClosed("t1", 200000, 6.5, now)

	ok, reason := g.CanOpenNewTrade(1, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonProfitGoal, reason)
}

func TestLossStreakBlocksAndWinResets(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	for i := 0; i < g.limits.MaxLossStreak; i++ {
		g.RecordClosed(string(rune('a'+i)), -1000, -0.1, now)
	}
	ok, reason := g.CanOpenNewTrade(1, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonLossStreak, reason)

	g2 := newTestGovernor()
	g2.RecordClosed("l1", -1000, -0.1, now)
	g2.RecordClosed("l2", -1000, -0.1, now)
	g2.RecordClosed("w1", 5000, 0.5, now)
	g2.RecordClosed("l3", -1000, -0.1, now)
	ok, _ = g2.CanOpenNewTrade(1, now)
	assert.True(t, ok)
}

func TestOpenRiskLedger(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	g.RegisterOpen("t1", 1.0, now)
	g.RegisterOpen("t2", 0.8, now)

	// 1.0 + 0.8 + 0.5 > 2.0 cap.
	ok, reason := g.CanOpenNewTrade(0.5, now)
	assert.False(t, ok)
	assert.Equal(t, ReasonMaxOpenRisk, reason)

	g.RecordClosed("t1", 1000, 0.1, now)
	ok, _ = g.CanOpenNewTrade(0.5, now)
	assert.True(t, ok)

	// ReleaseOpen drops reservation without touching P&L.
	g.RegisterOpen("t3", 1.0, now)
	g.ReleaseOpen("t3", now)
	ok, _ = g.CanOpenNewTrade(1.0, now)
	assert.True(t, ok)
	assert.InDelta(t, 0.1, g.RealizedR(now), 1e-9)
}

func TestRecordClosedIdempotent(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	g.RecordClosed("t1", -5000, -0.5, now)
	g.RecordClosed("t1", -5000, -0.5, now) // reconcile replay

	assert.InDelta(t, -0.5, g.RealizedR(now), 1e-9)
	snap := g.Snapshot(now)
	assert.Equal(t, int64(-5000), snap["realizedPaise"])
	assert.Equal(t, 1, snap["lossStreak"])
}

func TestOrderErrorBreaker(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()

	for i := 0; i <= g.limits.ErrMax; i++ {
		g.RecordOrderError(now.Add(time.Duration(i) * time.Second))
	}
	at := now.Add(time.Duration(g.limits.ErrMax) * time.Second)
	ok, reason := g.CanOpenNewTrade(1, at)
	assert.False(t, ok)
	assert.Equal(t, ReasonOrderErrBreaker, reason)

	// Breaker clears after BreakerFor.
	ok, _ = g.CanOpenNewTrade(1, at.Add(g.limits.BreakerFor).Add(time.Second))
	assert.True(t, ok)
}

func TestOrderErrorsOutsideWindowDoNotTrip(t *testing.T) {
	g := newTestGovernor()
	now := tradingNow()
	for i := 0; i <= g.limits.ErrMax; i++ {
		g.RecordOrderError(now.Add(time.Duration(i) * 2 * g.limits.ErrWindow))
	}
	last := now.Add(time.Duration(g.limits.ErrMax) * 2 * g.limits.ErrWindow)
	ok, reason := g.CanOpenNewTrade(1, last)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestDayRollover(t *testing.T) {
	g := newTestGovernor()
	today := tradingNow()
	g.RecordClosed("t1", -100000, -3.0, today)
	ok, _ := g.CanOpenNewTrade(1, today)
	assert.False(t, ok)

	tomorrow := today.Add(24 * time.Hour)
	ok, reason := g.CanOpenNewTrade(1, tomorrow)
	assert.True(t, ok)
	assert.Empty(t, reason)
}
