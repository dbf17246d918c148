// Package governor tracks the day's portfolio state and enforces the daily
// budget: realized P&L, loss streak, open risk, and the order-error breaker.
// State is keyed by the IST day and survives restarts via a redis snapshot.
package governor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intraday-enginev1/internal/markethours"
)

// Rejection reasons returned by CanOpenNewTrade.
const (
	ReasonDailyMaxLoss    = "DAILY_MAX_LOSS"
	ReasonProfitGoal      = "PROFIT_GOAL_REACHED"
	ReasonLossStreak      = "LOSS_STREAK"
	ReasonMaxOpenRisk     = "MAX_OPEN_RISK"
	ReasonOrderErrBreaker = "ORDER_ERROR_BREAKER"
)

const snapshotKeyPrefix = "engine:governor:"

// Limits are the daily budget knobs.
type Limits struct {
	MaxDailyLossR float64
	ProfitGoalR   float64
	MaxLossStreak int
	MaxOpenRiskR  float64

	// Order-error breaker: more than ErrMax order errors within ErrWindow
	// pauses new entries for BreakerFor.
	ErrWindow  time.Duration
	ErrMax     int
	BreakerFor time.Duration
}

// DefaultLimits mirror the engine defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDailyLossR: 3,
		ProfitGoalR:   6,
		MaxLossStreak: 4,
		MaxOpenRiskR:  2,
		ErrWindow:     60 * time.Second,
		ErrMax:        5,
		BreakerFor:    5 * time.Minute,
	}
}

// dayState is everything the governor knows about one trading day.
type dayState struct {
	DayKey        string             `json:"dayKey"`
	RealizedPaise int64              `json:"realizedPaise"`
	RealizedR     float64            `json:"realizedR"`
	TradesCount   int                `json:"tradesCount"`
	LossStreak    int                `json:"lossStreak"`
	OpenRiskR     map[string]float64 `json:"openRiskR"` // tradeId → R at risk
	ProcessedIDs  map[string]bool    `json:"processedIds"`
	OrderErrTimes []time.Time        `json:"orderErrTimes"`
	BreakerUntil  time.Time          `json:"breakerUntil"`
}

func newDayState(dayKey string) *dayState {
	return &dayState{
		DayKey:       dayKey,
		OpenRiskR:    make(map[string]float64),
		ProcessedIDs: make(map[string]bool),
	}
}

// Governor is the daily portfolio budget keeper.
type Governor struct {
	limits Limits
	redis  *goredis.Client // optional, snapshots per dayKey

	mu  sync.Mutex
	day *dayState
}

// New creates a governor. redisClient may be nil (no persistence).
func New(limits Limits, redisClient *goredis.Client) *Governor {
	return &Governor{limits: limits, redis: redisClient}
}

// state returns the current day's state, rolling over at the IST day
// boundary. Caller must hold g.mu.
func (g *Governor) state(now time.Time) *dayState {
	key := markethours.DayKey(now)
	if g.day == nil || g.day.DayKey != key {
		if g.day != nil {
			log.Printf("[governor] day rollover %s -> %s", g.day.DayKey, key)
		}
		g.day = newDayState(key)
	}
	return g.day
}

// CanOpenNewTrade runs the daily budget checks for a prospective entry that
// would put riskR at risk. Returns (true, "") when admitted.
func (g *Governor) CanOpenNewTrade(riskR float64, now time.Time) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)

	if st.RealizedR <= -g.limits.MaxDailyLossR {
		return false, ReasonDailyMaxLoss
	}
	if g.limits.ProfitGoalR > 0 && st.RealizedR >= g.limits.ProfitGoalR {
		return false, ReasonProfitGoal
	}
	if st.LossStreak >= g.limits.MaxLossStreak {
		return false, ReasonLossStreak
	}
	open := riskR
	for _, r := range st.OpenRiskR {
		open += r
	}
	if open > g.limits.MaxOpenRiskR {
		return false, ReasonMaxOpenRisk
	}
	if now.Before(st.BreakerUntil) {
		return false, ReasonOrderErrBreaker
	}
	return true, ""
}

// RegisterOpen reserves riskR in the open-risk ledger for a live trade.
func (g *Governor) RegisterOpen(tradeID string, riskR float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)
	st.OpenRiskR[tradeID] = riskR
	st.TradesCount++
	g.persistLocked(st)
}

// ReleaseOpen drops a trade from the open-risk ledger without closing it
// against P&L (entry failed before fill).
func (g *Governor) ReleaseOpen(tradeID string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)
	delete(st.OpenRiskR, tradeID)
	g.persistLocked(st)
}

// RecordClosed applies a closed trade's realized result. Idempotent per
// tradeID: reconcile loops may deliver the same close more than once.
func (g *Governor) RecordClosed(tradeID string, pnlPaise int64, pnlR float64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)
	if st.ProcessedIDs[tradeID] {
		return
	}
	st.ProcessedIDs[tradeID] = true
	delete(st.OpenRiskR, tradeID)
	st.RealizedPaise += pnlPaise
	st.RealizedR += pnlR
	if pnlPaise < 0 {
		st.LossStreak++
	} else if pnlPaise > 0 {
		st.LossStreak = 0
	}
	g.persistLocked(st)
	log.Printf("[governor] closed trade %s pnl=%d paise (%.2fR), day=%.2fR streak=%d",
		tradeID, pnlPaise, pnlR, st.RealizedR, st.LossStreak)
}

// RecordOrderError pushes an order-error timestamp; when more than ErrMax
// land inside ErrWindow the breaker arms for BreakerFor.
func (g *Governor) RecordOrderError(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)

	st.OrderErrTimes = append(st.OrderErrTimes, now)
	cutoff := now.Add(-g.limits.ErrWindow)
	kept := st.OrderErrTimes[:0]
	for _, t := range st.OrderErrTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.OrderErrTimes = kept

	if len(st.OrderErrTimes) > g.limits.ErrMax && now.After(st.BreakerUntil) {
		st.BreakerUntil = now.Add(g.limits.BreakerFor)
		log.Printf("[governor] order-error breaker armed until %s (%d errors in %s)",
			st.BreakerUntil.Format("15:04:05"), len(st.OrderErrTimes), g.limits.ErrWindow)
	}
	g.persistLocked(st)
}

// Snapshot returns the day state for the status surface.
func (g *Governor) Snapshot(now time.Time) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(now)
	var openR float64
	for _, r := range st.OpenRiskR {
		openR += r
	}
	return map[string]any{
		"dayKey":        st.DayKey,
		"realizedPaise": st.RealizedPaise,
		"realizedR":     st.RealizedR,
		"tradesCount":   st.TradesCount,
		"lossStreak":    st.LossStreak,
		"openRiskR":     openR,
		"openTrades":    len(st.OpenRiskR),
		"breakerUntil":  st.BreakerUntil,
	}
}

// RealizedR returns the day's realized R, for budget scaling.
func (g *Governor) RealizedR(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state(now).RealizedR
}

// persistLocked snapshots the day state to redis. Best-effort; caller holds
// g.mu.
func (g *Governor) persistLocked(st *dayState) {
	if g.redis == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.redis.Set(ctx, snapshotKeyPrefix+st.DayKey, data, 48*time.Hour).Err(); err != nil {
		log.Printf("[governor] snapshot persist failed: %v", err)
	}
}

// Restore loads the day snapshot for now's dayKey from redis. Call once on
// boot before trading starts.
func (g *Governor) Restore(ctx context.Context, now time.Time) error {
	if g.redis == nil {
		return nil
	}
	key := markethours.DayKey(now)
	data, err := g.redis.Get(ctx, snapshotKeyPrefix+key).Bytes()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	st := newDayState(key)
	if err := json.Unmarshal(data, st); err != nil {
		return err
	}
	g.mu.Lock()
	g.day = st
	g.mu.Unlock()
	log.Printf("[governor] restored day %s: realized=%.2fR trades=%d streak=%d",
		key, st.RealizedR, st.TradesCount, st.LossStreak)
	return nil
}
