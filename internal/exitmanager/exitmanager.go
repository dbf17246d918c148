// Package exitmanager computes per-tick exit plans for live trades. The core
// is a pure function over a trade snapshot: no clock reads, no stored state,
// so every decision is replayable in the backtester and in tests.
//
// Rule order matters and is fixed: no-progress time-stop, max-hold, breakeven
// arming, trail arming, trailing stop, profit lock, then the option fallback.
// A later rule may tighten the stop set by an earlier one but never loosens
// it, except inside the option early-widen window when BE is not armed.
package exitmanager

import (
	"math"
	"time"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/model"
)

// Action is what the trade manager should do right now.
type Action string

const (
	ActionNone    Action = ""
	ActionExitNow Action = "EXIT_NOW"
)

// Exit reasons.
const (
	ReasonNoProgress = "TIME_STOP_NO_PROGRESS"
	ReasonMaxHold    = "TIME_STOP_MAX_HOLD"
	ReasonIVCrush    = "IV_CRUSH"
)

// Max-hold skip reasons, reported in Meta["maxHoldSkipReason"]. Checked in
// this order.
const (
	SkipPnlR   = "PNL_R"
	SkipPeakR  = "PEAK_R"
	SkipLocked = "LOCKED"
)

// Input is one evaluation of a live trade against a fresh price.
type Input struct {
	Trade *model.Trade // snapshot; never mutated
	LTP   int64        // paise
	Now   time.Time

	// UnderlyingLTP is the underlying's price in paise, 0 when unknown.
	UnderlyingLTP int64

	// SpreadBps and TickAgeMs feed the peak filters; 0 = not available.
	SpreadBps float64
	TickAgeMs int64

	TickSize int64 // paise; 0 defaults to 5
}

// Patch is the set of trade fields the caller should persist. Zero values
// mean unchanged; boolean locks are set-only.
type Patch struct {
	PeakLTP      int64
	PeakPnlPaise int64

	BELocked     bool
	BEArmedAt    time.Time
	TrailLocked  bool
	TrailArmedAt time.Time

	ProfitLockArmedAt time.Time
	ProfitLockPaise   int64
	ProfitLockR       float64

	TimeStopTriggeredAt time.Time

	StopLoss    int64
	TargetPrice int64
}

// Apply writes the patch onto a trade.
func (p *Patch) Apply(t *model.Trade) {
	if p.PeakLTP != 0 {
		t.PeakLTP = p.PeakLTP
	}
	if p.PeakPnlPaise != 0 {
		t.PeakPnlPaise = p.PeakPnlPaise
	}
	if p.BELocked {
		t.BELocked = true
		t.BEArmedAt = p.BEArmedAt
	}
	if p.TrailLocked {
		t.TrailLocked = true
		t.TrailArmedAt = p.TrailArmedAt
	}
	if !p.ProfitLockArmedAt.IsZero() {
		t.ProfitLockArmedAt = p.ProfitLockArmedAt
		t.ProfitLockPaise = p.ProfitLockPaise
		t.ProfitLockR = p.ProfitLockR
	}
	if !p.TimeStopTriggeredAt.IsZero() {
		t.TimeStopTriggeredAt = p.TimeStopTriggeredAt
	}
	if p.StopLoss != 0 {
		t.StopLoss = p.StopLoss
	}
	if p.TargetPrice != 0 {
		t.TargetPrice = p.TargetPrice
	}
}

// Plan is the outcome of one evaluation.
type Plan struct {
	SL     int64 // 0 = no stop change to emit
	Target int64 // 0 = no target change
	Action Action
	Reason string
	Patch  Patch
	Meta   map[string]any
}

// ComputePlan evaluates the exit rules for one live trade at one price.
func ComputePlan(in Input, cfg config.ExitConfig) Plan {
	t := in.Trade
	plan := Plan{Meta: map[string]any{}}
	if t == nil || t.Status != model.TradeLive || in.LTP <= 0 {
		return plan
	}
	tick := in.TickSize
	if tick <= 0 {
		tick = 5
	}
	dir := int64(1)
	if !t.IsBuy() {
		dir = -1
	}

	peakLTP, peakPnl := updatePeak(t, in, cfg)
	if peakLTP != t.PeakLTP {
		plan.Patch.PeakLTP = peakLTP
	}
	if peakPnl != t.PeakPnlPaise {
		plan.Patch.PeakPnlPaise = peakPnl
	}

	pnl := t.PnlPaise(in.LTP)
	pnlR := t.PnlR(in.LTP)
	peakR := 0.0
	if t.RiskPaise > 0 {
		peakR = float64(peakPnl) / float64(t.RiskPaise)
	}
	hold := in.Now.Sub(holdStart(t))

	// Time stops fire before any stop management: once the trade has run
	// out of time, there is nothing to trail.
	if exited := noProgressStop(t, in, cfg, peakR, hold, &plan); exited {
		return plan
	}
	if exited := maxHoldStop(t, cfg, pnlR, peakR, hold, &plan); exited {
		return plan
	}

	estCost := t.Exec.CostPerShare * t.FilledQty
	beLocked := t.BELocked
	if !beLocked && armThreshold(cfg.BEArmR, t.RiskPaise, cfg.BEArmCostMult, estCost) > 0 &&
		pnl >= armThreshold(cfg.BEArmR, t.RiskPaise, cfg.BEArmCostMult, estCost) {
		beLocked = true
		plan.Patch.BELocked = true
		plan.Patch.BEArmedAt = in.Now
	}

	trailLocked := t.TrailLocked
	if !trailLocked && cfg.TrailArmR > 0 && pnlR >= cfg.TrailArmR {
		trailLocked = true
		plan.Patch.TrailLocked = true
		plan.Patch.TrailArmedAt = in.Now
	}

	// Stop candidates accumulate as floors (BUY) / ceilings (SELL); the
	// strictest one wins.
	desired := int64(0)
	floorChanged := false

	if beLocked {
		trueBE := t.EntryPrice + dir*t.Exec.CostPerShare
		beSL := trueBE + dir*cfg.BEBufferTicks*tick
		keep := armThreshold(cfg.BEKeepR, t.RiskPaise, cfg.BEKeepCostMult, estCost)
		if keep > 0 && t.FilledQty > 0 {
			keepFloor := t.EntryPrice + dir*(keep/t.FilledQty)
			beSL = tighter(dir, beSL, keepFloor)
		}
		desired = tighter(dir, desired, beSL)
		if plan.Patch.BELocked {
			floorChanged = true
		}
	}

	if beLocked || trailLocked {
		gapPct := cfg.TrailGapPctPre
		if beLocked {
			gapPct = cfg.TrailGapPctPost
		}
		gap := int64(float64(peakLTP) * gapPct / 100)
		if peakR >= cfg.TrailTightenR && cfg.TrailTightenMult > 0 {
			gap = int64(float64(gap) * cfg.TrailTightenMult)
		}
		if gap < cfg.TrailMinPts {
			gap = cfg.TrailMinPts
		}
		if cfg.TrailMaxPts > 0 && gap > cfg.TrailMaxPts {
			gap = cfg.TrailMaxPts
		}
		desired = tighter(dir, desired, peakLTP-dir*gap)
	}

	if cfg.ProfitLockEnabled && cfg.ProfitLockR > 0 && peakR >= cfg.ProfitLockR && t.ProfitLockArmedAt.IsZero() {
		lockPaise := int64(cfg.ProfitLockKeepR * float64(t.RiskPaise))
		plan.Patch.ProfitLockArmedAt = in.Now
		plan.Patch.ProfitLockPaise = lockPaise
		plan.Patch.ProfitLockR = cfg.ProfitLockKeepR
		floorChanged = true
	}
	if !t.ProfitLockArmedAt.IsZero() || !plan.Patch.ProfitLockArmedAt.IsZero() {
		keepR := t.ProfitLockR
		if keepR == 0 {
			keepR = cfg.ProfitLockKeepR
		}
		lockFloor := t.EntryPrice + dir*int64(keepR*float64(t.RiskPerShare()))
		desired = tighter(dir, desired, lockFloor)
	}

	if t.IsOption() {
		optionRules(t, in, cfg, dir, peakR, hold, &desired, &plan)
		if plan.Action == ActionExitNow {
			return plan
		}
	}

	emitStop(t, in, cfg, dir, tick, desired, floorChanged, &plan)
	return plan
}

// holdStart is the fill time, falling back to creation for repaired trades.
func holdStart(t *model.Trade) time.Time {
	if !t.EntryFilledAt.IsZero() {
		return t.EntryFilledAt
	}
	return t.CreatedAt
}

// updatePeak advances peakLtp/peakPnl from the current tick if it passes the
// spread, staleness, and outlier filters.
func updatePeak(t *model.Trade, in Input, cfg config.ExitConfig) (int64, int64) {
	peakLTP, peakPnl := t.PeakLTP, t.PeakPnlPaise
	if cfg.PeakMaxSpreadBps > 0 && in.SpreadBps > float64(cfg.PeakMaxSpreadBps) {
		return peakLTP, peakPnl
	}
	if cfg.PeakMaxAgeMs > 0 && in.TickAgeMs > cfg.PeakMaxAgeMs {
		return peakLTP, peakPnl
	}
	if cfg.PeakOutlierPct > 0 && peakLTP > 0 {
		movePct := math.Abs(float64(in.LTP-peakLTP)) / float64(peakLTP) * 100
		if movePct > cfg.PeakOutlierPct {
			return peakLTP, peakPnl
		}
	}
	favorable := in.LTP > peakLTP
	if !t.IsBuy() {
		favorable = peakLTP == 0 || in.LTP < peakLTP
	}
	if favorable {
		peakLTP = in.LTP
	}
	if pnl := t.PnlPaise(in.LTP); pnl > peakPnl {
		peakPnl = pnl
	}
	return peakLTP, peakPnl
}

// noProgressStop emits TIME_STOP_NO_PROGRESS when the trade has gone nowhere
// for too long. For trades with an underlying reference the stop only fires
// while the underlying is also flat: a moving underlying earns patience.
// Latched via timeStopTriggeredAt.
func noProgressStop(t *model.Trade, in Input, cfg config.ExitConfig, peakR float64, hold time.Duration, plan *Plan) bool {
	if cfg.NoProgressMin <= 0 || !t.TimeStopTriggeredAt.IsZero() {
		return false
	}
	if hold < time.Duration(cfg.NoProgressMin)*time.Minute {
		return false
	}
	if peakR >= cfg.NoProgressMfeR {
		return false
	}
	if cfg.UnderlyingConfirm && t.UnderlyingEntryPrice > 0 && in.UnderlyingLTP > 0 {
		moveBps := math.Abs(float64(in.UnderlyingLTP-t.UnderlyingEntryPrice)) /
			float64(t.UnderlyingEntryPrice) * 10000
		if moveBps >= float64(cfg.UnderlyingBps) {
			return false
		}
		plan.Meta["underlyingMoveBps"] = moveBps
	}
	plan.Action = ActionExitNow
	plan.Reason = ReasonNoProgress
	plan.Patch.TimeStopTriggeredAt = in.Now
	plan.Meta["mfeR"] = peakR
	return true
}

// maxHoldStop emits TIME_STOP_MAX_HOLD unless one of the skip conditions
// holds. Skips are checked PNL_R, PEAK_R, LOCKED in that order and the
// winning reason is reported in meta.
func maxHoldStop(t *model.Trade, cfg config.ExitConfig, pnlR, peakR float64, hold time.Duration, plan *Plan) bool {
	if cfg.MaxHoldMin <= 0 || hold < time.Duration(cfg.MaxHoldMin)*time.Minute {
		return false
	}
	switch {
	case cfg.MaxHoldSkipPnlR > 0 && pnlR >= cfg.MaxHoldSkipPnlR:
		plan.Meta["maxHoldSkipReason"] = SkipPnlR
		return false
	case cfg.MaxHoldSkipPeakR > 0 && peakR >= cfg.MaxHoldSkipPeakR:
		plan.Meta["maxHoldSkipReason"] = SkipPeakR
		return false
	case cfg.MaxHoldSkipIfLocked && (t.BELocked || t.TrailLocked):
		plan.Meta["maxHoldSkipReason"] = SkipLocked
		return false
	}
	plan.Action = ActionExitNow
	plan.Reason = ReasonMaxHold
	plan.Meta["holdMin"] = int(hold.Minutes())
	return true
}

// optionRules applies the premium-percent fallback, IV heuristics, and the
// early-widen window for option trades.
func optionRules(t *model.Trade, in Input, cfg config.ExitConfig, dir int64, peakR float64, hold time.Duration, desired *int64, plan *Plan) {
	ulNeutral := true
	if t.UnderlyingEntryPrice > 0 && in.UnderlyingLTP > 0 {
		moveBps := math.Abs(float64(in.UnderlyingLTP-t.UnderlyingEntryPrice)) /
			float64(t.UnderlyingEntryPrice) * 10000
		ulNeutral = moveBps < float64(cfg.OptNeutralULBps)
	}

	premiumChgPct := float64(in.LTP-t.EntryPrice) / float64(t.EntryPrice) * 100

	// IV crush: premium collapsing while the underlying sits still means
	// the option is bleeding vol, not direction. Get out.
	if t.IsBuy() && ulNeutral && premiumChgPct <= -cfg.OptIVCrushDropPct {
		plan.Action = ActionExitNow
		plan.Reason = ReasonIVCrush
		plan.Meta["premiumChgPct"] = premiumChgPct
		return
	}

	// IV spike lock: premium jumped while the underlying sat still; lock
	// most of the gift in before it evaporates.
	if t.IsBuy() && ulNeutral && premiumChgPct >= cfg.OptIVSpikeRisePct {
		lock := t.EntryPrice + dir*int64(0.5*premiumChgPct/100*float64(t.EntryPrice))
		*desired = tighter(dir, *desired, lock)
		plan.Meta["ivSpikeLock"] = true
	}

	// Premium-percent fallback stop/target when nothing else set a stop.
	if *desired == 0 && cfg.OptSLPct > 0 {
		*desired = t.EntryPrice - dir*int64(cfg.OptSLPct/100*float64(t.EntryPrice))
	}
	if t.TargetPrice == 0 && cfg.OptTargetPct > 0 {
		plan.Target = t.EntryPrice + dir*int64(cfg.OptTargetPct/100*float64(t.EntryPrice))
	}

	// Early widen: inside the window an option stop may sit wider than the
	// initial SL, capped at widenMaxMult of per-share risk. BE dominates:
	// once armed, the BE floor holds.
	if cfg.OptWidenWindowMin > 0 && hold <= time.Duration(cfg.OptWidenWindowMin)*time.Minute &&
		!t.BELocked && !plan.Patch.BELocked && cfg.OptWidenMaxMult > 1 {
		wide := t.EntryPrice - dir*int64(cfg.OptWidenMaxMult*float64(t.RiskPerShare()))
		if *desired != 0 && looser(dir, *desired, t.InitialStopLoss) {
			// The candidate is looser than the initial stop: clamp to
			// the widen cap instead of the usual initial-SL floor.
			*desired = tighter(dir, *desired, wide)
			plan.Meta["earlyWiden"] = true
		}
	}
}

// emitStop applies the never-loosen and broker-validity clips, then the
// step-ticks emission threshold.
func emitStop(t *model.Trade, in Input, cfg config.ExitConfig, dir, tick, desired int64, floorChanged bool, plan *Plan) {
	if desired == 0 {
		return
	}
	inWiden := t.IsOption() && cfg.OptWidenWindowMin > 0 &&
		in.Now.Sub(holdStart(t)) <= time.Duration(cfg.OptWidenWindowMin)*time.Minute &&
		!t.BELocked && !plan.Patch.BELocked

	// Never loosen past the current stop, nor past the initial stop
	// outside the option widen window.
	if t.StopLoss != 0 && !inWiden {
		desired = tighter(dir, desired, t.StopLoss)
	}
	if t.InitialStopLoss != 0 && !inWiden && looser(dir, desired, t.InitialStopLoss) {
		desired = t.InitialStopLoss
	}

	// Stay at least one tick on the correct side of LTP.
	limit := in.LTP - dir*tick
	if dir > 0 && desired > limit {
		desired = limit
	}
	if dir < 0 && desired < limit {
		desired = limit
	}
	if desired == t.StopLoss {
		return
	}

	step := cfg.StepTicksPre
	if t.BELocked || plan.Patch.BELocked {
		step = cfg.StepTicksPost
	}
	move := dir * (desired - t.StopLoss)
	if t.StopLoss != 0 && !floorChanged && move < step*tick {
		return
	}
	plan.SL = desired
	plan.Patch.StopLoss = desired

	if plan.Target != 0 && !cfg.AllowTargetTighten && t.TargetPrice != 0 {
		plan.Target = 0
	}
	if plan.Target != 0 {
		plan.Patch.TargetPrice = plan.Target
	}
}

// armThreshold returns max(r·risk, costMult·estCost) in paise, 0 when both
// knobs are off.
func armThreshold(r float64, riskPaise int64, costMult float64, estCost int64) int64 {
	a := int64(r * float64(riskPaise))
	b := int64(costMult * float64(estCost))
	if b > a {
		a = b
	}
	return a
}

// tighter returns whichever stop is stricter for the trade direction.
// Zero candidates are ignored.
func tighter(dir, a, b int64) int64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if dir > 0 {
		if b > a {
			return b
		}
		return a
	}
	if b < a {
		return b
	}
	return a
}

// looser reports whether a is on the loose side of b for the direction.
func looser(dir, a, b int64) bool {
	if dir > 0 {
		return a < b
	}
	return a > b
}
