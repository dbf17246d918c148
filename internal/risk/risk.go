// Package risk implements the pre-trade admission checks: kill switch,
// cooldowns, position caps, and the market calendar. One rejection reason per
// call; the first failing check wins so telemetry stays unambiguous.
package risk

import (
	"log"
	"sync"
	"time"

	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/markethours"
)

// Rejection reasons returned by CanTrade.
const (
	ReasonKillSwitch      = "KILL_SWITCH"
	ReasonHalted          = "ENGINE_HALTED"
	ReasonTokenCooldown   = "TOKEN_COOLDOWN"
	ReasonRiskKeyCooldown = "RISK_KEY_COOLDOWN"
	ReasonAlreadyOpen     = "POSITION_OPEN"
	ReasonMaxOpen         = "MAX_OPEN_POSITIONS"
	ReasonMaxTrades       = "MAX_TRADES_PER_DAY"
	ReasonConsecFailures  = "CONSEC_FAILURES"
	ReasonMarketClosed    = "MARKET_CLOSED"
	ReasonEntryCutoff     = "ENTRY_CUTOFF"
)

type cooldown struct {
	until  time.Time
	reason string
}

// PositionView is what the engine needs to know about current exposure.
// Implemented by the trade manager.
type PositionView interface {
	HasOpen(token string) bool
	OpenCount() int
	TradesToday() int
}

// Engine gates new trade admission.
type Engine struct {
	MaxOpenPositions  int
	MaxTradesPerDay   int
	MaxConsecFailures int

	haltBus   *halt.Bus
	positions PositionView

	mu          sync.Mutex
	tokenCool   map[string]cooldown
	riskKeyCool map[string]cooldown
	consecFails int
}

// New builds the engine. positions may be set later via SetPositionView when
// wiring order matters.
func New(haltBus *halt.Bus, positions PositionView) *Engine {
	return &Engine{
		MaxOpenPositions:  3,
		MaxTradesPerDay:   12,
		MaxConsecFailures: 3,
		haltBus:           haltBus,
		positions:         positions,
		tokenCool:         make(map[string]cooldown),
		riskKeyCool:       make(map[string]cooldown),
	}
}

// SetPositionView wires the exposure source after construction.
func (e *Engine) SetPositionView(v PositionView) { e.positions = v }

// CanTrade runs the admission chain for a new entry on token with the given
// risk key. Returns (true, "") when admitted, else the first failing reason.
func (e *Engine) CanTrade(token, riskKey string, now time.Time) (bool, string) {
	if e.haltBus != nil {
		if e.haltBus.KillSwitch() {
			return false, ReasonKillSwitch
		}
		if e.haltBus.Halted() {
			return false, ReasonHalted
		}
	}
	if !markethours.IsMarketOpen(now) {
		return false, ReasonMarketClosed
	}
	if !markethours.EntryAllowed(now) {
		return false, ReasonEntryCutoff
	}

	e.mu.Lock()
	if cd, ok := e.tokenCool[token]; ok {
		if now.Before(cd.until) {
			e.mu.Unlock()
			return false, ReasonTokenCooldown
		}
		delete(e.tokenCool, token)
	}
	if cd, ok := e.riskKeyCool[riskKey]; ok {
		if now.Before(cd.until) {
			e.mu.Unlock()
			return false, ReasonRiskKeyCooldown
		}
		delete(e.riskKeyCool, riskKey)
	}
	fails := e.consecFails
	e.mu.Unlock()

	if fails >= e.MaxConsecFailures {
		return false, ReasonConsecFailures
	}
	if e.positions != nil {
		if e.positions.HasOpen(token) {
			return false, ReasonAlreadyOpen
		}
		if e.positions.OpenCount() >= e.MaxOpenPositions {
			return false, ReasonMaxOpen
		}
		if e.positions.TradesToday() >= e.MaxTradesPerDay {
			return false, ReasonMaxTrades
		}
	}
	return true, ""
}

// CooldownToken arms a per-token cooldown. Extends only, never shortens.
func (e *Engine) CooldownToken(token string, d time.Duration, reason string, now time.Time) {
	until := now.Add(d)
	e.mu.Lock()
	if cd, ok := e.tokenCool[token]; ok && cd.until.After(until) {
		e.mu.Unlock()
		return
	}
	e.tokenCool[token] = cooldown{until: until, reason: reason}
	e.mu.Unlock()
	log.Printf("[risk] token %s cooldown %s until %s (%s)", token, d, until.Format("15:04:05"), reason)
}

// CooldownRiskKey arms a cooldown on a strategy:underlying:token key. Used for
// rejections that should not punish the whole token, e.g. broker circuit
// limits on one option series.
func (e *Engine) CooldownRiskKey(key string, d time.Duration, reason string, now time.Time) {
	until := now.Add(d)
	e.mu.Lock()
	if cd, ok := e.riskKeyCool[key]; ok && cd.until.After(until) {
		e.mu.Unlock()
		return
	}
	e.riskKeyCool[key] = cooldown{until: until, reason: reason}
	e.mu.Unlock()
	log.Printf("[risk] risk key %s cooldown %s until %s (%s)", key, d, until.Format("15:04:05"), reason)
}

// TokenCooldownActive reports whether the token is cooling down.
func (e *Engine) TokenCooldownActive(token string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cd, ok := e.tokenCool[token]
	return ok && now.Before(cd.until)
}

// RiskKeyCooldownActive reports whether the risk key is cooling down.
func (e *Engine) RiskKeyCooldownActive(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cd, ok := e.riskKeyCool[key]
	return ok && now.Before(cd.until)
}

// RecordFailure bumps the consecutive-failure counter (entry rejected,
// guard failed, order error).
func (e *Engine) RecordFailure() {
	e.mu.Lock()
	e.consecFails++
	n := e.consecFails
	e.mu.Unlock()
	if n >= e.MaxConsecFailures {
		log.Printf("[risk] consecutive failures reached %d, new entries paused", n)
	}
}

// ResetFailures clears the counter after a clean fill.
func (e *Engine) ResetFailures() {
	e.mu.Lock()
	e.consecFails = 0
	e.mu.Unlock()
}

// ConsecFailures returns the current counter, for status surfaces.
func (e *Engine) ConsecFailures() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consecFails
}

// Cooldowns returns active cooldowns for the status surface.
func (e *Engine) Cooldowns(now time.Time) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string)
	for tok, cd := range e.tokenCool {
		if now.Before(cd.until) {
			out["token:"+tok] = cd.reason + " until " + cd.until.Format("15:04:05")
		}
	}
	for key, cd := range e.riskKeyCool {
		if now.Before(cd.until) {
			out["riskkey:"+key] = cd.reason + " until " + cd.until.Format("15:04:05")
		}
	}
	return out
}
