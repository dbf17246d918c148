package model

import (
	"encoding/json"
	"time"
)

// TradeStatus is the lifecycle state of a Trade.
type TradeStatus string

const (
	TradeNew           TradeStatus = "NEW"
	TradeEntryPlaced   TradeStatus = "ENTRY_PLACED"
	TradeEntryOpen     TradeStatus = "ENTRY_OPEN"
	TradeEntryReplaced TradeStatus = "ENTRY_REPLACED"
	TradeEntryFilled   TradeStatus = "ENTRY_FILLED"
	TradeLive          TradeStatus = "LIVE"
	TradeExitedTarget  TradeStatus = "EXITED_TARGET"
	TradeExitedSL      TradeStatus = "EXITED_SL"
	TradeExitedManual  TradeStatus = "EXITED_MANUAL"
	TradeClosed        TradeStatus = "CLOSED"

	// Fault terminals.
	TradeEntryFailed    TradeStatus = "ENTRY_FAILED"
	TradeEntryCancelled TradeStatus = "ENTRY_CANCELLED"
	TradeGuardFailed    TradeStatus = "GUARD_FAILED"
)

// Terminal reports whether the status is an end state.
func (s TradeStatus) Terminal() bool {
	switch s {
	case TradeExitedTarget, TradeExitedSL, TradeExitedManual, TradeClosed,
		TradeEntryFailed, TradeEntryCancelled, TradeGuardFailed:
		return true
	}
	return false
}

// validTransitions encodes the allowed lifecycle edges.
var validTransitions = map[TradeStatus][]TradeStatus{
	TradeNew:           {TradeEntryPlaced, TradeEntryFailed, TradeGuardFailed},
	TradeEntryPlaced:   {TradeEntryOpen, TradeEntryFilled, TradeEntryFailed, TradeEntryCancelled},
	TradeEntryOpen:     {TradeEntryReplaced, TradeEntryFilled, TradeEntryCancelled, TradeEntryFailed},
	TradeEntryReplaced: {TradeEntryOpen, TradeEntryFilled, TradeEntryCancelled, TradeEntryFailed},
	TradeEntryFilled:   {TradeLive, TradeGuardFailed},
	TradeLive:          {TradeExitedTarget, TradeExitedSL, TradeExitedManual, TradeClosed},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	for _, t := range validTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// OptionMeta carries option contract details for option trades.
type OptionMeta struct {
	OptType         string    `json:"opt_type"` // CE or PE
	Strike          int64     `json:"strike"`   // paise
	Expiry          time.Time `json:"expiry"`
	UnderlyingToken string    `json:"underlying_token"`
}

// ExecModel is the execution assumptions snapshot taken at entry.
type ExecModel struct {
	SlippageBps    int64 `json:"slippage_bps"`
	FeePerLotPaise int64 `json:"fee_per_lot_paise"`
	CostPerShare   int64 `json:"cost_per_share_paise"` // estimated round-trip cost per share
}

// Trade is the aggregate entity for one position. All money fields are paise.
type Trade struct {
	TradeID       string      `json:"trade_id"`
	StrategyID    string      `json:"strategy_id"`
	Token         string      `json:"token"`
	Exchange      string      `json:"exchange"`
	TradingSymbol string      `json:"trading_symbol"`
	Side          string      `json:"side"` // BUY, SELL
	Status        TradeStatus `json:"status"`
	Regime        string      `json:"regime"`
	Bucket        string      `json:"bucket"` // OPEN / MID / CLOSE at entry

	RequestedQty int64 `json:"requested_qty"`
	FilledQty    int64 `json:"filled_qty"`

	EntryPrice      int64   `json:"entry_price"`
	InitialStopLoss int64   `json:"initial_stop_loss"` // set once at ENTRY_FILLED
	StopLoss        int64   `json:"stop_loss"`         // current
	TargetPrice     int64   `json:"target_price"`      // 0 = none
	RR              float64 `json:"rr"`
	RiskPaise       int64   `json:"risk_paise"` // |entry - initialSL| * qty

	PeakLTP      int64 `json:"peak_ltp"`
	PeakPnlPaise int64 `json:"peak_pnl_paise"`
	LastLTP      int64 `json:"last_ltp"`

	BELocked            bool      `json:"be_locked"`
	BEArmedAt           time.Time `json:"be_armed_at"`
	TrailLocked         bool      `json:"trail_locked"`
	TrailArmedAt        time.Time `json:"trail_armed_at"`
	ProfitLockArmedAt   time.Time `json:"profit_lock_armed_at"`
	ProfitLockPaise     int64     `json:"profit_lock_paise"`
	ProfitLockR         float64   `json:"profit_lock_r"`
	TimeStopTriggeredAt time.Time `json:"time_stop_triggered_at"`

	UnderlyingEntryPrice int64 `json:"underlying_entry_price"` // paise, 0 for cash

	EntryOrderID  string `json:"entry_order_id"`
	StopOrderID   string `json:"stop_order_id"`
	TargetOrderID string `json:"target_order_id"`

	CreatedAt     time.Time `json:"created_at"`
	EntryPlacedAt time.Time `json:"entry_placed_at"`
	EntryFilledAt time.Time `json:"entry_filled_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ClosedAt      time.Time `json:"closed_at"`

	RealizedGrossPaise int64 `json:"realized_gross_paise"`
	CostPaise          int64 `json:"cost_paise"`
	RealizedNetPaise   int64 `json:"realized_net_paise"`

	Exec   ExecModel   `json:"exec"`
	Option *OptionMeta `json:"option,omitempty"`

	// EntryFactConfirmed is set when the broker has confirmed this trade's
	// entry fill (order history or position). New entries are gated on all
	// LIVE trades having this set after recovery.
	EntryFactConfirmed bool `json:"entry_fact_confirmed"`
}

// Key returns "exchange:token".
func (t *Trade) Key() string {
	return t.Exchange + ":" + t.Token
}

// IsOpen reports whether the trade holds (or may hold) a position.
func (t *Trade) IsOpen() bool {
	switch t.Status {
	case TradeEntryPlaced, TradeEntryOpen, TradeEntryReplaced, TradeEntryFilled, TradeLive:
		return true
	}
	return false
}

// IsBuy reports whether the trade is long.
func (t *Trade) IsBuy() bool { return t.Side == "BUY" }

// RiskPerShare returns |entry - initialSL| in paise.
func (t *Trade) RiskPerShare() int64 {
	d := t.EntryPrice - t.InitialStopLoss
	if d < 0 {
		d = -d
	}
	return d
}

// PnlPaise returns the unrealized P&L at ltp in paise.
func (t *Trade) PnlPaise(ltp int64) int64 {
	if t.IsBuy() {
		return (ltp - t.EntryPrice) * t.FilledQty
	}
	return (t.EntryPrice - ltp) * t.FilledQty
}

// PnlR returns the unrealized P&L at ltp in R multiples.
func (t *Trade) PnlR(ltp int64) float64 {
	if t.RiskPaise <= 0 {
		return 0
	}
	return float64(t.PnlPaise(ltp)) / float64(t.RiskPaise)
}

// PeakR returns the peak P&L in R multiples.
func (t *Trade) PeakR() float64 {
	if t.RiskPaise <= 0 {
		return 0
	}
	return float64(t.PeakPnlPaise) / float64(t.RiskPaise)
}

// IsOption reports whether this trade is an option position.
func (t *Trade) IsOption() bool { return t.Option != nil }

// RiskKey returns "strategy:underlyingSymbol:token" used for rejection cooldowns.
func (t *Trade) RiskKey(underlying string) string {
	return t.StrategyID + ":" + underlying + ":" + t.Token
}

// JSON returns the JSON-encoded trade.
func (t *Trade) JSON() []byte {
	b, _ := json.Marshal(t)
	return b
}
