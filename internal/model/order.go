package model

import "time"

// Broker order statuses we care about. The broker reports more granular
// states; everything else maps to one of these.
const (
	OrderStatusPlaced    = "PLACED"
	OrderStatusOpen      = "OPEN"
	OrderStatusComplete  = "COMPLETE"
	OrderStatusRejected  = "REJECTED"
	OrderStatusCancelled = "CANCELLED"
)

// Order represents a broker order.
type Order struct {
	OrderID         string    `json:"order_id"`
	Token           string    `json:"token"`
	Exchange        string    `json:"exchange"`
	TradingSymbol   string    `json:"trading_symbol"`
	TransactionType string    `json:"transaction_type"` // BUY, SELL
	OrderType       string    `json:"order_type"`       // MARKET, LIMIT, SL, SL-M
	ProductType     string    `json:"product_type"`     // INTRADAY, DELIVERY
	Variety         string    `json:"variety"`          // NORMAL, STOPLOSS
	Qty             int64     `json:"qty"`
	Price           int64     `json:"price"`         // limit price in paise (0 for market)
	TriggerPrice    int64     `json:"trigger_price"` // paise
	Status          string    `json:"status"`
	StatusMessage   string    `json:"status_message"`
	FilledQty       int64     `json:"filled_qty"`
	AvgPrice        int64     `json:"avg_price"` // fill average in paise
	Tag             string    `json:"tag"`       // client idempotency tag
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// OrderUpdate is the broker's asynchronous order event.
type OrderUpdate struct {
	OrderID         string    `json:"order_id"`
	Token           string    `json:"token"`
	Exchange        string    `json:"exchange"`
	TransactionType string    `json:"transaction_type"`
	Status          string    `json:"status"`
	StatusMessage   string    `json:"status_message"`
	FilledQty       int64     `json:"filled_qty"`
	PendingQty      int64     `json:"pending_qty"`
	AvgPrice        int64     `json:"avg_price"` // paise
	Tag             string    `json:"tag"`
	ExchangeTS      time.Time `json:"exchange_ts"`
}

// DedupKey identifies one logical order event. The broker replays updates on
// reconnect; updates with the same key within the dedup TTL are dropped.
func (u *OrderUpdate) DedupKey() string {
	return u.OrderID + "|" + u.Status + "|" + Itoa(int(u.ExchangeTS.Unix()))
}

// Position represents a broker-reported position.
type Position struct {
	Token         string `json:"token"`
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"trading_symbol"`
	ProductType   string `json:"product_type"`
	Qty           int64  `json:"qty"`          // positive = long, negative = short
	AvgPrice      int64  `json:"avg_price"`    // paise
	LastPrice     int64  `json:"last_price"`   // paise
	RealizedPnL   int64  `json:"realized_pnl"` // paise
}

// UnrealizedPnL computes unrealized profit/loss in paise.
func (p *Position) UnrealizedPnL() int64 {
	return (p.LastPrice - p.AvgPrice) * p.Qty
}

// Key returns a unique key for this position: "exchange:token".
func (p *Position) Key() string {
	return p.Exchange + ":" + p.Token
}
