package model

import "time"

// Instrument types.
const (
	TypeEquity = "EQ"
	TypeFuture = "FUT"
	TypeCall   = "CE"
	TypePut    = "PE"
	TypeIndex  = "INDEX"
)

// Instrument represents a tradeable instrument. Immutable once cached.
type Instrument struct {
	Token           string    `json:"token"`
	Exchange        string    `json:"exchange"`
	Segment         string    `json:"segment"` // NSE_CM, NSE_FO, ...
	TradingSymbol   string    `json:"trading_symbol"`
	Name            string    `json:"name"`
	InstrumentType  string    `json:"instrument_type"` // EQ, FUT, CE, PE, INDEX
	TickSize        int64     `json:"tick_size"`       // minimum price movement in paise, > 0
	LotSize         int64     `json:"lot_size"`        // >= 1
	Expiry          time.Time `json:"expiry"`          // zero for cash instruments
	Strike          int64     `json:"strike"`          // paise, 0 for non-options
	UnderlyingToken string    `json:"underlying_token"`
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Token
}

// IsOption reports whether the instrument is a CE or PE contract.
func (i *Instrument) IsOption() bool {
	return i.InstrumentType == TypeCall || i.InstrumentType == TypePut
}

// RoundToTick rounds a paise price down to the instrument tick grid.
func (i *Instrument) RoundToTick(price int64) int64 {
	if i.TickSize <= 0 {
		return price
	}
	return price - price%i.TickSize
}
