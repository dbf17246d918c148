// Package instruments maps broker tokens to tradeable instrument metadata:
// trading symbol, tick size, lot size, expiry, strike. Backed by SQLite and
// fronted by an in-memory map; rows are immutable once cached and refreshed
// wholesale from the broker scrip master.
package instruments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"intraday-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultMasterURL is the broker's published scrip master.
const DefaultMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

// Repo is the instrument repository. Safe for concurrent use.
type Repo struct {
	db *sql.DB

	mu    sync.RWMutex
	byKey map[string]model.Instrument // "exchange:token"
}

// Open creates or opens the instrument cache at dbPath.
func Open(dbPath string) (*Repo, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			token            TEXT NOT NULL,
			exchange         TEXT NOT NULL,
			segment          TEXT NOT NULL,
			trading_symbol   TEXT NOT NULL,
			name             TEXT NOT NULL,
			instrument_type  TEXT NOT NULL,
			tick_size        INTEGER NOT NULL,
			lot_size         INTEGER NOT NULL,
			expiry           INTEGER NOT NULL DEFAULT 0,
			strike           INTEGER NOT NULL DEFAULT 0,
			underlying_token TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (exchange, token)
		);
		CREATE INDEX IF NOT EXISTS idx_instruments_symbol
			ON instruments (exchange, trading_symbol);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	r := &Repo{db: db, byKey: make(map[string]model.Instrument)}
	if err := r.warm(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the database.
func (r *Repo) Close() error { return r.db.Close() }

// Count returns the number of cached instruments.
func (r *Repo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

// Get returns the instrument for (exchange, token).
func (r *Repo) Get(exchange, token string) (model.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.byKey[exchange+":"+token]
	return in, ok
}

// BySymbol looks up an instrument by exact trading symbol on an exchange.
func (r *Repo) BySymbol(exchange, tradingSymbol string) (model.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, in := range r.byKey {
		if in.Exchange == exchange && in.TradingSymbol == tradingSymbol {
			return in, true
		}
	}
	return model.Instrument{}, false
}

// Options returns the option chain for a name on one expiry, sorted by
// strike.
func (r *Repo) Options(name string, expiry time.Time) []model.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Instrument
	for _, in := range r.byKey {
		if in.Name == name && in.IsOption() && sameDay(in.Expiry, expiry) {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Strike < out[j].Strike })
	return out
}

// NearestExpiry returns the earliest option expiry for a name on or after
// the given day, zero time when none exists.
func (r *Repo) NearestExpiry(name string, onOrAfter time.Time) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best time.Time
	day := onOrAfter.Truncate(24 * time.Hour)
	for _, in := range r.byKey {
		if in.Name != name || !in.IsOption() || in.Expiry.Before(day) {
			continue
		}
		if best.IsZero() || in.Expiry.Before(best) {
			best = in.Expiry
		}
	}
	return best
}

// ATMOption picks the contract of the wanted type whose strike is closest to
// spotPaise on the nearest expiry.
func (r *Repo) ATMOption(name string, spotPaise int64, optType string, now time.Time) (model.Instrument, bool) {
	expiry := r.NearestExpiry(name, now)
	if expiry.IsZero() {
		return model.Instrument{}, false
	}
	var best model.Instrument
	bestDist := int64(-1)
	for _, in := range r.Options(name, expiry) {
		if in.InstrumentType != optType {
			continue
		}
		dist := in.Strike - spotPaise
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestDist = in, dist
		}
	}
	return best, bestDist >= 0
}

// Upsert writes instruments to both the db and the memory map.
func (r *Repo) Upsert(ins []model.Instrument) error {
	if len(ins) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO instruments
		(token, exchange, segment, trading_symbol, name, instrument_type,
		 tick_size, lot_size, expiry, strike, underlying_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, in := range ins {
		var exp int64
		if !in.Expiry.IsZero() {
			exp = in.Expiry.Unix()
		}
		if _, err := stmt.Exec(in.Token, in.Exchange, in.Segment, in.TradingSymbol,
			in.Name, in.InstrumentType, in.TickSize, in.LotSize, exp, in.Strike,
			in.UnderlyingToken); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.mu.Lock()
	for _, in := range ins {
		r.byKey[in.Key()] = in
	}
	r.mu.Unlock()
	return nil
}

// warm loads the full table into the memory map.
func (r *Repo) warm() error {
	rows, err := r.db.Query(`
		SELECT token, exchange, segment, trading_symbol, name, instrument_type,
		       tick_size, lot_size, expiry, strike, underlying_token
		FROM instruments`)
	if err != nil {
		return err
	}
	defer rows.Close()

	loaded := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var in model.Instrument
		var exp int64
		if err := rows.Scan(&in.Token, &in.Exchange, &in.Segment, &in.TradingSymbol,
			&in.Name, &in.InstrumentType, &in.TickSize, &in.LotSize, &exp,
			&in.Strike, &in.UnderlyingToken); err != nil {
			return err
		}
		if exp > 0 {
			in.Expiry = time.Unix(exp, 0).UTC()
		}
		r.byKey[in.Key()] = in
		loaded++
	}
	if loaded > 0 {
		log.Printf("[instruments] warmed %d instruments from cache", loaded)
	}
	return rows.Err()
}

// masterRow is one record of the broker scrip master JSON.
type masterRow struct {
	Token    string `json:"token"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Expiry   string `json:"expiry"` // "28AUG2026"
	Strike   string `json:"strike"` // rupees with decimals, scaled 100x
	LotSize  string `json:"lotsize"`
	InstType string `json:"instrumenttype"` // "", OPTSTK, OPTIDX, FUTSTK, FUTIDX
	ExchSeg  string `json:"exch_seg"`       // NSE, NFO, ...
	TickSize string `json:"tick_size"`      // paise with decimals
}

// RefreshFromMaster downloads the scrip master and replaces the cache with
// the exchanges the engine trades (NSE cash, NFO derivatives).
func (r *Repo) RefreshFromMaster(ctx context.Context, url string) (int, error) {
	if url == "" {
		url = DefaultMasterURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch scrip master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetch scrip master: status %d", resp.StatusCode)
	}

	var rows []masterRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return 0, fmt.Errorf("parse scrip master: %w", err)
	}

	batch := make([]model.Instrument, 0, 4096)
	total := 0
	for _, row := range rows {
		in, ok := fromMasterRow(row)
		if !ok {
			continue
		}
		batch = append(batch, in)
		if len(batch) == cap(batch) {
			if err := r.Upsert(batch); err != nil {
				return total, err
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if err := r.Upsert(batch); err != nil {
		return total, err
	}
	total += len(batch)
	log.Printf("[instruments] refreshed %d instruments from master", total)
	return total, nil
}

func fromMasterRow(row masterRow) (model.Instrument, bool) {
	if row.ExchSeg != "NSE" && row.ExchSeg != "NFO" {
		return model.Instrument{}, false
	}
	in := model.Instrument{
		Token:         row.Token,
		Exchange:      row.ExchSeg,
		TradingSymbol: row.Symbol,
		Name:          row.Name,
		LotSize:       1,
	}
	if n, err := strconv.ParseInt(row.LotSize, 10, 64); err == nil && n > 0 {
		in.LotSize = n
	}
	// tick_size arrives in paise with decimals ("5.00" = 5 paise).
	if f, err := strconv.ParseFloat(row.TickSize, 64); err == nil && f > 0 {
		in.TickSize = int64(f + 0.5)
	}
	if in.TickSize == 0 {
		in.TickSize = 5
	}

	switch row.InstType {
	case "":
		if row.ExchSeg != "NSE" || !strings.HasSuffix(row.Symbol, "-EQ") {
			return model.Instrument{}, false
		}
		in.Segment = "NSE_CM"
		in.InstrumentType = model.TypeEquity
	case "AMXIDX":
		in.Segment = "NSE_CM"
		in.InstrumentType = model.TypeIndex
	case "FUTSTK", "FUTIDX":
		in.Segment = "NSE_FO"
		in.InstrumentType = model.TypeFuture
	case "OPTSTK", "OPTIDX":
		in.Segment = "NSE_FO"
		switch {
		case strings.HasSuffix(row.Symbol, "CE"):
			in.InstrumentType = model.TypeCall
		case strings.HasSuffix(row.Symbol, "PE"):
			in.InstrumentType = model.TypePut
		default:
			return model.Instrument{}, false
		}
		// strike arrives in rupees scaled by 100 ("2450000.000000" =
		// 24500.00 INR); normalized here to paise.
		if f, err := strconv.ParseFloat(row.Strike, 64); err == nil {
			in.Strike = int64(f + 0.5)
		}
	default:
		return model.Instrument{}, false
	}

	if !in.IsOption() && in.InstrumentType != model.TypeFuture {
		return in, true
	}
	exp, err := parseExpiry(row.Expiry)
	if err != nil {
		return model.Instrument{}, false
	}
	in.Expiry = exp
	return in, true
}

// parseExpiry parses the master's "28AUG2026" format.
func parseExpiry(s string) (time.Time, error) {
	if len(s) == 9 {
		s = s[:3] + strings.ToLower(s[3:5]) + s[5:]
	}
	return time.ParseInLocation("02Jan2006", s, time.UTC)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
