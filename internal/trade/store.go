// Package trade owns the trade lifecycle: admission, sizing, order placement,
// the order-update state machine, per-tick exit management, and the
// reconciliation loops. Trades persist to SQLite as queryable columns plus a
// full JSON snapshot.
package trade

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists trades. Single writer.
type Store struct {
	db *sql.DB
}

// OpenStore creates or opens the trade store at dbPath.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			trade_id    TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			token       TEXT NOT NULL,
			exchange    TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			closed_at   INTEGER NOT NULL DEFAULT 0,
			net_paise   INTEGER NOT NULL DEFAULT 0,
			data        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status);
		CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades (closed_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Printf("[tradestore] opened database at %s", dbPath)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Save upserts the full trade row.
func (s *Store) Save(t *model.Trade) error {
	var closedAt int64
	if !t.ClosedAt.IsZero() {
		closedAt = t.ClosedAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades
		(trade_id, strategy_id, token, exchange, status, created_at, closed_at, net_paise, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TradeID, t.StrategyID, t.Token, t.Exchange, string(t.Status),
		t.CreatedAt.Unix(), closedAt, t.RealizedNetPaise, string(t.JSON()))
	return err
}

// Get loads one trade by id.
func (s *Store) Get(tradeID string) (*model.Trade, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM trades WHERE trade_id = ?`, tradeID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeTrade(data)
}

// Open returns all trades in non-terminal states.
func (s *Store) Open() ([]*model.Trade, error) {
	rows, err := s.db.Query(`SELECT data FROM trades WHERE status IN
		('NEW','ENTRY_PLACED','ENTRY_OPEN','ENTRY_REPLACED','ENTRY_FILLED','LIVE')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ClosedSince returns trades closed at or after since, ascending by close
// time. Used for optimizer bootstrap.
func (s *Store) ClosedSince(since time.Time) ([]*model.Trade, error) {
	rows, err := s.db.Query(`SELECT data FROM trades
		WHERE closed_at >= ? AND status IN ('EXITED_TARGET','EXITED_SL','EXITED_MANUAL','CLOSED')
		ORDER BY closed_at ASC`, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Recent returns the latest n trades by creation time, newest first.
func (s *Store) Recent(n int) ([]*model.Trade, error) {
	rows, err := s.db.Query(`SELECT data FROM trades ORDER BY created_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CountToday returns the number of trades created on now's trading day (IST).
func (s *Store) CountToday(now time.Time) (int, error) {
	open := markethours.SessionOpen(now).Add(-time.Hour)
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE created_at >= ?`, open.Unix()).Scan(&n)
	return n, err
}

func scanTrades(rows *sql.Rows) ([]*model.Trade, error) {
	var out []*model.Trade
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		t, err := decodeTrade(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func decodeTrade(data string) (*model.Trade, error) {
	var t model.Trade
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode trade: %w", err)
	}
	return &t, nil
}
