// Package candlestore provides durable OHLCV storage in SQLite plus a
// per-(instrument, interval) in-memory ring cache of recent candles.
//
// The store is idempotent on (exchange, token, interval, ts): replaying the
// same candle twice leaves one row reflecting the latest write.
package candlestore

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"intraday-enginev1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// StoreConfig configures the SQLite candle store.
type StoreConfig struct {
	DBPath       string        // e.g. "data/engine.db"
	RetentionTTL time.Duration // candles older than this are pruned; 0 = keep forever
}

// Store is a single-writer SQLite candle store with transaction batching.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// OnCommit fires after each batch commit with its latency (optional).
	OnCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens the store, enables WAL mode, and creates the schema.
func New(cfg StoreConfig) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			token       TEXT    NOT NULL,
			exchange    TEXT    NOT NULL,
			interval_min INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			open        INTEGER NOT NULL,
			high        INTEGER NOT NULL,
			low         INTEGER NOT NULL,
			close       INTEGER NOT NULL,
			volume      INTEGER,
			ticks_count INTEGER,
			source      TEXT    NOT NULL DEFAULT 'live',
			PRIMARY KEY (exchange, token, interval_min, ts)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[candlestore] opened database at %s", cfg.DBPath)
	return &Store{db: db, ttl: cfg.RetentionTTL}, nil
}

// Upsert writes a single candle (INSERT OR REPLACE on the unique key).
func (s *Store) Upsert(c model.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candles
		(token, exchange, interval_min, ts, open, high, low, close, volume, ticks_count, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Token, c.Exchange, c.IntervalMin, c.TS.Unix(),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.TicksCount, string(c.Source),
	)
	return err
}

// UpsertBatch writes a batch of candles in a single transaction.
func (s *Store) UpsertBatch(candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles
		(token, exchange, interval_min, ts, open, high, low, close, volume, ticks_count, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(c.Token, c.Exchange, c.IntervalMin, c.TS.Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TicksCount, string(c.Source)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Run consumes closed candles from candleCh and writes them in batched
// transactions. Flushes every batchSize candles or flushDelay, whichever
// comes first. Blocks until candleCh is closed.
func (s *Store) Run(candleCh <-chan model.Candle) {
	batch := make([]model.Candle, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.UpsertBatch(batch); err != nil {
			log.Printf("[candlestore] batch insert error: %v", err)
		} else if s.OnCommit != nil {
			s.OnCommit(time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case c, ok := <-candleCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// Read returns candles for (exchange, token, interval) with ts > afterTS,
// ascending, up to limit (0 = no limit).
func (s *Store) Read(exchange, token string, intervalMin int, afterTS int64, limit int) ([]model.Candle, error) {
	q := `SELECT token, exchange, interval_min, ts, open, high, low, close, volume, ticks_count, source
	      FROM candles WHERE exchange = ? AND token = ? AND interval_min = ? AND ts > ?
	      ORDER BY ts ASC`
	args := []any{exchange, token, intervalMin, afterTS}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var ts int64
		var src string
		if err := rows.Scan(&c.Token, &c.Exchange, &c.IntervalMin, &ts,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TicksCount, &src); err != nil {
			return nil, err
		}
		c.TS = time.Unix(ts, 0).UTC()
		c.Source = model.CandleSource(src)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReadRange returns candles in [fromTS, toTS], ascending.
func (s *Store) ReadRange(exchange, token string, intervalMin int, fromTS, toTS int64) ([]model.Candle, error) {
	rows, err := s.db.Query(`
		SELECT token, exchange, interval_min, ts, open, high, low, close, volume, ticks_count, source
		FROM candles WHERE exchange = ? AND token = ? AND interval_min = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC`,
		exchange, token, intervalMin, fromTS, toTS)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		var ts int64
		var src string
		if err := rows.Scan(&c.Token, &c.Exchange, &c.IntervalMin, &ts,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TicksCount, &src); err != nil {
			return nil, err
		}
		c.TS = time.Unix(ts, 0).UTC()
		c.Source = model.CandleSource(src)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune deletes candles older than the retention TTL. No-op when TTL is 0.
func (s *Store) Prune(now time.Time) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-s.ttl).Unix()
	res, err := s.db.Exec(`DELETE FROM candles WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Printf("[candlestore] pruned %d candles older than %v", n, s.ttl)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
