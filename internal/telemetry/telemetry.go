// Package telemetry collects bounded in-memory event rings (signals, blocked
// entries, exits, errors) plus a daily SQLite journal for audit.
//
// Rings are bounded deques: when full, the oldest entry is dropped. Snapshots
// copy the slice at the moment of read.
package telemetry

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind tags the telemetry ring an entry belongs to.
type Kind string

const (
	KindSignal  Kind = "signal"
	KindBlocked Kind = "blocked"
	KindExit    Kind = "exit"
	KindError   Kind = "error"
	KindDrop    Kind = "drop"
)

// Entry is one telemetry record.
type Entry struct {
	Kind    Kind           `json:"kind"`
	Stage   string         `json:"stage,omitempty"` // admission stage for blocked entries
	Reason  string         `json:"reason,omitempty"`
	Token   string         `json:"token,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

// ring is a bounded deque of entries.
type ring struct {
	mu      sync.Mutex
	entries []Entry
	cap     int
	dropped uint64
}

func (r *ring) push(e Entry) {
	r.mu.Lock()
	if len(r.entries) >= r.cap {
		r.entries = r.entries[1:]
		r.dropped++
	}
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *ring) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]Entry, len(r.entries))
	copy(cp, r.entries)
	return cp
}

// Sink owns the telemetry rings and the journal.
type Sink struct {
	rings map[Kind]*ring
	db    *sql.DB // nil = in-memory only
	dbMu  sync.Mutex

	// OnBlocked fires for every admission denial (optional, metrics).
	OnBlocked func(stage string)
}

// New creates a Sink with the given per-ring capacity. dbPath may be "" to
// disable the journal.
func New(ringCap int, dbPath string) (*Sink, error) {
	s := &Sink{rings: map[Kind]*ring{}}
	for _, k := range []Kind{KindSignal, KindBlocked, KindExit, KindError, KindDrop} {
		s.rings[k] = &ring{cap: ringCap}
	}
	if dbPath == "" {
		return s, nil
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS telemetry (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		day        TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		stage      TEXT,
		reason     TEXT,
		token      TEXT,
		detail     TEXT,
		at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_day ON telemetry(day, kind);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	log.Printf("[telemetry] journal opened at %s", dbPath)
	return s, nil
}

// Record pushes an entry into its ring and appends to the journal.
func (s *Sink) Record(e Entry) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	r, ok := s.rings[e.Kind]
	if !ok {
		return
	}
	r.push(e)
	s.journal(e)
}

// Blocked records an admission denial with the stage and reason.
func (s *Sink) Blocked(stage, reason, token string) {
	s.Record(Entry{Kind: KindBlocked, Stage: stage, Reason: reason, Token: token})
	if s.OnBlocked != nil {
		s.OnBlocked(stage)
	}
}

// Snapshot returns a copy of one ring.
func (s *Sink) Snapshot(k Kind) []Entry {
	r, ok := s.rings[k]
	if !ok {
		return nil
	}
	return r.snapshot()
}

func (s *Sink) journal(e Entry) {
	if s.db == nil {
		return
	}
	var detail []byte
	if e.Detail != nil {
		detail, _ = json.Marshal(e.Detail)
	}
	s.dbMu.Lock()
	defer s.dbMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO telemetry (day, kind, stage, reason, token, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.Format("2006-01-02"), string(e.Kind), e.Stage, e.Reason, e.Token, string(detail), e.At.Unix(),
	)
	if err != nil {
		log.Printf("[telemetry] journal insert: %v", err)
	}
}

// Close closes the journal database.
func (s *Sink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
