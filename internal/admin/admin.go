// Package admin is the operations HTTP surface: health and status probes,
// the kill switch, halt reset, recent trades, telemetry snapshots, and
// optimizer state controls. Every endpoint returns a JSON object with an
// "ok" field.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intraday-enginev1/internal/governor"
	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/optimizer"
	"intraday-enginev1/internal/risk"
	"intraday-enginev1/internal/telemetry"
)

// TradeSource is the slice of the trade manager the admin surface reads.
type TradeSource interface {
	OpenTrades() []*model.Trade
	FactGate() bool
	CloseAll(reason string) int
}

// TradeHistory reads recent trades from the store.
type TradeHistory interface {
	Recent(n int) ([]*model.Trade, error)
}

// FeedStatus is the slice of the ingestor the admin surface reads.
type FeedStatus interface {
	QueueLen() int
	DroppedBatches() uint64
}

// Server wires the ops endpoints.
type Server struct {
	bus   *halt.Bus
	risk  *risk.Engine
	gov   *governor.Governor
	opt   *optimizer.Optimizer
	sink  *telemetry.Sink
	src   TradeSource
	hist  TradeHistory
	feed  FeedStatus
	db    *sql.DB         // health probe
	redis *goredis.Client // health probe, optional

	startedAt time.Time
}

// New builds the admin server. Nil collaborators disable their endpoints'
// detail rather than failing.
func New(bus *halt.Bus, riskEng *risk.Engine, gov *governor.Governor,
	opt *optimizer.Optimizer, sink *telemetry.Sink, src TradeSource,
	hist TradeHistory, feed FeedStatus, db *sql.DB, redisClient *goredis.Client) *Server {
	return &Server{
		bus: bus, risk: riskEng, gov: gov, opt: opt, sink: sink,
		src: src, hist: hist, feed: feed, db: db, redis: redisClient,
		startedAt: time.Now(),
	}
}

// Routes returns the admin mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/health/critical", s.handleCriticalHealth)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("POST /api/v1/kill", s.handleKill)
	mux.HandleFunc("POST /api/v1/halt/reset", s.handleHaltReset)
	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("GET /api/v1/trades/open", s.handleOpenTrades)
	mux.HandleFunc("POST /api/v1/trades/closeall", s.handleCloseAll)
	mux.HandleFunc("GET /api/v1/telemetry", s.handleTelemetry)
	mux.HandleFunc("GET /api/v1/optimizer", s.handleOptimizer)
	mux.HandleFunc("POST /api/v1/optimizer/reset", s.handleOptimizerReset)
	mux.HandleFunc("POST /api/v1/optimizer/reload", s.handleOptimizerReload)
	mux.HandleFunc("GET /api/v1/errors", s.handleErrors)
	return mux
}

// Serve runs the admin HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[admin] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"uptimeS": int(time.Since(s.startedAt).Seconds()),
		"halted":  s.bus.Halted(),
	})
}

// handleCriticalHealth checks the dependencies a trading session cannot run
// without: sqlite, redis, the halt state, and the tick queue.
func (s *Server) handleCriticalHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	ok := true

	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			checks["sqlite"] = err.Error()
			ok = false
		} else {
			checks["sqlite"] = "ok"
		}
	}
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ok = false
		} else {
			checks["redis"] = "ok"
		}
	}
	if halted, cause, reason, _ := s.bus.Status(); halted {
		checks["halt"] = string(cause) + ": " + reason
		ok = false
	} else {
		checks["halt"] = "clear"
	}
	if s.feed != nil {
		checks["tickQueue"] = s.feed.QueueLen()
		checks["droppedBatches"] = s.feed.DroppedBatches()
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ok": ok, "checks": checks})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	halted, cause, reason, haltedAt := s.bus.Status()
	body := map[string]any{
		"ok":         true,
		"halted":     halted,
		"killSwitch": s.bus.KillSwitch(),
		"governor":   s.gov.Snapshot(now),
		"cooldowns":  s.risk.Cooldowns(now),
		"blocks":     s.opt.Blocks(now),
	}
	if halted {
		body["haltCause"] = string(cause)
		body["haltReason"] = reason
		body["haltedAt"] = haltedAt
	}
	if s.src != nil {
		body["openTrades"] = len(s.src.OpenTrades())
		body["factGate"] = s.src.FactGate()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleKill toggles the kill switch: {"on": true|false}.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid body"})
		return
	}
	s.bus.SetKillSwitch(req.On)
	if req.On {
		s.bus.Halt(halt.CauseManual, "kill switch via admin")
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "killSwitch": req.On})
}

// handleHaltReset clears HALT but not the kill switch.
func (s *Server) handleHaltReset(w http.ResponseWriter, r *http.Request) {
	s.bus.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "killSwitch": s.bus.KillSwitch()})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trades": []any{}})
		return
	}
	trades, err := s.hist.Recent(50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trades": trades})
}

func (s *Server) handleOpenTrades(w http.ResponseWriter, r *http.Request) {
	var trades []*model.Trade
	if s.src != nil {
		trades = s.src.OpenTrades()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "trades": trades})
}

// handleCloseAll flattens every live position.
func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	n := 0
	if s.src != nil {
		n = s.src.CloseAll("ADMIN_CLOSE_ALL")
	}
	log.Printf("[admin] close-all flattened %d trades", n)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "closed": n})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	kind := telemetry.Kind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = telemetry.KindSignal
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "entries": s.sink.Snapshot(kind)})
}

func (s *Server) handleOptimizer(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "blocks": s.opt.Blocks(time.Now())})
}

func (s *Server) handleOptimizerReset(w http.ResponseWriter, r *http.Request) {
	s.opt.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOptimizerReload(w http.ResponseWriter, r *http.Request) {
	if err := s.opt.Restore(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "blocks": s.opt.Blocks(time.Now())})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "events": s.bus.Events()})
}
