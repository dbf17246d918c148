// Package metrics registers the Prometheus collectors for the trading engine
// and serves them on the metrics listener.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	// Market data path
	TicksTotal     prometheus.Counter
	DroppedBatches prometheus.Counter
	StaleTicks     prometheus.Counter
	WSReconnects   prometheus.Counter
	CandlesTotal   *prometheus.CounterVec // labels: interval
	FanoutDrops    *prometheus.CounterVec // labels: subscriber
	TickQueueLen   prometheus.Gauge

	// Signal path
	SignalsTotal  *prometheus.CounterVec // labels: strategy, side
	BlockedTotal  *prometheus.CounterVec // labels: stage
	RegimeCurrent *prometheus.GaugeVec   // labels: regime (0/1)

	// Order flow
	OrdersPlaced    *prometheus.CounterVec // labels: variety, side
	OrderErrors     prometheus.Counter
	OrderRejects    *prometheus.CounterVec // labels: class
	PlaceOrderDur   prometheus.Histogram
	BrokerRetries   prometheus.Counter
	BreakerState    prometheus.Gauge // 0=closed, 1=half-open, 2=open
	BreakerTrips    prometheus.Counter

	// Trade lifecycle
	TradesOpened prometheus.Counter
	TradesClosed *prometheus.CounterVec // labels: reason
	OpenTrades   prometheus.Gauge
	DayPnlR      prometheus.Gauge
	ExitModifies prometheus.Counter

	// Persistence
	SQLiteCommitDur prometheus.Histogram

	// Session state
	MarketState prometheus.Gauge // 0=closed, 1=open
	HaltState   prometheus.Gauge // 0=clear, 1=halted
}

// New registers and returns the engine metrics on reg. Pass
// prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total ticks received from the broker websocket",
		}),
		DroppedBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dropped_tick_batches_total",
			Help: "Tick batches discarded because the ingest queue was full",
		}),
		StaleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_stale_ticks_total",
			Help: "Ticks rejected for arriving behind an already-closed bucket",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ws_reconnects_total",
			Help: "Broker websocket reconnection attempts",
		}),
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_candles_total",
			Help: "Closed candles emitted, by interval",
		}, []string{"interval"}),
		FanoutDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fanout_drops_total",
			Help: "Candles dropped by the candle bus per subscriber",
		}, []string{"subscriber"}),
		TickQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_tick_queue_len",
			Help: "Current ingest queue depth",
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Winning signals dispatched, by strategy and side",
		}, []string{"strategy", "side"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_blocked_total",
			Help: "Signals denied by the admission chain, by stage",
		}, []string{"stage"}),
		RegimeCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_regime",
			Help: "Current market regime (one-hot)",
		}, []string{"regime"}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Orders placed with the broker, by variety and side",
		}, []string{"variety", "side"}),
		OrderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_order_errors_total",
			Help: "Broker order API failures",
		}),
		OrderRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_rejects_total",
			Help: "Broker order rejections, by classified reason",
		}, []string{"class"}),
		PlaceOrderDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_place_order_duration_seconds",
			Help:    "Broker order placement latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}),
		BrokerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_broker_retries_total",
			Help: "Retried broker read calls",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_broker_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_broker_breaker_trips_total",
			Help: "Times the broker circuit breaker tripped open",
		}),

		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_trades_opened_total",
			Help: "Trades that reached the live state",
		}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trades_closed_total",
			Help: "Trades closed, by exit reason",
		}, []string{"reason"}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_trades",
			Help: "Currently open trades",
		}),
		DayPnlR: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_day_pnl_r",
			Help: "Session realized P&L in R units",
		}),
		ExitModifies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_exit_modifies_total",
			Help: "Stop or target modifications issued by the exit manager",
		}),

		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		HaltState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_halt_state",
			Help: "Process halt flag (0=clear, 1=halted)",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.DroppedBatches,
		m.StaleTicks,
		m.WSReconnects,
		m.CandlesTotal,
		m.FanoutDrops,
		m.TickQueueLen,
		m.SignalsTotal,
		m.BlockedTotal,
		m.RegimeCurrent,
		m.OrdersPlaced,
		m.OrderErrors,
		m.OrderRejects,
		m.PlaceOrderDur,
		m.BrokerRetries,
		m.BreakerState,
		m.BreakerTrips,
		m.TradesOpened,
		m.TradesClosed,
		m.OpenTrades,
		m.DayPnlR,
		m.ExitModifies,
		m.SQLiteCommitDur,
		m.MarketState,
		m.HaltState,
	)

	return m
}

// SetRegime sets the one-hot regime gauge.
func (m *Metrics) SetRegime(regime string) {
	for _, r := range []string{"OPEN", "TREND", "RANGE"} {
		v := 0.0
		if r == regime {
			v = 1.0
		}
		m.RegimeCurrent.WithLabelValues(r).Set(v)
	}
}

// Server exposes /metrics on its own listener.
type Server struct {
	srv *http.Server
}

// NewServer creates the metrics HTTP server. gatherer is usually
// prometheus.DefaultGatherer.
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Serve runs the metrics server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[metrics] listening on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
