// cmd/backtest replays stored candles through the strategy set and the
// dynamic exit manager under a simulated execution model, and writes a JSON
// run artifact.
//
// Usage:
//
//	go run ./cmd/backtest --exchange=NSE --token=2885 --interval=5 \
//	    --from=2026-08-01 --to=2026-08-26 --out=data/run.json
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"strings"
	"time"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/backtest"
	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/logger"
	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/strategy"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("backtest", slog.LevelInfo)

	exchange := flag.String("exchange", "NSE", "Exchange segment")
	token := flag.String("token", "", "Instrument token (required)")
	interval := flag.Int("interval", 5, "Candle interval in minutes")
	fromStr := flag.String("from", "", "Range start, YYYY-MM-DD (required)")
	toStr := flag.String("to", "", "Range end, YYYY-MM-DD (defaults to today)")
	dbPath := flag.String("db", "data/engine.db", "Path to the SQLite database")
	out := flag.String("out", "", "Artifact path (default: data/backtest_<token>_<interval>m.json)")
	seed := flag.Int64("seed", 1, "Slippage jitter seed")
	equity := flag.Int64("equity", 10_000_000, "Session equity in paise")
	riskPct := flag.Float64("risk", 0.5, "Per-trade risk percent of equity")
	lot := flag.Int64("lot", 1, "Lot size")
	tick := flag.Int64("tick", 5, "Tick size in paise")
	minConf := flag.Float64("minconf", 55, "Minimum signal confidence")
	slippage := flag.Int64("slippage", 4, "Slippage in bps")
	fee := flag.Int64("fee", 4000, "Fee per lot in paise (round trip)")
	quality := flag.String("quality", "warn", "Data quality mode: off | warn | strict")
	strategies := flag.String("strategies", "", "Comma-separated strategy ids, empty = all")
	flag.Parse()

	if *token == "" || *fromStr == "" {
		flag.Usage()
		log.Fatal("[backtest] --token and --from are required")
	}

	from, err := time.ParseInLocation("2006-01-02", *fromStr, markethours.IST)
	if err != nil {
		log.Fatalf("[backtest] invalid --from: %v", err)
	}
	to := time.Now().In(markethours.IST)
	if *toStr != "" {
		if to, err = time.ParseInLocation("2006-01-02", *toStr, markethours.IST); err != nil {
			log.Fatalf("[backtest] invalid --to: %v", err)
		}
		to = to.Add(24 * time.Hour)
	}

	store, err := candlestore.New(candlestore.StoreConfig{DBPath: *dbPath})
	if err != nil {
		log.Fatalf("[backtest] sqlite open failed: %v", err)
	}
	defer store.Close()

	registry := strategy.NewRegistry(splitCSV(*strategies))
	selector := strategy.NewSelector(true)

	h := backtest.New(store, registry, selector, nil, config.DefaultExitConfig())
	res, err := h.Run(backtest.Params{
		Exchange:        *exchange,
		Token:           *token,
		IntervalMin:     *interval,
		From:            from,
		To:              to,
		Seed:            *seed,
		EquityPaise:     *equity,
		PerTradeRiskPct: *riskPct,
		LotSize:         *lot,
		TickSize:        *tick,
		MinConfidence:   *minConf,
		SlippageBps:     *slippage,
		FeePerLotPaise:  *fee,
		QualityMode:     candlestore.QualityMode(*quality),
	})
	if err != nil {
		log.Fatalf("[backtest] run failed: %v", err)
	}

	path := *out
	if path == "" {
		path = fmt.Sprintf("data/backtest_%s_%dm.json", *token, *interval)
	}
	if err := res.WriteFile(path); err != nil {
		log.Fatalf("[backtest] write artifact: %v", err)
	}

	m := res.Metrics
	fmt.Println()
	fmt.Printf("  candles:        %d\n", res.Candles)
	fmt.Printf("  trades:         %d (%d wins / %d losses, %.1f%%)\n", m.Trades, m.Wins, m.Losses, m.WinRate)
	fmt.Printf("  net P&L:        ₹%.2f\n", float64(m.TotalNetPnl)/100)
	fmt.Printf("  est. costs:     ₹%.2f\n", m.TotalEstimatedCostInr)
	fmt.Printf("  max drawdown:   ₹%.2f\n", m.MaxDrawdownInr)
	fmt.Printf("  avg net/trade:  ₹%.2f\n", float64(m.AvgNetPerTrade)/100)
	for id, st := range res.Analytics {
		fmt.Printf("  %-18s trades=%d wins=%d net=₹%.2f avgR=%.2f\n",
			id, st.Trades, st.Wins, float64(st.NetPaise)/100, st.AvgNetR)
	}
	fmt.Printf("\n  artifact: %s\n", path)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
