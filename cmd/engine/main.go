package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"intraday-enginev1/config"
	"intraday-enginev1/internal/admin"
	"intraday-enginev1/internal/candlestore"
	"intraday-enginev1/internal/governor"
	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/instruments"
	"intraday-enginev1/internal/logger"
	"intraday-enginev1/internal/marketdata/bus"
	"intraday-enginev1/internal/marketdata/ingest"
	"intraday-enginev1/internal/marketdata/livecandle"
	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/metrics"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/optimizer"
	"intraday-enginev1/internal/push"
	"intraday-enginev1/internal/ratelimit"
	"intraday-enginev1/internal/retryclient"
	"intraday-enginev1/internal/risk"
	"intraday-enginev1/internal/signalpipe"
	"intraday-enginev1/internal/strategy"
	"intraday-enginev1/internal/telemetry"
	"intraday-enginev1/internal/trade"
	"intraday-enginev1/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("engine", slog.LevelInfo)
	log.Println("[engine] starting...")

	cfg := config.Load()
	markethours.Configure(cfg.SessionOpen, cfg.SessionClose, cfg.EntryCutoff)
	markethours.AddHolidays(config.OverlayHolidays())
	log.Printf("[engine] %s", markethours.StatusString(time.Now()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Infrastructure ----
	os.MkdirAll("data", 0o755)

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("[engine] WARNING: redis unavailable: %v (continuing without persistence)", err)
		redisClient = nil
	}

	haltBus := halt.NewBus(redisClient)
	if reason := haltBus.PersistedKillReason(ctx); reason != "" {
		log.Printf("[engine] previous kill reason on record: %s (kill switch latched, clear via admin)", reason)
		haltBus.SetKillSwitch(true)
	}

	sink, err := telemetry.New(1024, cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[engine] telemetry init: %v", err)
	}
	defer sink.Close()

	candleStore, err := candlestore.New(candlestore.StoreConfig{
		DBPath:       cfg.SQLitePath,
		RetentionTTL: 30 * 24 * time.Hour,
	})
	if err != nil {
		log.Fatalf("[engine] candle store init: %v", err)
	}
	defer candleStore.Close()

	repo, err := instruments.Open(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[engine] instruments init: %v", err)
	}
	defer repo.Close()
	if repo.Count() == 0 {
		log.Println("[engine] instrument cache empty, refreshing from scrip master...")
		if n, err := repo.RefreshFromMaster(ctx, ""); err != nil {
			log.Printf("[engine] WARNING: scrip master refresh failed: %v", err)
		} else {
			log.Printf("[engine] loaded %d instruments", n)
		}
	}

	tradeStore, err := trade.OpenStore(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[engine] trade store init: %v", err)
	}
	defer tradeStore.Close()

	prom := metrics.New(prometheus.DefaultRegisterer)
	sink.OnBlocked = func(stage string) { prom.BlockedTotal.WithLabelValues(stage).Inc() }
	candleStore.OnCommit = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }

	// ---- Broker session ----
	sc := smartconnect.New(smartconnect.Config{
		APIKey:     cfg.BrokerAPIKey,
		ClientCode: cfg.BrokerClientCode,
		Password:   cfg.BrokerPassword,
		TOTPSecret: cfg.BrokerTOTPSecret,
	})
	sc.SessionExpiryHook = func() {
		haltBus.Fatal(halt.CauseAuth, "SESSION_EXPIRED", "broker session expired")
	}
	if err := sc.Login(); err != nil {
		log.Fatalf("[engine] broker login: %v", err)
	}
	log.Println("[engine] broker session established")
	broker := retryclient.New(sc, haltBus, retryclient.DefaultOptions())
	broker.OnRetry = prom.BrokerRetries.Inc
	broker.OnBreakerChange = func(to gobreaker.State) {
		prom.BreakerState.Set(float64(to))
		if to == gobreaker.StateOpen {
			prom.BreakerTrips.Inc()
		}
	}
	broker.OnPlaceOrder = func(p smartconnect.OrderParams, d time.Duration, err error) {
		prom.PlaceOrderDur.Observe(d.Seconds())
		if err != nil {
			prom.OrderErrors.Inc()
			return
		}
		prom.OrdersPlaced.WithLabelValues(p.Variety, p.TransactionType).Inc()
	}

	// ---- Market data pipeline ----
	tokens := cfg.ParseTokens()
	intervals := cfg.ParseIntervals()
	ticker := smartconnect.NewTicker(cfg.BrokerAPIKey, cfg.BrokerClientCode,
		sc.AccessToken(), sc.FeedToken(), 0)

	feedSub := &tickerSub{ticker: ticker}
	ing := ingest.New(cfg.TickQueueCap, time.Duration(cfg.TickIdleSec)*time.Second, feedSub)
	ing.OnDroppedBatch = func() { prom.DroppedBatches.Inc() }

	builder := livecandle.New(intervals)
	builder.OnStaleTick = func() { prom.StaleTicks.Inc() }

	candleCh := make(chan model.Candle, 1024)
	builder.OnClose = func(c model.Candle) {
		prom.CandlesTotal.WithLabelValues(strconv.Itoa(c.IntervalMin)).Inc()
		select {
		case candleCh <- c:
		default:
			log.Printf("[engine] candle channel full, dropping %s", c.Key())
		}
	}

	fanout := bus.New(256)
	fanout.OnDrop = func(i int) { prom.FanoutDrops.WithLabelValues(strconv.Itoa(i)).Inc() }
	storeSub := fanout.Subscribe()
	signalSub := fanout.Subscribe()
	pushSub := fanout.Subscribe()

	cache := candlestore.NewCache(240)
	warmCache(candleStore, cache, tokens, intervals)

	// ---- Risk / governor / optimizer ----
	riskEng := risk.New(haltBus, nil)
	riskEng.MaxOpenPositions = cfg.MaxOpenPositions
	riskEng.MaxTradesPerDay = cfg.MaxTradesPerDay
	riskEng.MaxConsecFailures = cfg.MaxConsecFailures

	gov := governor.New(governor.Limits{
		MaxDailyLossR: cfg.MaxDailyLossR,
		ProfitGoalR:   cfg.ProfitGoalR,
		MaxLossStreak: cfg.MaxLossStreak,
		MaxOpenRiskR:  cfg.MaxOpenRiskR,
		ErrWindow:     time.Duration(cfg.OrderErrWindowSec) * time.Second,
		ErrMax:        cfg.OrderErrMax,
		BreakerFor:    time.Duration(cfg.OrderErrBreakerSec) * time.Second,
	}, redisClient)
	if err := gov.Restore(ctx, time.Now()); err != nil {
		log.Printf("[engine] governor restore: %v", err)
	}

	opt := optimizer.New(optimizer.Options{
		LookbackN:     cfg.OptLookbackN,
		MinSamples:    cfg.OptMinSamples,
		BlockTTL:      time.Duration(cfg.OptBlockTTLMin) * time.Minute,
		FeeMultThresh: cfg.OptFeeMultThresh,
		OpenEndHM:     cfg.OptOpenEnd,
		CloseStartHM:  cfg.OptCloseStart,
		SpreadHard:    cfg.OptSpreadHardBlock,
		PersistMax:    cfg.OptPersistMaxKeys,
	}, redisClient)
	if err := opt.Restore(ctx); err != nil {
		log.Printf("[engine] optimizer restore: %v", err)
	}

	limiter := ratelimit.New(cfg.OrdersPerSec, cfg.OrdersPerMin)

	// ---- Trade manager ----
	mgr := trade.NewManager(cfg, tradeStore, riskEng, gov, opt, limiter,
		haltBus, sink, broker, ing, repo, cache)

	hub := push.NewHub(cfg.PushSecret, redisClient)
	builder.OnForming = hub.PublishBar
	mgr.OnTradeOpened = func(t *model.Trade) {
		prom.TradesOpened.Inc()
		hub.PublishTrade(t)
	}
	mgr.OnTradeClosed = func(t *model.Trade) {
		prom.TradesClosed.WithLabelValues(string(t.Status)).Inc()
		hub.PublishTrade(t)
	}
	mgr.OnOrderReject = func(class string) { prom.OrderRejects.WithLabelValues(class).Inc() }
	mgr.OnExitModify = prom.ExitModifies.Inc
	mgr.OnAdopt = func(t *model.Trade) {
		if err := feedSub.Subscribe([]string{t.Exchange + ":" + t.Token}); err != nil {
			log.Printf("[engine] adopt subscribe %s:%s: %v", t.Exchange, t.Token, err)
		}
	}

	if err := mgr.Recover(ctx); err != nil {
		log.Fatalf("[engine] trade recovery: %v", err)
	}
	if cfg.OptBootstrapDays > 0 {
		if err := mgr.BootstrapOptimizer(cfg.OptBootstrapDays); err != nil {
			log.Printf("[engine] optimizer bootstrap: %v", err)
		}
	}

	// ---- Signal pipeline ----
	registry := strategy.NewRegistry(splitList(cfg.EnabledStrategies))
	selector := strategy.NewSelector(cfg.SelectorEnabled)
	pipe := signalpipe.New(registry, selector, cache, sink, mgr)
	pipe.MinCandles = cfg.MinCandles
	pipe.MinConfidence = cfg.MinConfidence
	pipe.AllowSynthetic = cfg.AllowSynthetic
	pipe.OnSignal = func(sig *strategy.Signal) {
		prom.SignalsTotal.WithLabelValues(sig.StrategyID, string(sig.Side)).Inc()
		prom.SetRegime(sig.Regime)
	}

	// ---- Tick routing ----
	ing.OnTick = func(t model.Tick) {
		prom.TicksTotal.Inc()
		builder.ProcessTick(t)
		mgr.OnTick(t)
		hub.PublishLTP(t)
	}

	ticker.OnTicks = ing.OnTicks
	ticker.OnReconnect = func() {
		prom.WSReconnects.Inc()
		ing.OnReconnect()
	}
	ticker.OnError = func(err error) { haltBus.Report("WS_ERROR", err.Error()) }
	if err := ticker.Connect(); err != nil {
		log.Fatalf("[engine] ticker connect: %v", err)
	}
	if err := ticker.Subscribe(groupByExchange(tokens)); err != nil {
		log.Fatalf("[engine] subscribe: %v", err)
	}
	log.Printf("[engine] subscribed to %d instruments on %v intervals", len(tokens), intervals)

	orderFeed := smartconnect.NewOrderFeed(sc.AccessToken())
	orderFeed.OnUpdate = mgr.OnOrderUpdate
	orderFeed.OnError = func(err error) { haltBus.Report("ORDER_FEED_ERROR", err.Error()) }
	if err := orderFeed.Connect(); err != nil {
		log.Fatalf("[engine] order feed connect: %v", err)
	}

	// ---- Ops surfaces ----
	adminSrv := admin.New(haltBus, riskEng, gov, opt, sink, mgr, tradeStore, ing,
		candleStore.DB(), redisClient)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, prometheus.DefaultGatherer)

	// ---- Run everything ----
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { ing.Run(ctx); return nil })
	g.Go(func() error { fanout.Run(ctx, candleCh); return nil })
	g.Go(func() error { candleStore.Run(storeSub); return nil })
	g.Go(func() error {
		// Cache append strictly precedes evaluation so the pipeline's
		// terminal-candle check always sees the fresh close.
		for c := range signalSub {
			cache.Append(c)
			pipe.OnClose(c)
		}
		return nil
	})
	g.Go(func() error { hub.RunCandleFeed(ctx, pushSub); return nil })
	g.Go(func() error { mgr.RunReconcile(ctx); return nil })
	g.Go(func() error { mgr.RunOCO(ctx); return nil })
	g.Go(func() error {
		ing.RunWatchdog(ctx, 15*time.Second, func() []string {
			keys := make([]string, 0, len(tokens))
			for _, p := range tokens {
				keys = append(keys, p[0]+":"+p[1])
			}
			return keys
		})
		return nil
	})
	g.Go(func() error { runFlusher(ctx, builder); return nil })
	g.Go(func() error { runGauges(ctx, prom, haltBus, ing, mgr, gov); return nil })
	g.Go(func() error { return adminSrv.Serve(ctx, cfg.AdminAddr) })
	g.Go(func() error { return hub.Serve(ctx, cfg.PushAddr) })
	g.Go(func() error { return metricsSrv.Serve(ctx) })

	log.Println("[engine] pipeline ready")
	if err := g.Wait(); err != nil {
		log.Printf("[engine] shutdown error: %v", err)
	}

	// Drain the forming candles so no bucket is lost on shutdown.
	builder.FlushAll()
	close(candleCh)
	ticker.Close()
	orderFeed.Close()
	sc.Logout()
	log.Println("[engine] stopped")
}

// tickerSub adapts the broker ticker to the ingestor's Subscriber interface.
// Keys are "exchange:token".
type tickerSub struct {
	ticker *smartconnect.Ticker
}

func (s *tickerSub) Subscribe(keys []string) error {
	byExchange := make(map[string][]string)
	for _, k := range keys {
		parts := strings.SplitN(k, ":", 2)
		if len(parts) != 2 {
			continue
		}
		byExchange[parts[0]] = append(byExchange[parts[0]], parts[1])
	}
	return s.ticker.Subscribe(byExchange)
}

func (s *tickerSub) Resubscribe() error { return s.ticker.Resubscribe() }

// groupByExchange converts (exchange, token) pairs into the ticker's
// subscription shape.
func groupByExchange(pairs [][2]string) map[string][]string {
	out := make(map[string][]string)
	for _, p := range pairs {
		out[p[0]] = append(out[p[0]], p[1])
	}
	return out
}

// warmCache seeds the candle rings from the last two days of stored candles.
func warmCache(store *candlestore.Store, cache *candlestore.Cache, tokens [][2]string, intervals []int) {
	after := time.Now().Add(-48 * time.Hour).Unix()
	total := 0
	for _, p := range tokens {
		for _, ivl := range intervals {
			candles, err := store.Read(p[0], p[1], ivl, after, 0)
			if err != nil {
				log.Printf("[engine] cache warmup %s:%s %dm: %v", p[0], p[1], ivl, err)
				continue
			}
			cache.Warm(candles)
			total += len(candles)
		}
	}
	log.Printf("[engine] cache warmed with %d candles", total)
}

// runFlusher closes elapsed candle buckets even when ticks stop.
func runFlusher(ctx context.Context, b *livecandle.Builder) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			b.FlushOld(now)
		}
	}
}

// runGauges refreshes the slow-moving state gauges.
func runGauges(ctx context.Context, prom *metrics.Metrics, haltBus *halt.Bus,
	ing *ingest.Ingestor, mgr *trade.Manager, gov *governor.Governor) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			prom.TickQueueLen.Set(float64(ing.QueueLen()))
			prom.OpenTrades.Set(float64(len(mgr.OpenTrades())))
			prom.DayPnlR.Set(gov.RealizedR(now))
			if markethours.IsMarketOpen(now) {
				prom.MarketState.Set(1)
			} else {
				prom.MarketState.Set(0)
			}
			if haltBus.Halted() {
				prom.HaltState.Set(1)
			} else {
				prom.HaltState.Set(0)
			}
		}
	}
}

// splitList parses a comma-separated list, empty string → nil.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
