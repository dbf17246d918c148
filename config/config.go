// Package config loads engine configuration from environment variables with
// sensible defaults, plus an optional YAML overlay file for the holiday
// calendar and risk limits.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Broker credentials (SmartAPI)
	BrokerAPIKey     string
	BrokerClientCode string
	BrokerPassword   string
	BrokerTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	AdminAddr     string
	PushAddr      string
	PushSecret    string // shared secret for push-surface subscribers

	// Subscription universe: comma-separated "exchange:token" pairs.
	SubscribeTokens string

	// Strategy set and intervals
	EnabledStrategies string // comma-separated strategy ids, empty = all
	EnabledIntervals  string // comma-separated interval minutes, e.g. "3,5,15"
	MinCandles        int    // warmup candles required per interval
	MinConfidence     float64
	AllowSynthetic    bool // allow signals on synthetic terminal candles
	SelectorEnabled   bool

	// Risk budgeting
	EquityPaise        int64   // session equity; 0 = fetch from broker margins
	PerTradeRiskPct    float64 // percent of equity risked per trade
	VolTargetBps       int64   // volatility target in bps for budget scaling
	PerTradeRiskMin    int64   // paise
	PerTradeRiskMax    int64   // paise
	DayStateMultWinner float64 // budget multiplier when day P&L > 0
	DayStateMultLoser  float64 // budget multiplier when day P&L < 0

	// Daily limits (governor)
	MaxDailyLossR   float64
	MaxLossStreak   int
	MaxTradesPerDay int
	MaxOpenRiskR    float64
	ProfitGoalR     float64

	// Risk engine
	MaxOpenPositions    int
	MaxConsecFailures   int
	CooldownSec         int // default per-token cooldown after an exit
	CooldownSecByReason string // "SL:300,TIME:120" overrides

	// Dynamic exit
	Exit ExitConfig

	// Order flow
	OrdersPerSec         int
	OrdersPerMin         int
	OrderErrWindowSec    int
	OrderErrMax          int
	OrderErrBreakerSec   int
	PartialFillTimeoutSec int

	// Market calendar
	SessionOpen    string // "09:15"
	SessionClose   string // "15:30"
	EntryCutoff    string // "15:00"
	Timezone       string // informational; engine uses IST
	CalendarFile   string // YAML overlay path, optional

	// Optimizer
	OptLookbackN       int
	OptMinSamples      int
	OptBlockTTLMin     int
	OptFeeMultThresh   float64
	OptOpenEnd         string // "10:15", bucket boundary
	OptCloseStart      string // "14:30"
	OptSpreadHardBlock bool
	OptPersistMaxKeys  int
	OptBootstrapDays   int

	// Reconcile cadences (seconds)
	ReconcileTradeSec int
	ReconcileOCOSec   int
	ResubscribeSec    int

	// Ingestion
	TickQueueCap    int
	TickIdleSec     int // watchdog resubscribe threshold
	ExitThrottleMs  int // min gap between exit-plan evaluations per trade

	// Execution model
	SlippageBps    int64
	FeePerLotPaise int64
	CostMult       float64 // true-breakeven cost multiplier

	// Data quality for backtest load: off | warn | strict
	DataQualityMode string

	// Trading master switch
	TradingEnabled bool
}

// ExitConfig groups the dynamic exit manager parameters.
type ExitConfig struct {
	// Breakeven arming
	BEArmR        float64 `yaml:"be_arm_r"`
	BEArmCostMult float64 `yaml:"be_arm_cost_mult"`
	BEBufferTicks int64   `yaml:"be_buffer_ticks"`
	BEKeepR       float64 `yaml:"be_keep_r"`
	BEKeepCostMult float64 `yaml:"be_keep_cost_mult"`

	// Trailing
	TrailArmR        float64 `yaml:"trail_arm_r"`
	TrailGapPctPre   float64 `yaml:"trail_gap_pct_pre"`  // before BE lock
	TrailGapPctPost  float64 `yaml:"trail_gap_pct_post"` // after BE lock
	TrailTightenR    float64 `yaml:"trail_tighten_r"`    // tighten gap past this R
	TrailTightenMult float64 `yaml:"trail_tighten_mult"`
	TrailMinPts      int64   `yaml:"trail_min_pts"` // paise
	TrailMaxPts      int64   `yaml:"trail_max_pts"` // paise
	StepTicksPre     int64   `yaml:"step_ticks_pre"`
	StepTicksPost    int64   `yaml:"step_ticks_post"`
	AllowTargetTighten bool  `yaml:"allow_target_tighten"`

	// Peak filters
	PeakMaxSpreadBps int64 `yaml:"peak_max_spread_bps"`
	PeakMaxAgeMs     int64 `yaml:"peak_max_age_ms"`
	PeakOutlierPct   float64 `yaml:"peak_outlier_pct"`

	// Time stops
	NoProgressMin       int     `yaml:"no_progress_min"` // 0 disables
	NoProgressMfeR      float64 `yaml:"no_progress_mfe_r"`
	UnderlyingConfirm   bool    `yaml:"underlying_confirm"`
	UnderlyingBps       int64   `yaml:"underlying_bps"`
	MaxHoldMin          int     `yaml:"max_hold_min"` // 0 disables
	MaxHoldSkipPnlR     float64 `yaml:"max_hold_skip_pnl_r"`
	MaxHoldSkipPeakR    float64 `yaml:"max_hold_skip_peak_r"`
	MaxHoldSkipIfLocked bool    `yaml:"max_hold_skip_if_locked"`

	// Profit lock
	ProfitLockEnabled bool    `yaml:"profit_lock_enabled"`
	ProfitLockR       float64 `yaml:"profit_lock_r"`
	ProfitLockKeepR   float64 `yaml:"profit_lock_keep_r"`

	// Option exit model
	OptSLPct          float64 `yaml:"opt_sl_pct"`     // premium percent stop
	OptTargetPct      float64 `yaml:"opt_target_pct"` // premium percent target
	OptIVCrushDropPct float64 `yaml:"opt_iv_crush_drop_pct"`
	OptIVSpikeRisePct float64 `yaml:"opt_iv_spike_rise_pct"`
	OptNeutralULBps   int64   `yaml:"opt_neutral_ul_bps"`
	OptWidenWindowMin int     `yaml:"opt_widen_window_min"`
	OptWidenMaxMult   float64 `yaml:"opt_widen_max_mult"`

	// Entry stop construction
	LiquidityBufferTicks int64   `yaml:"liquidity_buffer_ticks"`
	LiquidityBufferATR   float64 `yaml:"liquidity_buffer_atr"` // fraction of ATR
	RoundLevelStep       int64   `yaml:"round_level_step"`     // paise grid to avoid
}

// DefaultExitConfig returns the default exit parameters.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		BEArmR:         0.6,
		BEArmCostMult:  2.0,
		BEBufferTicks:  2,
		BEKeepR:        0.1,
		BEKeepCostMult: 1.0,

		TrailArmR:          1.0,
		TrailGapPctPre:     0.35,
		TrailGapPctPost:    0.25,
		TrailTightenR:      2.0,
		TrailTightenMult:   0.6,
		TrailMinPts:        5,
		TrailMaxPts:        2000,
		StepTicksPre:       4,
		StepTicksPost:      2,
		AllowTargetTighten: false,

		PeakMaxSpreadBps: 40,
		PeakMaxAgeMs:     3000,
		PeakOutlierPct:   1.5,

		NoProgressMin:       12,
		NoProgressMfeR:      0.25,
		UnderlyingConfirm:   true,
		UnderlyingBps:       12,
		MaxHoldMin:          45,
		MaxHoldSkipPnlR:     0.5,
		MaxHoldSkipPeakR:    1.0,
		MaxHoldSkipIfLocked: true,

		ProfitLockEnabled: true,
		ProfitLockR:       1.0,
		ProfitLockKeepR:   0.25,

		OptSLPct:          28,
		OptTargetPct:      55,
		OptIVCrushDropPct: 18,
		OptIVSpikeRisePct: 22,
		OptNeutralULBps:   8,
		OptWidenWindowMin: 6,
		OptWidenMaxMult:   1.5,

		LiquidityBufferTicks: 3,
		LiquidityBufferATR:   0.15,
		RoundLevelStep:       500, // ₹5 round levels
	}
}

// Load reads configuration from environment variables with sensible defaults,
// then applies the YAML overlay if CALENDAR_FILE is set.
func Load() *Config {
	cfg := &Config{
		BrokerAPIKey:     mustEnv("BROKER_API_KEY"),
		BrokerClientCode: mustEnv("BROKER_CLIENT_CODE"),
		BrokerPassword:   mustEnv("BROKER_PASSWORD"),
		BrokerTOTPSecret: mustEnv("BROKER_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/engine.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		AdminAddr:     getEnv("ADMIN_ADDR", ":8081"),
		PushAddr:      getEnv("PUSH_ADDR", ":8082"),
		PushSecret:    getEnv("PUSH_SECRET", ""),

		SubscribeTokens: getEnv("SUBSCRIBE_TOKENS", "NSE:3045"),

		EnabledStrategies: getEnv("ENABLED_STRATEGIES", ""),
		EnabledIntervals:  getEnv("ENABLED_INTERVALS", "3,5"),
		MinCandles:        getEnvInt("MIN_CANDLES", 50),
		MinConfidence:     getEnvFloat("MIN_CONFIDENCE", 55),
		AllowSynthetic:    getEnvBool("ALLOW_SYNTHETIC", false),
		SelectorEnabled:   getEnvBool("SELECTOR_ENABLED", true),

		EquityPaise:        getEnvInt64("EQUITY_PAISE", 0),
		PerTradeRiskPct:    getEnvFloat("PER_TRADE_RISK_PCT", 0.5),
		VolTargetBps:       getEnvInt64("VOL_TARGET_BPS", 60),
		PerTradeRiskMin:    getEnvInt64("PER_TRADE_RISK_MIN", 25000),   // ₹250
		PerTradeRiskMax:    getEnvInt64("PER_TRADE_RISK_MAX", 250000),  // ₹2,500
		DayStateMultWinner: getEnvFloat("DAY_STATE_MULT_WINNER", 1.0),
		DayStateMultLoser:  getEnvFloat("DAY_STATE_MULT_LOSER", 0.6),

		MaxDailyLossR:   getEnvFloat("MAX_DAILY_LOSS_R", 3),
		MaxLossStreak:   getEnvInt("MAX_LOSS_STREAK", 4),
		MaxTradesPerDay: getEnvInt("MAX_TRADES_PER_DAY", 12),
		MaxOpenRiskR:    getEnvFloat("MAX_OPEN_RISK_R", 2),
		ProfitGoalR:     getEnvFloat("PROFIT_GOAL_R", 6),

		MaxOpenPositions:    getEnvInt("MAX_OPEN_POSITIONS", 3),
		MaxConsecFailures:   getEnvInt("MAX_CONSEC_FAILURES", 3),
		CooldownSec:         getEnvInt("COOLDOWN_SEC", 180),
		CooldownSecByReason: getEnv("COOLDOWN_SEC_BY_REASON", "SL:300,TIME_STOP_NO_PROGRESS:120"),

		Exit: DefaultExitConfig(),

		OrdersPerSec:          getEnvInt("ORDERS_PER_SEC", 2),
		OrdersPerMin:          getEnvInt("ORDERS_PER_MIN", 10),
		OrderErrWindowSec:     getEnvInt("ORDER_ERR_WINDOW_SEC", 120),
		OrderErrMax:           getEnvInt("ORDER_ERR_MAX", 5),
		OrderErrBreakerSec:    getEnvInt("ORDER_ERR_BREAKER_SEC", 300),
		PartialFillTimeoutSec: getEnvInt("PARTIAL_FILL_TIMEOUT_SEC", 20),

		SessionOpen:  getEnv("SESSION_OPEN", "09:15"),
		SessionClose: getEnv("SESSION_CLOSE", "15:30"),
		EntryCutoff:  getEnv("ENTRY_CUTOFF", "15:00"),
		Timezone:     getEnv("TIMEZONE", "Asia/Kolkata"),
		CalendarFile: getEnv("CALENDAR_FILE", ""),

		OptLookbackN:       getEnvInt("OPT_LOOKBACK_N", 20),
		OptMinSamples:      getEnvInt("OPT_MIN_SAMPLES", 6),
		OptBlockTTLMin:     getEnvInt("OPT_BLOCK_TTL_MIN", 120),
		OptFeeMultThresh:   getEnvFloat("OPT_FEE_MULT_THRESH", 1.0),
		OptOpenEnd:         getEnv("OPT_OPEN_END", "10:15"),
		OptCloseStart:      getEnv("OPT_CLOSE_START", "14:30"),
		OptSpreadHardBlock: getEnvBool("OPT_SPREAD_HARD_BLOCK", true),
		OptPersistMaxKeys:  getEnvInt("OPT_PERSIST_MAX_KEYS", 500),
		OptBootstrapDays:   getEnvInt("OPT_BOOTSTRAP_DAYS", 5),

		ReconcileTradeSec: getEnvInt("RECONCILE_TRADE_SEC", 15),
		ReconcileOCOSec:   getEnvInt("RECONCILE_OCO_SEC", 7),
		ResubscribeSec:    getEnvInt("RESUBSCRIBE_SEC", 60),

		TickQueueCap:   getEnvInt("TICK_QUEUE_CAP", 8192),
		TickIdleSec:    getEnvInt("TICK_IDLE_SEC", 45),
		ExitThrottleMs: getEnvInt("EXIT_THROTTLE_MS", 400),

		SlippageBps:    getEnvInt64("SLIPPAGE_BPS", 4),
		FeePerLotPaise: getEnvInt64("FEE_PER_LOT_PAISE", 4000), // ₹40 round trip
		CostMult:       getEnvFloat("COST_MULT", 1.0),

		DataQualityMode: getEnv("DATA_QUALITY_MODE", "warn"),

		TradingEnabled: getEnvBool("TRADING_ENABLED", true),
	}

	loadExitEnv(&cfg.Exit)

	if cfg.CalendarFile != "" {
		if err := cfg.applyOverlay(cfg.CalendarFile); err != nil {
			log.Printf("[config] overlay %s: %v", cfg.CalendarFile, err)
		}
	}
	return cfg
}

// loadExitEnv applies env overrides on top of the exit defaults.
func loadExitEnv(e *ExitConfig) {
	e.BEArmR = getEnvFloat("BE_ARM_R", e.BEArmR)
	e.BEArmCostMult = getEnvFloat("BE_ARM_COST_MULT", e.BEArmCostMult)
	e.TrailArmR = getEnvFloat("TRAIL_ARM_R", e.TrailArmR)
	e.TrailGapPctPre = getEnvFloat("TRAIL_GAP_PCT_PRE", e.TrailGapPctPre)
	e.TrailGapPctPost = getEnvFloat("TRAIL_GAP_PCT_POST", e.TrailGapPctPost)
	e.TrailMinPts = getEnvInt64("TRAIL_MIN_PTS", e.TrailMinPts)
	e.TrailMaxPts = getEnvInt64("TRAIL_MAX_PTS", e.TrailMaxPts)
	e.StepTicksPre = getEnvInt64("STEP_TICKS_PRE", e.StepTicksPre)
	e.StepTicksPost = getEnvInt64("STEP_TICKS_POST", e.StepTicksPost)
	e.NoProgressMin = getEnvInt("TIME_STOP_NO_PROGRESS_MIN", e.NoProgressMin)
	e.NoProgressMfeR = getEnvFloat("NO_PROGRESS_MFE_R", e.NoProgressMfeR)
	e.UnderlyingBps = getEnvInt64("UL_BPS", e.UnderlyingBps)
	e.MaxHoldMin = getEnvInt("TIME_STOP_MAX_HOLD_MIN", e.MaxHoldMin)
	e.ProfitLockEnabled = getEnvBool("PROFIT_LOCK_ENABLED", e.ProfitLockEnabled)
	e.ProfitLockR = getEnvFloat("PROFIT_LOCK_R", e.ProfitLockR)
	e.ProfitLockKeepR = getEnvFloat("PROFIT_LOCK_KEEP_R", e.ProfitLockKeepR)
}

// Overlay is the YAML overlay file shape.
type Overlay struct {
	Holidays []string   `yaml:"holidays"` // "2026-01-26"
	Exit     *ExitConfig `yaml:"exit"`
	Limits   *struct {
		MaxDailyLossR   *float64 `yaml:"max_daily_loss_r"`
		MaxTradesPerDay *int     `yaml:"max_trades_per_day"`
		MaxOpenRiskR    *float64 `yaml:"max_open_risk_r"`
	} `yaml:"limits"`

	// parsed holidays, filled by applyOverlay
	HolidayDates []time.Time `yaml:"-"`
}

// overlay holds the last applied overlay for calendar consumers.
var overlay Overlay

// applyOverlay reads the YAML overlay and merges it into the config.
func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ov Overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	for _, h := range ov.Holidays {
		d, err := time.Parse("2006-01-02", h)
		if err != nil {
			log.Printf("[config] skipping invalid holiday %q", h)
			continue
		}
		ov.HolidayDates = append(ov.HolidayDates, d)
	}
	if ov.Exit != nil {
		c.Exit = *ov.Exit
	}
	if ov.Limits != nil {
		if ov.Limits.MaxDailyLossR != nil {
			c.MaxDailyLossR = *ov.Limits.MaxDailyLossR
		}
		if ov.Limits.MaxTradesPerDay != nil {
			c.MaxTradesPerDay = *ov.Limits.MaxTradesPerDay
		}
		if ov.Limits.MaxOpenRiskR != nil {
			c.MaxOpenRiskR = *ov.Limits.MaxOpenRiskR
		}
	}
	overlay = ov
	log.Printf("[config] applied overlay %s (%d holidays)", path, len(ov.HolidayDates))
	return nil
}

// OverlayHolidays returns the holiday dates loaded from the overlay file.
func OverlayHolidays() []time.Time {
	return overlay.HolidayDates
}

// ParseIntervals parses EnabledIntervals into a slice of interval minutes.
func (c *Config) ParseIntervals() []int {
	parts := strings.Split(c.EnabledIntervals, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid interval value: %q", p)
			continue
		}
		out = append(out, n)
	}
	return out
}

// ParseTokens parses SubscribeTokens into (exchange, token) pairs.
func (c *Config) ParseTokens() [][2]string {
	parts := strings.Split(c.SubscribeTokens, ",")
	out := make([][2]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		kv := strings.SplitN(p, ":", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			continue
		}
		out = append(out, [2]string{kv[0], kv[1]})
	}
	return out
}

// ParseCooldowns parses CooldownSecByReason into a reason → seconds map.
func (c *Config) ParseCooldowns() map[string]int {
	out := make(map[string]int)
	for _, p := range strings.Split(c.CooldownSecByReason, ",") {
		kv := strings.SplitN(strings.TrimSpace(p), ":", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil || n < 0 {
			continue
		}
		out[kv[0]] = n
	}
	return out
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q", key, v)
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Printf("[config] invalid int for %s: %q", key, v)
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid float for %s: %q", key, v)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v == "1" || v == "true" || v == "yes"
}
