// Package optimizer keeps rolling fee-multiple stats per (symbol, strategy,
// time-bucket) cell and auto-blocks cells that keep losing relative to cost.
// Outside a block it can still soft de-weight a signal through confidence and
// quantity multipliers.
package optimizer

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"intraday-enginev1/internal/markethours"
)

// Time buckets.
const (
	BucketOpen  = "OPEN"
	BucketMid   = "MID"
	BucketClose = "CLOSE"
)

// Spread regimes.
const (
	SpreadNormal  = "NORMAL"
	SpreadWide    = "WIDE"
	SpreadExtreme = "EXTREME"
)

const (
	redisStateKey = "engine:optimizer:state"

	wideSpreadBps    = 35.0
	extremeSpreadBps = 80.0
	wideSpreadMult   = 0.8
)

// Options tune the optimizer.
type Options struct {
	LookbackN     int     // rolling window length per key
	MinSamples    int     // samples required before a block can arm
	BlockTTL      time.Duration
	FeeMultThresh float64 // avg fee-multiple below this arms a block
	OpenEndHM     string  // "10:15"
	CloseStartHM  string  // "14:30"
	SpreadHard    bool    // hard-block EXTREME spread signals
	PersistMax    int     // max keys persisted to redis
}

// DefaultOptions mirror the engine defaults.
func DefaultOptions() Options {
	return Options{
		LookbackN:     12,
		MinSamples:    5,
		BlockTTL:      45 * time.Minute,
		FeeMultThresh: 1.5,
		OpenEndHM:     "10:15",
		CloseStartHM:  "14:30",
		SpreadHard:    true,
		PersistMax:    500,
	}
}

// window is a rolling sample ring for one key.
type window struct {
	Samples []float64 `json:"samples"`
}

func (w *window) push(v float64, cap int) {
	w.Samples = append(w.Samples, v)
	if len(w.Samples) > cap {
		w.Samples = w.Samples[len(w.Samples)-cap:]
	}
}

func (w *window) avg() float64 {
	if len(w.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.Samples {
		sum += v
	}
	return sum / float64(len(w.Samples))
}

// Block is a time-bounded prohibition on a key.
type Block struct {
	UntilTS  time.Time `json:"untilTs"`
	SetAtTS  time.Time `json:"setAtTs"`
	Reason   string    `json:"reason"`
	Snapshot float64   `json:"snapshot"` // window avg when the block armed
}

// Evaluation is the admission verdict for one signal.
type Evaluation struct {
	Blocked        bool
	Reason         string
	ConfidenceMult float64
	QtyMult        float64
	SpreadRegime   string
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	opts  Options
	redis *goredis.Client // optional

	mu      sync.Mutex
	windows map[string]*window
	blocks  map[string]*Block
}

// New creates an optimizer. redisClient may be nil.
func New(opts Options, redisClient *goredis.Client) *Optimizer {
	return &Optimizer{
		opts:    opts,
		redis:   redisClient,
		windows: make(map[string]*window),
		blocks:  make(map[string]*Block),
	}
}

// Bucket classifies a timestamp into OPEN / MID / CLOSE using the configured
// boundaries, in IST.
func (o *Optimizer) Bucket(t time.Time) string {
	hm := t.In(markethours.IST).Format("15:04")
	if hm < o.opts.OpenEndHM {
		return BucketOpen
	}
	if hm >= o.opts.CloseStartHM {
		return BucketClose
	}
	return BucketMid
}

// SpreadRegime classifies a spread in bps.
func SpreadRegime(spreadBps float64) string {
	switch {
	case spreadBps >= extremeSpreadBps:
		return SpreadExtreme
	case spreadBps >= wideSpreadBps:
		return SpreadWide
	default:
		return SpreadNormal
	}
}

func cellKey(symbol, strategy, bucket string) string {
	return symbol + "|" + strategy + "|" + bucket
}

func strategyKey(strategy, bucket string) string {
	return "*|" + strategy + "|" + bucket
}

// OnTradeClosed pushes a closed trade's fee-multiple (gross P&L over
// estimated round-trip cost) into both windows for its entry bucket, arming a
// block when the rolling average falls under the threshold.
func (o *Optimizer) OnTradeClosed(symbol, strategy string, entryAt time.Time, feeMult float64, now time.Time) {
	bucket := o.Bucket(entryAt)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range []string{cellKey(symbol, strategy, bucket), strategyKey(strategy, bucket)} {
		w, ok := o.windows[key]
		if !ok {
			w = &window{}
			o.windows[key] = w
		}
		w.push(feeMult, o.opts.LookbackN)
		if len(w.Samples) >= o.opts.MinSamples {
			if avg := w.avg(); avg < o.opts.FeeMultThresh {
				if b, armed := o.blocks[key]; armed && now.Before(b.UntilTS) {
					continue
				}
				o.blocks[key] = &Block{
					UntilTS:  now.Add(o.opts.BlockTTL),
					SetAtTS:  now,
					Reason:   "FEE_MULT_BELOW_THRESHOLD",
					Snapshot: avg,
				}
				log.Printf("[optimizer] blocked %s until %s (avg=%.2f thresh=%.2f)",
					key, o.blocks[key].UntilTS.Format("15:04:05"), avg, o.opts.FeeMultThresh)
			}
		}
	}
	o.persistLocked()
}

// EvaluateSignal checks the (symbol, strategy, bucket) and (strategy, bucket)
// cells for an active block, then applies the spread policy and soft
// multipliers. Expired blocks are collected here, not on a timer.
func (o *Optimizer) EvaluateSignal(symbol, strategy string, now time.Time, spreadBps float64) Evaluation {
	bucket := o.Bucket(now)
	regime := SpreadRegime(spreadBps)
	ev := Evaluation{ConfidenceMult: 1, QtyMult: 1, SpreadRegime: regime}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, key := range []string{cellKey(symbol, strategy, bucket), strategyKey(strategy, bucket)} {
		b, ok := o.blocks[key]
		if !ok {
			continue
		}
		if !now.Before(b.UntilTS) {
			delete(o.blocks, key) // lazy GC
			continue
		}
		ev.Blocked = true
		ev.Reason = b.Reason
		ev.ConfidenceMult = 0
		ev.QtyMult = 0
		return ev
	}

	if o.opts.SpreadHard && regime == SpreadExtreme {
		ev.Blocked = true
		ev.Reason = "SPREAD_EXTREME"
		ev.ConfidenceMult = 0
		ev.QtyMult = 0
		return ev
	}

	// Soft de-weight: a window trending under 2x the threshold scales the
	// signal down proportionally, floored at 0.5.
	if w, ok := o.windows[cellKey(symbol, strategy, bucket)]; ok && len(w.Samples) >= o.opts.MinSamples {
		if avg := w.avg(); avg < o.opts.FeeMultThresh*2 {
			ratio := avg / (o.opts.FeeMultThresh * 2)
			if ratio < 0.5 {
				ratio = 0.5
			}
			ev.ConfidenceMult = ratio
			ev.QtyMult = ratio
		}
	}
	if regime == SpreadWide {
		ev.ConfidenceMult *= wideSpreadMult
		ev.QtyMult *= wideSpreadMult
	}
	return ev
}

// Blocks returns the active blocks for the status surface.
func (o *Optimizer) Blocks(now time.Time) map[string]Block {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]Block)
	for k, b := range o.blocks {
		if now.Before(b.UntilTS) {
			out[k] = *b
		}
	}
	return out
}

// Reset clears all windows and blocks.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	o.windows = make(map[string]*window)
	o.blocks = make(map[string]*Block)
	o.persistLocked()
	o.mu.Unlock()
	log.Println("[optimizer] state reset")
}

// persistedState is the redis snapshot shape.
type persistedState struct {
	Windows map[string]*window `json:"windows"`
	Blocks  map[string]*Block  `json:"blocks"`
}

// persistLocked snapshots state to redis, bounded to PersistMax keys by
// dropping the fullest-covered (longest) keys last. Caller holds o.mu.
func (o *Optimizer) persistLocked() {
	if o.redis == nil {
		return
	}
	st := persistedState{Windows: o.windows, Blocks: o.blocks}
	if len(st.Windows) > o.opts.PersistMax {
		keys := make([]string, 0, len(st.Windows))
		for k := range st.Windows {
			keys = append(keys, k)
		}
		// Keep strategy-level aggregates first, then lexicographic.
		sort.Slice(keys, func(i, j int) bool {
			si := strings.HasPrefix(keys[i], "*|")
			sj := strings.HasPrefix(keys[j], "*|")
			if si != sj {
				return si
			}
			return keys[i] < keys[j]
		})
		bounded := make(map[string]*window, o.opts.PersistMax)
		for _, k := range keys[:o.opts.PersistMax] {
			bounded[k] = st.Windows[k]
		}
		st.Windows = bounded
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.redis.Set(ctx, redisStateKey, data, 72*time.Hour).Err(); err != nil {
		log.Printf("[optimizer] persist failed: %v", err)
	}
}

// Restore loads the redis snapshot. Call once on boot.
func (o *Optimizer) Restore(ctx context.Context) error {
	if o.redis == nil {
		return nil
	}
	data, err := o.redis.Get(ctx, redisStateKey).Bytes()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	o.mu.Lock()
	if st.Windows != nil {
		o.windows = st.Windows
	}
	if st.Blocks != nil {
		o.blocks = st.Blocks
	}
	o.mu.Unlock()
	log.Printf("[optimizer] restored %d windows, %d blocks", len(st.Windows), len(st.Blocks))
	return nil
}

// ClosedSample is one historical closed trade used for bootstrap.
type ClosedSample struct {
	Symbol   string
	Strategy string
	EntryAt  time.Time
	FeeMult  float64
}

// Bootstrap replays recent closed trades into the windows without arming
// blocks, so a restart mid-day starts from informed stats.
func (o *Optimizer) Bootstrap(samples []ClosedSample) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range samples {
		bucket := o.Bucket(s.EntryAt)
		for _, key := range []string{cellKey(s.Symbol, s.Strategy, bucket), strategyKey(s.Strategy, bucket)} {
			w, ok := o.windows[key]
			if !ok {
				w = &window{}
				o.windows[key] = w
			}
			w.push(s.FeeMult, o.opts.LookbackN)
		}
	}
	log.Printf("[optimizer] bootstrapped from %d closed trades", len(samples))
}
