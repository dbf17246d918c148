// Package ingest accepts broker tick batches, maintains the latest-LTP cache,
// and drives the live candle builder through a single-consumer worker.
//
// OnTicks is called from the broker websocket callback and must return
// without blocking: batches land in a bounded FIFO (drop-oldest) and a single
// goroutine drains it.
package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"intraday-enginev1/internal/markethours"
	"intraday-enginev1/internal/model"
)

// Subscriber is the slice of the broker adapter the ingestor needs to manage
// subscriptions.
type Subscriber interface {
	Subscribe(tokens []string) error
	Resubscribe() error
}

// Ingestor owns the tick queue, the LTP cache, and the tick watchdog.
type Ingestor struct {
	queue *batchQueue

	mu       sync.RWMutex
	ltp      map[string]int64     // key = "exchange:token" → paise
	lastTick map[string]time.Time // last tick arrival per key
	lastBid  map[string]int64
	lastAsk  map[string]int64

	sub       Subscriber
	idleAfter time.Duration

	// OnTick is invoked for every tick after the LTP cache update (single
	// consumer goroutine; keep it fast).
	OnTick func(t model.Tick)

	// OnDroppedBatch is called when the queue discards a batch (optional).
	OnDroppedBatch func()
}

// New creates an Ingestor. sub may be nil in backtests.
func New(queueCap int, idleAfter time.Duration, sub Subscriber) *Ingestor {
	return &Ingestor{
		queue:     newBatchQueue(queueCap),
		ltp:       make(map[string]int64, 64),
		lastTick:  make(map[string]time.Time, 64),
		lastBid:   make(map[string]int64, 64),
		lastAsk:   make(map[string]int64, 64),
		sub:       sub,
		idleAfter: idleAfter,
	}
}

// OnTicks enqueues a broker tick batch. Safe to call from the websocket
// callback; never blocks.
func (in *Ingestor) OnTicks(batch []model.Tick) {
	if len(batch) == 0 {
		return
	}
	before := in.queue.droppedCount()
	in.queue.push(batch)
	if in.OnDroppedBatch != nil && in.queue.droppedCount() > before {
		in.OnDroppedBatch()
	}
}

// Run drains the queue in a single goroutine. Blocks until ctx is cancelled.
func (in *Ingestor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.queue.notify:
			for {
				batch := in.queue.pop()
				if batch == nil {
					break
				}
				for i := range batch {
					in.processTick(batch[i])
				}
			}
		}
	}
}

func (in *Ingestor) processTick(t model.Tick) {
	if t.TickTS.IsZero() {
		t.TickTS = time.Now().UTC()
	}
	key := t.Key()

	in.mu.Lock()
	in.ltp[key] = t.Price
	in.lastTick[key] = time.Now()
	if t.BestBid > 0 {
		in.lastBid[key] = t.BestBid
	}
	if t.BestAsk > 0 {
		in.lastAsk[key] = t.BestAsk
	}
	in.mu.Unlock()

	if in.OnTick != nil {
		in.OnTick(t)
	}
}

// LTP returns the latest price for an instrument, 0 if never seen.
func (in *Ingestor) LTP(exchange, token string) int64 {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ltp[exchange+":"+token]
}

// Quote returns the latest (ltp, bid, ask) for an instrument.
func (in *Ingestor) Quote(exchange, token string) (ltp, bid, ask int64) {
	key := exchange + ":" + token
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.ltp[key], in.lastBid[key], in.lastAsk[key]
}

// SpreadBps returns the latest spread in bps, 0 when depth is unknown.
func (in *Ingestor) SpreadBps(exchange, token string) int64 {
	_, bid, ask := in.Quote(exchange, token)
	t := model.Tick{BestBid: bid, BestAsk: ask}
	return t.SpreadBps()
}

// DroppedBatches returns the total number of discarded batches.
func (in *Ingestor) DroppedBatches() uint64 {
	return in.queue.droppedCount()
}

// QueueLen returns the current queue depth.
func (in *Ingestor) QueueLen() int {
	return in.queue.len()
}

// RunWatchdog re-subscribes tokens that have gone idle during market hours.
// Checks every interval; a token idle longer than idleAfter is re-subscribed.
func (in *Ingestor) RunWatchdog(ctx context.Context, interval time.Duration, tokens func() []string) {
	if in.sub == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if !markethours.IsMarketOpen(now) {
				continue
			}
			var stale []string
			in.mu.RLock()
			for _, tok := range tokens() {
				last, ok := in.lastTick[tok]
				if !ok || now.Sub(last) > in.idleAfter {
					stale = append(stale, tok)
				}
			}
			in.mu.RUnlock()
			if len(stale) == 0 {
				continue
			}
			log.Printf("[ingest] watchdog: %d idle tokens, re-subscribing", len(stale))
			if err := in.sub.Subscribe(stale); err != nil {
				log.Printf("[ingest] watchdog resubscribe: %v", err)
			}
		}
	}
}

// OnReconnect re-subscribes the full token set after the broker websocket
// reconnects.
func (in *Ingestor) OnReconnect() {
	if in.sub == nil {
		return
	}
	if err := in.sub.Resubscribe(); err != nil {
		log.Printf("[ingest] reconnect resubscribe: %v", err)
	}
}
