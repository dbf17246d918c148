// Package livecandle synthesizes per-(instrument, interval) live candles from
// ticks. The forming candle's open is the first tick price in the bucket,
// high/low are running extremes, close is the last tick, volume accumulates.
// On bucket rollover the finalized candle is emitted as a candle-close event.
//
// Buckets are aligned to the interval grid in the session timezone. Late
// ticks belonging to an already-finalized bucket are rejected beyond a small
// tolerance.
package livecandle

import (
	"log"
	"sync"
	"time"

	"intraday-enginev1/internal/model"
)

// state holds the forming candle for one (token, interval) pair.
type state struct {
	bucket int64 // bucket start (Unix seconds)
	candle model.Candle
}

// Builder maintains live candles for multiple intervals.
// Designed for a single writer (the ingest consumer goroutine).
type Builder struct {
	intervals []int // enabled interval minutes

	mu     sync.Mutex
	states []map[string]*state // states[i][tokenKey], parallel to intervals

	// StaleTolerance rejects ticks older than the forming bucket by more
	// than this. 0 disables the check.
	StaleTolerance time.Duration

	// OnClose is called with every finalized candle (required).
	OnClose func(c model.Candle)

	// OnForming is called with a snapshot of the forming candle after each
	// update (optional; feeds the live-bar push surface).
	OnForming func(c model.Candle)

	// OnStaleTick is called when a late tick is rejected (optional).
	OnStaleTick func()
}

// New creates a Builder for the given interval minutes.
func New(intervals []int) *Builder {
	states := make([]map[string]*state, len(intervals))
	for i := range states {
		states[i] = make(map[string]*state, 64)
	}
	return &Builder{
		intervals:      intervals,
		states:         states,
		StaleTolerance: 2 * time.Second,
	}
}

// Intervals returns the enabled interval minutes.
func (b *Builder) Intervals() []int { return b.intervals }

// ProcessTick folds one tick into every enabled interval. Hot path: O(1) per
// interval.
func (b *Builder) ProcessTick(t model.Tick) {
	ts := t.TickTS.Unix()
	key := t.Key()

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, ivl := range b.intervals {
		step := int64(ivl) * 60
		bucket := ts - ts%step

		st, exists := b.states[i][key]

		if exists && bucket < st.bucket {
			lag := time.Duration(st.bucket-bucket) * time.Second
			if b.StaleTolerance > 0 && lag > b.StaleTolerance {
				if b.OnStaleTick != nil {
					b.OnStaleTick()
				}
				continue
			}
			// Within tolerance: fold into the forming bucket anyway.
			bucket = st.bucket
		}

		if exists && bucket > st.bucket {
			b.finalize(st)
			exists = false
		}

		if !exists {
			st = &state{
				bucket: bucket,
				candle: model.Candle{
					Token:       t.Token,
					Exchange:    t.Exchange,
					IntervalMin: ivl,
					TS:          time.Unix(bucket, 0).UTC(),
					Open:        t.Price,
					High:        t.Price,
					Low:         t.Price,
					Close:       t.Price,
					Volume:      t.Qty,
					TicksCount:  1,
					Source:      model.SourceLive,
					Forming:     true,
				},
			}
			b.states[i][key] = st
			b.emitForming(st)
			continue
		}

		c := &st.candle
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
		c.Volume += t.Qty
		c.TicksCount++
		b.emitForming(st)
	}
}

// FlushOld finalizes any forming candle whose bucket has fully elapsed at
// now. Called periodically so candles close even when ticks stop.
func (b *Builder) FlushOld(now time.Time) {
	ts := now.Unix()
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ivl := range b.intervals {
		step := int64(ivl) * 60
		for key, st := range b.states[i] {
			if st.bucket+step <= ts {
				b.finalize(st)
				delete(b.states[i], key)
			}
		}
	}
}

// FlushAll finalizes every forming candle (shutdown path).
func (b *Builder) FlushAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.intervals {
		for key, st := range b.states[i] {
			b.finalize(st)
			delete(b.states[i], key)
		}
	}
}

// Forming returns a snapshot of the forming candle for a series, ok=false if
// no bucket is open.
func (b *Builder) Forming(exchange, token string, intervalMin int) (model.Candle, bool) {
	key := exchange + ":" + token
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ivl := range b.intervals {
		if ivl != intervalMin {
			continue
		}
		if st, ok := b.states[i][key]; ok {
			return st.candle, true
		}
	}
	return model.Candle{}, false
}

func (b *Builder) finalize(st *state) {
	c := st.candle
	c.Forming = false
	if b.OnClose != nil {
		b.OnClose(c)
	} else {
		log.Printf("[livecandle] no OnClose handler, dropping candle %s %dm ts=%v",
			c.Key(), c.IntervalMin, c.TS)
	}
}

func (b *Builder) emitForming(st *state) {
	if b.OnForming == nil {
		return
	}
	snap := st.candle // copy; no pointer fields
	b.OnForming(snap)
}
