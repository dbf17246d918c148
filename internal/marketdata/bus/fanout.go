// Package bus broadcasts closed candles from a single input channel to N
// subscriber channels. If a subscriber's channel is full, the candle is
// dropped for that consumer so a slow consumer never blocks the pipeline.
package bus

import (
	"context"
	"log"
	"sync"

	"intraday-enginev1/internal/model"
)

// FanOut distributes candle-close events to subscribers.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Candle
	bufSize int

	// OnDrop is called when a candle is dropped for a subscriber.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel.
func (f *FanOut) Subscribe() <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Publish sends a candle to all subscribers without blocking.
func (f *FanOut) Publish(c model.Candle) {
	f.mu.RLock()
	for i, ch := range f.outputs {
		select {
		case ch <- c:
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			} else {
				log.Printf("[bus] output channel %d full, dropping candle %s", i, c.Key())
			}
		}
	}
	f.mu.RUnlock()
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-input:
			if !ok {
				return
			}
			f.Publish(c)
		}
	}
}
