package ingest

import (
	"sync"
	"sync/atomic"

	"intraday-enginev1/internal/model"
)

// batchQueue is a bounded FIFO of tick batches. When full, the oldest batch
// is discarded (with a drop counter) so the broker callback never blocks.
type batchQueue struct {
	mu      sync.Mutex
	batches [][]model.Tick
	cap     int
	notify  chan struct{}
	dropped atomic.Uint64
}

func newBatchQueue(capacity int) *batchQueue {
	if capacity <= 0 {
		capacity = 4096
	}
	return &batchQueue{
		batches: make([][]model.Tick, 0, 64),
		cap:     capacity,
		notify:  make(chan struct{}, 1),
	}
}

// push appends a batch, dropping the oldest when beyond cap. Non-blocking.
func (q *batchQueue) push(batch []model.Tick) {
	q.mu.Lock()
	if len(q.batches) >= q.cap {
		q.batches = q.batches[1:]
		q.dropped.Add(1)
	}
	q.batches = append(q.batches, batch)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest batch, nil if empty.
func (q *batchQueue) pop() []model.Tick {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.batches) == 0 {
		return nil
	}
	b := q.batches[0]
	q.batches = q.batches[1:]
	return b
}

func (q *batchQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

// droppedCount returns the total number of discarded batches.
func (q *batchQueue) droppedCount() uint64 {
	return q.dropped.Load()
}
