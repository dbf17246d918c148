package trade

import (
	"sync"
	"time"
)

// deduper drops replayed order updates. The broker re-delivers events after
// websocket reconnects, so each (orderId, status, exchangeTs) key is accepted
// once per TTL.
type deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDeduper(ttl time.Duration) *deduper {
	return &deduper{seen: make(map[string]time.Time), ttl: ttl}
}

// firstSeen records the key and reports whether it is new. Expired keys are
// pruned opportunistically.
func (d *deduper) firstSeen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return false
	}
	if len(d.seen) > 4096 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	d.seen[key] = now
	return true
}
