// Package ratelimit implements the order admission rate limiter with
// per-second and per-minute buckets.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter admits orders subject to per-second and per-minute caps.
// Check is idempotent for the same now timestamp only in the sense that
// repeated calls consume from the same bucket window.
type Limiter struct {
	mu sync.Mutex

	perSec int
	perMin int

	secWindow int64 // unix second of current window
	secCount  int
	minWindow int64 // unix minute of current window
	minCount  int
}

// New creates a Limiter. Non-positive caps disable the corresponding bucket.
func New(perSec, perMin int) *Limiter {
	return &Limiter{perSec: perSec, perMin: perMin}
}

// Check returns true and records an admission if both buckets have room at
// now. A denial consumes nothing.
func (l *Limiter) Check(now time.Time) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sec := now.Unix()
	min := sec / 60

	if sec != l.secWindow {
		l.secWindow = sec
		l.secCount = 0
	}
	if min != l.minWindow {
		l.minWindow = min
		l.minCount = 0
	}

	if l.perSec > 0 && l.secCount >= l.perSec {
		return false, "per-second order cap reached"
	}
	if l.perMin > 0 && l.minCount >= l.perMin {
		return false, "per-minute order cap reached"
	}

	l.secCount++
	l.minCount++
	return true, ""
}

// Stats returns the current window counts (for the admin surface).
func (l *Limiter) Stats() (secCount, minCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.secCount, l.minCount
}
