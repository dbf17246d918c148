// Package halt provides the process-wide HALT flag and the error bus.
//
// When HALT is set, new entries are rejected; open positions keep being
// managed and reconcile loops keep running. Broker auth failures and fatal
// internal errors must set HALT with a persisted kill reason.
package halt

import (
	"context"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const killReasonKey = "engine:kill_reason"

// Cause classifies why HALT was raised.
type Cause string

const (
	CauseAuth     Cause = "BROKER_AUTH"
	CausePanic    Cause = "INTERNAL_PANIC"
	CauseManual   Cause = "MANUAL"
	CauseFatalErr Cause = "FATAL_ERROR"
)

// Event is one error-bus entry.
type Event struct {
	Code    string    `json:"code"` // short code, e.g. ORDER_REJECT, WS_ERROR
	Message string    `json:"message"`
	At      time.Time `json:"at"`
	Fatal   bool      `json:"fatal"`
}

// Bus is the process-wide halt flag plus a bounded error event ring.
type Bus struct {
	mu         sync.RWMutex
	halted     bool
	cause      Cause
	reason     string
	haltedAt   time.Time
	killSwitch bool

	events []Event
	maxEv  int

	redis *goredis.Client // optional, persists kill reason

	// OnHalt is called once per Halt transition (optional).
	OnHalt func(cause Cause, reason string)
}

// NewBus creates an error bus. redisClient may be nil (no persistence).
func NewBus(redisClient *goredis.Client) *Bus {
	return &Bus{maxEv: 256, redis: redisClient}
}

// Report records a non-fatal error event.
func (b *Bus) Report(code, message string) {
	b.record(Event{Code: code, Message: message, At: time.Now(), Fatal: false})
}

// Fatal records a fatal event and raises HALT.
func (b *Bus) Fatal(cause Cause, code, message string) {
	b.record(Event{Code: code, Message: message, At: time.Now(), Fatal: true})
	b.Halt(cause, message)
}

func (b *Bus) record(ev Event) {
	b.mu.Lock()
	if len(b.events) >= b.maxEv {
		b.events = b.events[1:] // drop oldest
	}
	b.events = append(b.events, ev)
	b.mu.Unlock()
	log.Printf("[errorbus] %s: %s (fatal=%v)", ev.Code, ev.Message, ev.Fatal)
}

// Halt raises the HALT flag with a cause. Idempotent; only the first call's
// cause is kept.
func (b *Bus) Halt(cause Cause, reason string) {
	b.mu.Lock()
	if b.halted {
		b.mu.Unlock()
		return
	}
	b.halted = true
	b.cause = cause
	b.reason = reason
	b.haltedAt = time.Now()
	if cause == CauseAuth || cause == CausePanic {
		b.killSwitch = true
	}
	onHalt := b.OnHalt
	b.mu.Unlock()

	log.Printf("[halt] HALT set: cause=%s reason=%s", cause, reason)
	b.persistKillReason(string(cause) + ": " + reason)
	if onHalt != nil {
		onHalt(cause, reason)
	}
}

// Halted reports whether HALT is set.
func (b *Bus) Halted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.halted
}

// KillSwitch reports whether the kill switch is latched. An admin halt reset
// clears HALT but not the kill switch.
func (b *Bus) KillSwitch() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.killSwitch
}

// SetKillSwitch toggles the kill switch directly (admin surface).
func (b *Bus) SetKillSwitch(on bool) {
	b.mu.Lock()
	b.killSwitch = on
	b.mu.Unlock()
	log.Printf("[halt] kill switch set to %v", on)
}

// Reset clears HALT but leaves the kill switch untouched.
func (b *Bus) Reset() {
	b.mu.Lock()
	b.halted = false
	b.cause = ""
	b.reason = ""
	b.mu.Unlock()
	log.Printf("[halt] HALT cleared (kill switch unchanged)")
}

// Status returns the current halt state.
func (b *Bus) Status() (halted bool, cause Cause, reason string, at time.Time) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.halted, b.cause, b.reason, b.haltedAt
}

// Events returns a snapshot of recent error events.
func (b *Bus) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp := make([]Event, len(b.events))
	copy(cp, b.events)
	return cp
}

func (b *Bus) persistKillReason(reason string) {
	if b.redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.redis.Set(ctx, killReasonKey, reason, 0).Err(); err != nil {
		log.Printf("[halt] persist kill reason: %v", err)
	}
}

// PersistedKillReason reads the last persisted kill reason, "" if none.
func (b *Bus) PersistedKillReason(ctx context.Context) string {
	if b.redis == nil {
		return ""
	}
	v, err := b.redis.Get(ctx, killReasonKey).Result()
	if err != nil {
		return ""
	}
	return v
}
