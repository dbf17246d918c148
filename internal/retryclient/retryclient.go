// Package retryclient wraps the broker client with retries, a circuit
// breaker, and request coalescing.
//
// Read calls (books, positions, margins, LTP) retry with jittered backoff and
// coalesce concurrent callers through singleflight. PlaceOrder NEVER retries:
// a timed-out placement may still have reached the exchange, and a blind
// retry would double the position. Auth failures raise HALT immediately.
package retryclient

import (
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/pkg/smartconnect"
)

// Broker is the slice of the SmartAPI client this wrapper fronts.
type Broker interface {
	PlaceOrder(p smartconnect.OrderParams) (string, error)
	ModifyOrder(orderID string, p smartconnect.OrderParams) error
	CancelOrder(orderID, variety string) error
	OrderBook() ([]model.Order, error)
	Positions() ([]model.Position, error)
	AvailableCash() (int64, error)
	LTP(exchange, tradingSymbol, token string) (int64, error)
	HistoricalCandles(exchange, token, interval string, from, to time.Time) ([]model.Candle, error)
}

// Options tune retry and breaker behavior.
type Options struct {
	MaxAttempts int           // read-call attempts, >= 1
	BaseDelay   time.Duration // first backoff step
	MaxDelay    time.Duration

	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenFor      time.Duration
}

// DefaultOptions mirror the engine defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:         3,
		BaseDelay:           250 * time.Millisecond,
		MaxDelay:            2 * time.Second,
		BreakerMinRequests:  5,
		BreakerFailureRatio: 0.6,
		BreakerOpenFor:      30 * time.Second,
	}
}

// Client is the retrying broker front. Safe for concurrent use.
type Client struct {
	broker  Broker
	bus     *halt.Bus
	opts    Options
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group

	// OnRetry fires before each retry sleep (optional, metrics).
	OnRetry func()
	// OnBreakerChange fires on breaker state transitions (optional).
	OnBreakerChange func(to gobreaker.State)
	// OnPlaceOrder fires after every placement attempt with its latency and
	// outcome (optional).
	OnPlaceOrder func(p smartconnect.OrderParams, d time.Duration, err error)
}

// New wraps a broker. bus may be nil (no halt escalation, used in tests).
func New(broker Broker, bus *halt.Bus, opts Options) *Client {
	c := &Client{broker: broker, bus: bus, opts: opts}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     opts.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[retryclient] breaker %s: %s -> %s", name, from, to)
			if c.OnBreakerChange != nil {
				c.OnBreakerChange(to)
			}
		},
	})
	return c
}

// BreakerOpen reports whether the breaker currently rejects calls.
func (c *Client) BreakerOpen() bool {
	return c.breaker.State() == gobreaker.StateOpen
}

// PlaceOrder submits exactly one placement attempt through the breaker.
func (c *Client) PlaceOrder(p smartconnect.OrderParams) (string, error) {
	start := time.Now()
	res, err := c.breaker.Execute(func() (any, error) {
		return c.broker.PlaceOrder(p)
	})
	if c.OnPlaceOrder != nil {
		c.OnPlaceOrder(p, time.Since(start), err)
	}
	if err != nil {
		c.escalateAuth(err)
		return "", err
	}
	return res.(string), nil
}

// ModifyOrder retries: a replayed modify converges to the same book state.
func (c *Client) ModifyOrder(orderID string, p smartconnect.OrderParams) error {
	_, err := c.retry("modify:"+orderID, func() (any, error) {
		return nil, c.broker.ModifyOrder(orderID, p)
	})
	return err
}

// CancelOrder retries; cancelling an already-cancelled order is harmless.
func (c *Client) CancelOrder(orderID, variety string) error {
	_, err := c.retry("cancel:"+orderID, func() (any, error) {
		return nil, c.broker.CancelOrder(orderID, variety)
	})
	return err
}

// OrderBook coalesces concurrent callers onto one broker request.
func (c *Client) OrderBook() ([]model.Order, error) {
	v, err, _ := c.group.Do("orderbook", func() (any, error) {
		return c.retry("orderbook", func() (any, error) { return c.broker.OrderBook() })
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Order), nil
}

// Positions coalesces concurrent callers onto one broker request.
func (c *Client) Positions() ([]model.Position, error) {
	v, err, _ := c.group.Do("positions", func() (any, error) {
		return c.retry("positions", func() (any, error) { return c.broker.Positions() })
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Position), nil
}

// AvailableCash coalesces concurrent callers onto one broker request.
func (c *Client) AvailableCash() (int64, error) {
	v, err, _ := c.group.Do("margins", func() (any, error) {
		return c.retry("margins", func() (any, error) { return c.broker.AvailableCash() })
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// LTP retries without coalescing; keys differ per instrument and calls are
// cheap.
func (c *Client) LTP(exchange, tradingSymbol, token string) (int64, error) {
	v, err := c.retry("ltp", func() (any, error) {
		return c.broker.LTP(exchange, tradingSymbol, token)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// HistoricalCandles retries; used for warmup backfill only.
func (c *Client) HistoricalCandles(exchange, token, interval string, from, to time.Time) ([]model.Candle, error) {
	v, err := c.retry("candles", func() (any, error) {
		return c.broker.HistoricalCandles(exchange, token, interval, from, to)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Candle), nil
}

// retry runs fn through the breaker with jittered exponential backoff.
// Auth errors and an open breaker short-circuit: neither improves on retry.
func (c *Client) retry(what string, fn func() (any, error)) (any, error) {
	var lastErr error
	delay := c.opts.BaseDelay
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res, err := c.breaker.Execute(fn)
		if err == nil {
			return res, nil
		}
		lastErr = err
		c.escalateAuth(err)
		if smartconnect.IsAuthError(err) || errors.Is(err, gobreaker.ErrOpenState) {
			return nil, err
		}
		if attempt == c.opts.MaxAttempts {
			break
		}
		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		log.Printf("[retryclient] %s attempt %d/%d failed: %v (retrying in %s)",
			what, attempt, c.opts.MaxAttempts, err, sleep)
		if c.OnRetry != nil {
			c.OnRetry()
		}
		time.Sleep(sleep)
		delay *= 2
		if delay > c.opts.MaxDelay {
			delay = c.opts.MaxDelay
		}
	}
	return nil, lastErr
}

func (c *Client) escalateAuth(err error) {
	if c.bus != nil && smartconnect.IsAuthError(err) {
		c.bus.Fatal(halt.CauseAuth, "BROKER_AUTH", err.Error())
	}
}
