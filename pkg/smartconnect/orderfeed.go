package smartconnect

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"intraday-enginev1/internal/model"
)

const orderFeedURL = "wss://tns.angelone.in/smart-order-update"

// OrderFeed is the order-status websocket. It decodes broker order events
// into model.OrderUpdate and replays on reconnect, so consumers must dedup.
type OrderFeed struct {
	jwt string

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// OnUpdate receives each decoded order event. Required.
	OnUpdate func(model.OrderUpdate)
	// OnError receives read-loop errors (optional).
	OnError func(error)
}

// NewOrderFeed builds an order feed bound to an authenticated session.
func NewOrderFeed(jwt string) *OrderFeed {
	return &OrderFeed{jwt: jwt}
}

// Connect dials the feed and starts the read loop with reconnection.
func (f *OrderFeed) Connect() error {
	if err := f.dial(); err != nil {
		return err
	}
	go f.run()
	return nil
}

func (f *OrderFeed) dial() error {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+f.jwt)
	conn, _, err := websocket.DefaultDialer.Dial(orderFeedURL, h)
	if err != nil {
		return fmt.Errorf("order feed dial: %w", err)
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return nil
}

// Close stops the feed permanently.
func (f *OrderFeed) Close() {
	f.mu.Lock()
	f.closed = true
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
}

func (f *OrderFeed) run() {
	failures := 0
	for {
		err := f.readLoop()
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		if f.OnError != nil && err != nil {
			f.OnError(err)
		}
		failures++
		if failures > maxReconnects {
			log.Printf("[orderfeed] giving up after %d reconnect attempts", maxReconnects)
			return
		}
		backoff := time.Duration(failures) * 2 * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		time.Sleep(backoff)
		if err := f.dial(); err != nil {
			continue
		}
		failures = 0
	}
}

func (f *OrderFeed) readLoop() error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(heartbeatEvery)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				f.mu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
				f.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if u, ok := decodeOrderEvent(data); ok && f.OnUpdate != nil {
			f.OnUpdate(u)
		}
	}
}

// orderEvent is the broker's order-update envelope. Only the fields the
// engine consumes are decoded.
type orderEvent struct {
	OrderData struct {
		OrderID         string `json:"orderid"`
		SymbolToken     string `json:"symboltoken"`
		Exchange        string `json:"exchange"`
		TransactionType string `json:"transactiontype"`
		Status          string `json:"status"`
		Text            string `json:"text"`
		FilledShares    string `json:"filledshares"`
		UnfilledShares  string `json:"unfilledshares"`
		AveragePrice    string `json:"averageprice"`
		OrderTag        string `json:"ordertag"`
		UpdateTime      string `json:"updatetime"` // "26-Aug-2026 11:02:05"
	} `json:"orderData"`
}

func decodeOrderEvent(data []byte) (model.OrderUpdate, bool) {
	if len(data) == 0 || data[0] != '{' {
		return model.OrderUpdate{}, false // pong frames
	}
	var ev orderEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.OrderData.OrderID == "" {
		return model.OrderUpdate{}, false
	}
	d := ev.OrderData
	u := model.OrderUpdate{
		OrderID:         d.OrderID,
		Token:           d.SymbolToken,
		Exchange:        d.Exchange,
		TransactionType: d.TransactionType,
		Status:          normalizeStatus(d.Status),
		StatusMessage:   d.Text,
		FilledQty:       atoi64(d.FilledShares),
		PendingQty:      atoi64(d.UnfilledShares),
		AvgPrice:        toPaise(d.AveragePrice),
		Tag:             d.OrderTag,
	}
	if ts, err := time.ParseInLocation("02-Jan-2006 15:04:05", d.UpdateTime, istZone); err == nil {
		u.ExchangeTS = ts
	} else {
		u.ExchangeTS = time.Now()
	}
	return u, true
}

var istZone = time.FixedZone("IST", 5*3600+1800)

// normalizeStatus maps the broker's mixed-case, hyphenated statuses onto the
// engine's canonical set.
func normalizeStatus(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE", "FILLED", "EXECUTED":
		return model.OrderStatusComplete
	case "REJECTED":
		return model.OrderStatusRejected
	case "CANCELLED", "CANCELLED AFTER MARKET ORDER":
		return model.OrderStatusCancelled
	case "OPEN", "TRIGGER PENDING", "MODIFIED", "OPEN PENDING", "MODIFY PENDING":
		return model.OrderStatusOpen
	default:
		return model.OrderStatusPlaced
	}
}

func atoi64(s string) int64 {
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
