// Package push is the outbound websocket surface: dashboards subscribe with a
// shared secret and receive candle closes, trade lifecycle events, and
// throttled LTP updates as JSON frames. Events also publish to redis pub/sub
// channels so off-process consumers can tail the same feed.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"intraday-enginev1/internal/model"
)

// Redis pub/sub channels.
const (
	ChannelCandles = "engine:pub:candles"
	ChannelTrades  = "engine:pub:trades"
	ChannelLTP     = "engine:pub:ltp"
)

const (
	writeWait      = 5 * time.Second
	clientBuf      = 128
	ltpMinInterval = 500 * time.Millisecond
	barMinInterval = time.Second
)

// Event is one push frame.
type Event struct {
	Type string `json:"type"` // candle | bar | trade | ltp
	Data any    `json:"data"`
	At   int64  `json:"at"` // unix millis
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	secret string
	redis  *goredis.Client // optional

	mu      sync.Mutex
	clients map[*client]struct{}

	lastLTP sync.Map // "exchange:token" → time.Time of last push
	lastBar sync.Map // series key → time.Time of last forming-bar push

	upgrader websocket.Upgrader
}

// NewHub creates a hub. redisClient may be nil to skip pub/sub mirroring.
func NewHub(secret string, redisClient *goredis.Client) *Hub {
	return &Hub{
		secret:  secret,
		redis:   redisClient,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades a subscriber connection. Auth is a shared secret in the
// "token" query parameter or the X-Push-Token header.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.secret != "" {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = r.Header.Get("X-Push-Token")
			}
			if token != h.secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := &client{conn: conn, send: make(chan []byte, clientBuf)}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		n := len(h.clients)
		h.mu.Unlock()
		log.Printf("[push] client connected (%d total)", n)

		go h.writeLoop(c)
		go h.readLoop(c)
	}
}

func (h *Hub) writeLoop(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop drains control frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.drop(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	log.Printf("[push] client disconnected (%d total)", n)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast sends to every client, dropping the frame for slow ones.
func (h *Hub) broadcast(ev Event) {
	ev.At = time.Now().UnixMilli()
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	h.mu.Lock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default: // slow subscriber, skip
		}
	}
	h.mu.Unlock()
}

func (h *Hub) mirror(channel string, ev Event) {
	if h.redis == nil {
		return
	}
	msg, _ := json.Marshal(ev)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.redis.Publish(ctx, channel, msg).Err(); err != nil {
		log.Printf("[push] redis publish %s: %v", channel, err)
	}
}

// PublishCandle pushes a closed candle.
func (h *Hub) PublishCandle(c model.Candle) {
	ev := Event{Type: "candle", Data: c}
	h.broadcast(ev)
	h.mirror(ChannelCandles, ev)
}

// PublishBar pushes a forming-candle snapshot, throttled per series. Forming
// bars update on every tick, so they are not mirrored to redis.
func (h *Hub) PublishBar(c model.Candle) {
	key := c.SeriesKey()
	now := time.Now()
	if v, ok := h.lastBar.Load(key); ok && now.Sub(v.(time.Time)) < barMinInterval {
		return
	}
	h.lastBar.Store(key, now)
	h.broadcast(Event{Type: "bar", Data: c})
}

// PublishTrade pushes a trade lifecycle event.
func (h *Hub) PublishTrade(t *model.Trade) {
	cp := *t
	ev := Event{Type: "trade", Data: &cp}
	h.broadcast(ev)
	h.mirror(ChannelTrades, ev)
}

// ltpFrame is the compact LTP push payload.
type ltpFrame struct {
	Token    string `json:"token"`
	Exchange string `json:"exchange"`
	Price    int64  `json:"price"` // paise
}

// PublishLTP pushes a price update, throttled per instrument.
func (h *Hub) PublishLTP(t model.Tick) {
	key := t.Key()
	now := time.Now()
	if v, ok := h.lastLTP.Load(key); ok && now.Sub(v.(time.Time)) < ltpMinInterval {
		return
	}
	h.lastLTP.Store(key, now)

	ev := Event{Type: "ltp", Data: ltpFrame{Token: t.Token, Exchange: t.Exchange, Price: t.Price}}
	h.broadcast(ev)
	h.mirror(ChannelLTP, ev)
}

// RunCandleFeed consumes a candle subscription and pushes each close. Blocks
// until ctx is cancelled or the channel closes.
func (h *Hub) RunCandleFeed(ctx context.Context, candles <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candles:
			if !ok {
				return
			}
			h.PublishCandle(c)
		}
	}
}

// Serve runs the push HTTP server until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[push] listening on %s", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
