package smartconnect

import (
	"encoding/binary"
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

const feedURL = "wss://smartapisocket.angelone.in/smart-stream"

// Subscription modes.
const (
	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

const (
	heartbeatEvery = 28 * time.Second
	maxReconnects  = 10
	batchFlush     = 50 * time.Millisecond
	maxBatch       = 200
)

var exchangeNames = map[byte]string{
	1:  "NSE",
	2:  "NFO",
	3:  "BSE",
	4:  "BFO",
	5:  "MCX",
	7:  "NCX",
	13: "CDS",
}

var exchangeTypes = map[string]int{
	"NSE": 1,
	"NFO": 2,
	"BSE": 3,
	"BFO": 4,
	"MCX": 5,
	"NCX": 7,
	"CDS": 13,
}

// Ticker is the SmartAPI market-data websocket. It parses binary frames into
// model.Tick batches and hands them to OnTicks without blocking the read loop
// longer than the callback itself.
type Ticker struct {
	apiKey     string
	clientCode string
	jwt        string
	feedToken  string
	mode       int

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string][]string // exchange → tokens, survives reconnects
	closed bool

	// OnTicks receives parsed tick batches. Required.
	OnTicks func([]model.Tick)
	// OnReconnect fires after the socket reopens and subscriptions must be
	// replayed; the owner usually calls Resubscribe from it.
	OnReconnect func()
	// OnError receives read-loop errors (optional).
	OnError func(error)
}

// NewTicker builds a ticker bound to an authenticated session.
func NewTicker(apiKey, clientCode, jwt, feedToken string, mode int) *Ticker {
	if mode == 0 {
		mode = ModeSnapQuote
	}
	return &Ticker{
		apiKey:     apiKey,
		clientCode: clientCode,
		jwt:        jwt,
		feedToken:  feedToken,
		mode:       mode,
		subs:       make(map[string][]string),
	}
}

// Connect dials the feed and starts the read and heartbeat loops. Reconnects
// with backoff until Close or maxReconnects consecutive failures.
func (t *Ticker) Connect() error {
	if err := t.dial(); err != nil {
		return err
	}
	go t.run()
	return nil
}

func (t *Ticker) dial() error {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.jwt)
	h.Set("x-api-key", t.apiKey)
	h.Set("x-client-code", t.clientCode)
	h.Set("x-feed-token", t.feedToken)

	conn, _, err := websocket.DefaultDialer.Dial(feedURL, h)
	if err != nil {
		return fmt.Errorf("feed dial: %w", err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Subscribe adds tokens (grouped by exchange segment name, e.g. "NSE") and
// sends the subscribe frame. Tokens are remembered for reconnect replay.
func (t *Ticker) Subscribe(byExchange map[string][]string) error {
	t.mu.Lock()
	for ex, toks := range byExchange {
		seen := make(map[string]bool, len(t.subs[ex]))
		for _, tok := range t.subs[ex] {
			seen[tok] = true
		}
		for _, tok := range toks {
			if !seen[tok] {
				t.subs[ex] = append(t.subs[ex], tok)
			}
		}
	}
	t.mu.Unlock()
	return t.sendSubscribe(byExchange, 1)
}

// Unsubscribe removes tokens and sends the unsubscribe frame.
func (t *Ticker) Unsubscribe(byExchange map[string][]string) error {
	t.mu.Lock()
	for ex, toks := range byExchange {
		drop := make(map[string]bool, len(toks))
		for _, tok := range toks {
			drop[tok] = true
		}
		kept := t.subs[ex][:0]
		for _, tok := range t.subs[ex] {
			if !drop[tok] {
				kept = append(kept, tok)
			}
		}
		t.subs[ex] = kept
	}
	t.mu.Unlock()
	return t.sendSubscribe(byExchange, 0)
}

// Resubscribe replays the full remembered subscription set.
func (t *Ticker) Resubscribe() error {
	t.mu.Lock()
	snapshot := make(map[string][]string, len(t.subs))
	for ex, toks := range t.subs {
		snapshot[ex] = append([]string(nil), toks...)
	}
	t.mu.Unlock()
	if len(snapshot) == 0 {
		return nil
	}
	return t.sendSubscribe(snapshot, 1)
}

func (t *Ticker) sendSubscribe(byExchange map[string][]string, action int) error {
	type tokenList struct {
		ExchangeType int      `json:"exchangeType"`
		Tokens       []string `json:"tokens"`
	}
	var lists []tokenList
	for ex, toks := range byExchange {
		et, ok := exchangeTypes[ex]
		if !ok || len(toks) == 0 {
			continue
		}
		lists = append(lists, tokenList{ExchangeType: et, Tokens: toks})
	}
	if len(lists) == 0 {
		return nil
	}
	req := map[string]any{
		"correlationID": "engine",
		"action":        action,
		"params": map[string]any{
			"mode":      t.mode,
			"tokenList": lists,
		},
	}
	data, _ := json.Marshal(req)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close shuts the ticker down; run loop exits without reconnecting.
func (t *Ticker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.conn != nil {
		t.conn.Close()
	}
	t.mu.Unlock()
}

func (t *Ticker) run() {
	failures := 0
	for {
		err := t.readLoop()
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if t.OnError != nil && err != nil {
			t.OnError(err)
		}

		failures++
		if failures > maxReconnects {
			log.Printf("[ticker] giving up after %d reconnect attempts", maxReconnects)
			if t.OnError != nil {
				t.OnError(fmt.Errorf("feed reconnect attempts exhausted"))
			}
			return
		}
		backoff := time.Duration(failures) * 2 * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		log.Printf("[ticker] feed dropped (%v), reconnecting in %s", err, backoff)
		time.Sleep(backoff)

		if err := t.dial(); err != nil {
			continue
		}
		failures = 0
		if t.OnReconnect != nil {
			t.OnReconnect()
		}
	}
}

// readLoop reads until the connection dies, batching ticks on a short flush
// window so candle building sees coalesced bursts instead of one call per
// frame.
func (t *Ticker) readLoop() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	stop := make(chan struct{})
	defer close(stop)
	go t.heartbeat(conn, stop)

	var (
		batch   []model.Tick
		lastOut = time.Now()
	)
	flush := func() {
		if len(batch) > 0 && t.OnTicks != nil {
			t.OnTicks(batch)
			batch = nil
		}
		lastOut = time.Now()
	}
	defer flush()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue // pong and error text frames
		}
		if tick, ok := t.parseFrame(data); ok {
			batch = append(batch, tick)
		}
		if len(batch) >= maxBatch || time.Since(lastOut) >= batchFlush {
			flush()
		}
	}
}

func (t *Ticker) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	tk := time.NewTicker(heartbeatEvery)
	defer tk.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tk.C:
			t.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Binary frame offsets (little endian). Prices arrive already scaled to
// paise. LTP mode frames are 51 bytes, quote 123, snapquote 379.
const (
	offMode      = 0
	offExchange  = 1
	offToken     = 2 // 25 bytes, null padded
	offTimestamp = 35
	offLTP       = 43
	offLastQty   = 51
	offVolume    = 67
	offBestFive  = 147 // snapquote only: 10 x 20-byte depth packets
)

func (t *Ticker) parseFrame(data []byte) (model.Tick, bool) {
	if len(data) < offLTP+8 {
		return model.Tick{}, false
	}
	tick := model.Tick{
		Exchange: exchangeNames[data[offExchange]],
		Token:    strings.TrimRight(string(data[offToken:offToken+25]), "\x00"),
		Price:    int64(binary.LittleEndian.Uint64(data[offLTP : offLTP+8])),
	}
	if ms := int64(binary.LittleEndian.Uint64(data[offTimestamp : offTimestamp+8])); ms > 0 {
		tick.TickTS = time.UnixMilli(ms).UTC()
	}
	mode := data[offMode]
	if mode >= ModeQuote && len(data) >= offVolume+8 {
		tick.Qty = int64(binary.LittleEndian.Uint64(data[offLastQty : offLastQty+8]))
		tick.Volume = int64(binary.LittleEndian.Uint64(data[offVolume : offVolume+8]))
	}
	if mode == ModeSnapQuote && len(data) >= offBestFive+200 {
		tick.BestBid, tick.BestAsk = parseBestFive(data[offBestFive : offBestFive+200])
	}
	return tick, true
}

// parseBestFive extracts the top-of-book bid and ask from the ten 20-byte
// depth packets: flag(2) qty(8) price(8) orders(2), buy flag = 1.
func parseBestFive(depth []byte) (bestBid, bestAsk int64) {
	for i := 0; i < 10; i++ {
		p := depth[i*20 : i*20+20]
		flag := binary.LittleEndian.Uint16(p[0:2])
		price := int64(binary.LittleEndian.Uint64(p[10:18]))
		if price <= 0 {
			continue
		}
		if flag == 1 {
			if price > bestBid {
				bestBid = price
			}
		} else if bestAsk == 0 || price < bestAsk {
			bestAsk = price
		}
	}
	return bestBid, bestAsk
}
