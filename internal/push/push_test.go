package push

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/model"
)

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAuthRejectsBadSecret(t *testing.T) {
	h := NewHub("s3cret", nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCandleBroadcast(t *testing.T) {
	h := NewHub("s3cret", nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "s3cret")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	h.PublishCandle(model.Candle{
		Token: "2885", Exchange: "NSE", IntervalMin: 5,
		Open: 10000, High: 10050, Low: 9990, Close: 10040, Volume: 1200,
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string       `json:"type"`
		Data model.Candle `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "candle", ev.Type)
	assert.Equal(t, int64(10040), ev.Data.Close)
}

func TestLTPThrottlePerInstrument(t *testing.T) {
	h := NewHub("", nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	tick := model.Tick{Token: "2885", Exchange: "NSE", Price: 10000}
	h.PublishLTP(tick)
	tick.Price = 10005
	h.PublishLTP(tick) // inside the throttle window, dropped

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(first), `"price":10000`)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "second LTP inside throttle window should not arrive")
}

func TestDisconnectPrunesClient(t *testing.T) {
	h := NewHub("", nil)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}
