package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intraday-enginev1/internal/governor"
	"intraday-enginev1/internal/halt"
	"intraday-enginev1/internal/model"
	"intraday-enginev1/internal/optimizer"
	"intraday-enginev1/internal/risk"
	"intraday-enginev1/internal/telemetry"
)

type stubTrades struct {
	open   []*model.Trade
	closed int
	gate   bool
}

func (s *stubTrades) OpenTrades() []*model.Trade { return s.open }
func (s *stubTrades) FactGate() bool             { return s.gate }
func (s *stubTrades) CloseAll(reason string) int { return s.closed }

func newTestServer(t *testing.T, bus *halt.Bus, src TradeSource) *Server {
	t.Helper()
	sink, err := telemetry.New(16, "")
	require.NoError(t, err)
	return New(bus, risk.New(bus, nil), governor.New(governor.DefaultLimits(), nil),
		optimizer.New(optimizer.DefaultOptions(), nil), sink, src, nil, nil, nil, nil)
}

func get(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthAndStatus(t *testing.T) {
	bus := halt.NewBus(nil)
	s := newTestServer(t, bus, &stubTrades{gate: true})
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	code, body := get(t, srv, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	code, body = get(t, srv, "/api/v1/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["halted"])
	assert.Equal(t, true, body["factGate"])
}

func TestKillSwitchAndHaltReset(t *testing.T) {
	bus := halt.NewBus(nil)
	s := newTestServer(t, bus, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	code, body := post(t, srv, "/api/v1/kill", `{"on":true}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["killSwitch"])
	assert.True(t, bus.Halted())
	assert.True(t, bus.KillSwitch())

	// Reset clears HALT but the kill switch stays latched.
	code, body = post(t, srv, "/api/v1/halt/reset", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["killSwitch"])
	assert.False(t, bus.Halted())
	assert.True(t, bus.KillSwitch())
}

func TestCriticalHealthReportsHalt(t *testing.T) {
	bus := halt.NewBus(nil)
	bus.Halt(halt.CauseAuth, "session expired")
	s := newTestServer(t, bus, nil)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	code, body := get(t, srv, "/api/v1/health/critical")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["ok"])
	checks := body["checks"].(map[string]any)
	assert.Contains(t, checks["halt"], "BROKER_AUTH")
}

func TestCloseAll(t *testing.T) {
	bus := halt.NewBus(nil)
	s := newTestServer(t, bus, &stubTrades{closed: 2})
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	code, body := post(t, srv, "/api/v1/trades/closeall", `{}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["closed"])
}
