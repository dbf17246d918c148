// Package smartconnect is the Angel One SmartAPI boundary: REST client for
// session, orders, books, and historical candles, plus the market-data
// websocket ticker. It exposes typed methods returning model structs; callers
// never see raw response maps.
package smartconnect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"intraday-enginev1/internal/model"
)

const defaultRoot = "https://apiconnect.angelone.in"

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place":  "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.modify": "/rest/secure/angelbroking/order/v1/modifyOrder",
	"api.order.cancel": "/rest/secure/angelbroking/order/v1/cancelOrder",
	"api.order.book":   "/rest/secure/angelbroking/order/v1/getOrderBook",

	"api.ltp.data":    "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.rms.limit":   "/rest/secure/angelbroking/user/v1/getRMS",
	"api.position":    "/rest/secure/angelbroking/order/v1/getPosition",
	"api.candle.data": "/rest/secure/angelbroking/historical/v1/getCandleData",
	"api.search":      "/rest/secure/angelbroking/order/v1/searchScrip",
}

// AuthError marks failures that mean the session is gone. The caller must
// HALT rather than retry.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("broker auth error %s: %s", e.Code, e.Message)
}

// IsAuthError reports whether err is a session/auth failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// Config holds credentials and client knobs.
type Config struct {
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string

	RootURL string
	Timeout time.Duration

	ClientLocalIP  string
	ClientPublicIP string
	ClientMAC      string
}

// Client is the SmartAPI REST client. Safe for concurrent use after Login.
type Client struct {
	cfg  Config
	http *http.Client

	accessToken  string
	refreshToken string
	feedToken    string

	// SessionExpiryHook fires on a 403 TokenException.
	SessionExpiryHook func()
}

// New creates a client; call Login before using authenticated methods.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.ClientLocalIP == "" {
		cfg.ClientLocalIP = "127.0.0.1"
	}
	if cfg.ClientPublicIP == "" {
		cfg.ClientPublicIP = "106.193.147.98"
	}
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = "00:11:22:33:44:55"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// FeedToken returns the websocket feed token obtained at login.
func (c *Client) FeedToken() string { return c.feedToken }

// AccessToken returns the current JWT.
func (c *Client) AccessToken() string { return c.accessToken }

// Login generates a TOTP from the configured secret and opens a session.
func (c *Client) Login() error {
	code, err := totp.GenerateCode(c.cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("totp generate: %w", err)
	}
	res, err := c.post("api.login", map[string]any{
		"clientcode": c.cfg.ClientCode,
		"password":   c.cfg.Password,
		"totp":       code,
	})
	if err != nil {
		return &AuthError{Code: "LOGIN_FAILED", Message: err.Error()}
	}
	data, ok := res["data"].(map[string]any)
	if !ok {
		return &AuthError{Code: "LOGIN_FAILED", Message: "unexpected login response"}
	}
	c.accessToken, _ = data["jwtToken"].(string)
	c.refreshToken, _ = data["refreshToken"].(string)
	c.feedToken, _ = data["feedToken"].(string)
	if c.accessToken == "" {
		return &AuthError{Code: "LOGIN_FAILED", Message: "empty jwt in login response"}
	}
	return nil
}

// Logout terminates the session.
func (c *Client) Logout() error {
	_, err := c.post("api.logout", map[string]any{"clientcode": c.cfg.ClientCode})
	return err
}

// OrderParams is a typed order placement request. Prices in paise.
type OrderParams struct {
	Variety         string // NORMAL, STOPLOSS
	TradingSymbol   string
	Token           string
	TransactionType string // BUY, SELL
	Exchange        string
	OrderType       string // MARKET, LIMIT, SL, SL-M
	ProductType     string // INTRADAY
	Qty             int64
	Price           int64 // paise; 0 for market
	TriggerPrice    int64 // paise
	Tag             string
}

// PlaceOrder submits an order and returns the broker order id. Not retryable:
// a timeout may still have placed the order.
func (c *Client) PlaceOrder(p OrderParams) (string, error) {
	res, err := c.post("api.order.place", orderBody(p, ""))
	if err != nil {
		return "", err
	}
	if data, ok := res["data"].(map[string]any); ok {
		if oid, _ := data["orderid"].(string); oid != "" {
			return oid, nil
		}
	}
	return "", fmt.Errorf("place order: missing orderid in response")
}

// ModifyOrder replaces price/trigger/qty on a pending order.
func (c *Client) ModifyOrder(orderID string, p OrderParams) error {
	_, err := c.post("api.order.modify", orderBody(p, orderID))
	return err
}

// CancelOrder cancels a pending order.
func (c *Client) CancelOrder(orderID, variety string) error {
	_, err := c.post("api.order.cancel", map[string]any{"variety": variety, "orderid": orderID})
	return err
}

// OrderBook fetches today's orders.
func (c *Client) OrderBook() ([]model.Order, error) {
	res, err := c.get("api.order.book", nil)
	if err != nil {
		return nil, err
	}
	rows, _ := res["data"].([]any)
	out := make([]model.Order, 0, len(rows))
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Order{
			OrderID:         str(m, "orderid"),
			Token:           str(m, "symboltoken"),
			Exchange:        str(m, "exchange"),
			TradingSymbol:   str(m, "tradingsymbol"),
			TransactionType: str(m, "transactiontype"),
			OrderType:       str(m, "ordertype"),
			ProductType:     str(m, "producttype"),
			Variety:         str(m, "variety"),
			Qty:             paiseQty(m, "quantity"),
			Price:           rupeesToPaise(m, "price"),
			TriggerPrice:    rupeesToPaise(m, "triggerprice"),
			Status:          normalizeStatus(str(m, "status")),
			StatusMessage:   str(m, "text"),
			FilledQty:       paiseQty(m, "filledshares"),
			AvgPrice:        rupeesToPaise(m, "averageprice"),
			Tag:             str(m, "ordertag"),
		})
	}
	return out, nil
}

// Positions fetches the net position book.
func (c *Client) Positions() ([]model.Position, error) {
	res, err := c.get("api.position", nil)
	if err != nil {
		return nil, err
	}
	rows, _ := res["data"].([]any)
	out := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Position{
			Token:         str(m, "symboltoken"),
			Exchange:      str(m, "exchange"),
			TradingSymbol: str(m, "tradingsymbol"),
			ProductType:   str(m, "producttype"),
			Qty:           paiseQty(m, "netqty"),
			AvgPrice:      rupeesToPaise(m, "netprice"),
			LastPrice:     rupeesToPaise(m, "ltp"),
			RealizedPnL:   rupeesToPaise(m, "realised"),
		})
	}
	return out, nil
}

// AvailableCash returns the free margin in paise.
func (c *Client) AvailableCash() (int64, error) {
	res, err := c.get("api.rms.limit", nil)
	if err != nil {
		return 0, err
	}
	if data, ok := res["data"].(map[string]any); ok {
		return rupeesToPaise(data, "availablecash"), nil
	}
	return 0, fmt.Errorf("rms: missing data")
}

// LTP fetches the last traded price for one instrument, in paise.
func (c *Client) LTP(exchange, tradingSymbol, token string) (int64, error) {
	res, err := c.post("api.ltp.data", map[string]any{
		"exchange": exchange, "tradingsymbol": tradingSymbol, "symboltoken": token,
	})
	if err != nil {
		return 0, err
	}
	if data, ok := res["data"].(map[string]any); ok {
		return rupeesToPaise(data, "ltp"), nil
	}
	return 0, fmt.Errorf("ltp: missing data")
}

// HistoricalCandles fetches candles for warmup/backfill. interval is the
// broker label, e.g. "ONE_MINUTE", "FIVE_MINUTE".
func (c *Client) HistoricalCandles(exchange, token, interval string, from, to time.Time) ([]model.Candle, error) {
	res, err := c.post("api.candle.data", map[string]any{
		"exchange":    exchange,
		"symboltoken": token,
		"interval":    interval,
		"fromdate":    from.Format("2006-01-02 15:04"),
		"todate":      to.Format("2006-01-02 15:04"),
	})
	if err != nil {
		return nil, err
	}
	rows, _ := res["data"].([]any)
	ivl := intervalMinutes(interval)
	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		arr, ok := r.([]any)
		if !ok || len(arr) < 6 {
			continue
		}
		ts, err := time.Parse("2006-01-02T15:04:05-07:00", fmt.Sprint(arr[0]))
		if err != nil {
			continue
		}
		out = append(out, model.Candle{
			Token:       token,
			Exchange:    exchange,
			IntervalMin: ivl,
			TS:          ts,
			Open:        toPaise(arr[1]),
			High:        toPaise(arr[2]),
			Low:         toPaise(arr[3]),
			Close:       toPaise(arr[4]),
			Volume:      toInt64(arr[5]),
			Source:      model.SourceHistorical,
		})
	}
	return out, nil
}

// SearchScrip looks up instruments by symbol fragment.
func (c *Client) SearchScrip(exchange, query string) ([]model.Instrument, error) {
	res, err := c.post("api.search", map[string]any{"exchange": exchange, "searchscrip": query})
	if err != nil {
		return nil, err
	}
	rows, _ := res["data"].([]any)
	out := make([]model.Instrument, 0, len(rows))
	for _, r := range rows {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, model.Instrument{
			Token:         str(m, "symboltoken"),
			Exchange:      str(m, "exchange"),
			TradingSymbol: str(m, "tradingsymbol"),
		})
	}
	return out, nil
}

// ---- transport ----

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.cfg.ClientLocalIP)
	h.Set("X-ClientPublicIP", c.cfg.ClientPublicIP)
	h.Set("X-MACAddress", c.cfg.ClientMAC)
	h.Set("X-PrivateKey", c.cfg.APIKey)
	h.Set("X-UserType", "USER")
	h.Set("X-SourceID", "WEB")
	if c.accessToken != "" {
		h.Set("Authorization", "Bearer "+c.accessToken)
	}
	return h
}

func (c *Client) get(route string, params map[string]any) (map[string]any, error) {
	return c.do(http.MethodGet, route, params)
}

func (c *Client) post(route string, params map[string]any) (map[string]any, error) {
	return c.do(http.MethodPost, route, params)
}

func (c *Client) do(method, route string, params map[string]any) (map[string]any, error) {
	uri, ok := routes[route]
	if !ok {
		return nil, fmt.Errorf("unknown route %s", route)
	}
	var body io.Reader
	if method != http.MethodGet {
		if params == nil {
			params = map[string]any{}
		}
		b, _ := json.Marshal(params)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.cfg.RootURL, "/")+uri, body)
	if err != nil {
		return nil, err
	}
	req.Header = c.headers()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse response (%d): %w", resp.StatusCode, err)
	}
	if et, _ := out["error_type"].(string); et != "" {
		msg, _ := out["message"].(string)
		if resp.StatusCode == http.StatusForbidden && et == "TokenException" {
			if c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return out, &AuthError{Code: et, Message: msg}
		}
		return out, fmt.Errorf("%s: %s", et, msg)
	}
	if st, ok := out["status"].(bool); ok && !st {
		msg, _ := out["message"].(string)
		code, _ := out["errorcode"].(string)
		if code == "AG8001" || code == "AG8002" || code == "AB8050" || code == "AB8051" {
			if c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return out, &AuthError{Code: code, Message: msg}
		}
		return out, fmt.Errorf("api error %s: %s", code, msg)
	}
	return out, nil
}

func orderBody(p OrderParams, orderID string) map[string]any {
	m := map[string]any{
		"variety":         p.Variety,
		"tradingsymbol":   p.TradingSymbol,
		"symboltoken":     p.Token,
		"transactiontype": p.TransactionType,
		"exchange":        p.Exchange,
		"ordertype":       p.OrderType,
		"producttype":     p.ProductType,
		"duration":        "DAY",
		"quantity":        strconv.FormatInt(p.Qty, 10),
		"price":           paiseToRupeeStr(p.Price),
		"triggerprice":    paiseToRupeeStr(p.TriggerPrice),
	}
	if p.Tag != "" {
		m["ordertag"] = p.Tag
	}
	if orderID != "" {
		m["orderid"] = orderID
	}
	return m
}

// ---- response helpers ----

func str(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func paiseQty(m map[string]any, k string) int64 {
	switch v := m[k].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}
	return 0
}

// rupeesToPaise reads a rupee-denominated field (number or string) as paise.
func rupeesToPaise(m map[string]any, k string) int64 {
	return toPaise(m[k])
}

func toPaise(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t*100 + 0.5)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return int64(f*100 + 0.5)
	}
	return 0
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	}
	return 0
}

func paiseToRupeeStr(p int64) string {
	return strconv.FormatFloat(float64(p)/100, 'f', 2, 64)
}

func intervalMinutes(interval string) int {
	switch interval {
	case "ONE_MINUTE":
		return 1
	case "THREE_MINUTE":
		return 3
	case "FIVE_MINUTE":
		return 5
	case "TEN_MINUTE":
		return 10
	case "FIFTEEN_MINUTE":
		return 15
	case "THIRTY_MINUTE":
		return 30
	case "ONE_HOUR":
		return 60
	}
	return 1
}
