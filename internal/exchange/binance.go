package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"statemax-go/internal/kline"
)

const (
	defaultBinanceBaseURL = "https://api.binance.com"
	binanceMaxKlines      = 1000
	defaultBinanceFee     = 0.001
)

// Binance is a spot REST client signing private calls with HMAC-SHA256.
type Binance struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	hc         *http.Client
	now        func() time.Time

	mu      sync.Mutex
	markets map[string]Market
	ids     map[string]string
}

// BinanceOption configures the client.
type BinanceOption func(*Binance)

// WithBaseURL points the client at another host (testnet, httptest).
func WithBaseURL(u string) BinanceOption {
	return func(b *Binance) {
		if u != "" {
			b.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) BinanceOption {
	return func(b *Binance) {
		if hc != nil {
			b.hc = hc
		}
	}
}

// WithRecvWindow sets the signed request validity window.
func WithRecvWindow(d time.Duration) BinanceOption {
	return func(b *Binance) { b.recvWindow = d.Milliseconds() }
}

// NewBinance builds a client. Public endpoints work without credentials.
func NewBinance(apiKey, apiSecret string, opts ...BinanceOption) *Binance {
	b := &Binance{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		baseURL:    defaultBinanceBaseURL,
		recvWindow: 5000,
		hc:         &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e binanceError) Error() string { return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg) }

func (e binanceError) Unwrap() error {
	switch e.Code {
	case -2013:
		return ErrOrderNotFound
	case -2010:
		if strings.Contains(strings.ToLower(e.Msg), "insufficient balance") {
			return ErrInsufficientFunds
		}
		return ErrInvalidOrder
	case -1013, -1111, -1121:
		return ErrInvalidOrder
	}
	return nil
}

func (b *Binance) sign(q url.Values) {
	q.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	if b.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(b.recvWindow, 10))
	}
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	_, _ = io.WriteString(mac, q.Encode())
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
}

func (b *Binance) do(ctx context.Context, method, path string, q url.Values, signed bool, out any) error {
	if q == nil {
		q = url.Values{}
	}
	if signed {
		b.sign(q)
	}
	var body io.Reader
	target := b.baseURL + path
	if method == http.MethodGet {
		target += "?" + q.Encode()
	} else {
		body = strings.NewReader(q.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	res, err := b.hc.Do(req)
	if err != nil {
		return fmt.Errorf("binance %s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	bs, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode/100 != 2 {
		var apiErr binanceError
		if json.Unmarshal(bs, &apiErr) == nil && apiErr.Code != 0 {
			return fmt.Errorf("binance %s %s: %w", method, path, apiErr)
		}
		return fmt.Errorf("binance %s %s: status %d: %s", method, path, res.StatusCode, string(bs))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bs, out); err != nil {
		return fmt.Errorf("decode binance %s: %w", path, err)
	}
	return nil
}

// LoadMarkets fetches exchangeInfo once and caches it.
func (b *Binance) LoadMarkets(ctx context.Context) (map[string]Market, error) {
	b.mu.Lock()
	cached := b.markets
	b.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", nil, false, &info); err != nil {
		return nil, err
	}
	markets := make(map[string]Market, len(info.Symbols))
	ids := make(map[string]string, len(info.Symbols))
	for _, s := range info.Symbols {
		m := Market{
			Symbol: s.BaseAsset + "/" + s.QuoteAsset,
			ID:     s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Taker:  defaultBinanceFee,
			Maker:  defaultBinanceFee,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				m.AmountPrecision = parseFloat(f.StepSize)
				m.MinAmount = parseFloat(f.MinQty)
			case "PRICE_FILTER":
				m.PricePrecision = parseFloat(f.TickSize)
			}
		}
		markets[m.Symbol] = m
		ids[m.Symbol] = m.ID
	}
	b.mu.Lock()
	b.markets, b.ids = markets, ids
	b.mu.Unlock()
	return markets, nil
}

func (b *Binance) marketID(ctx context.Context, symbol string) (string, error) {
	if _, err := b.LoadMarkets(ctx); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[symbol]
	if !ok {
		return "", fmt.Errorf("%w: unknown symbol %s", ErrInvalidOrder, symbol)
	}
	return id, nil
}

// FetchOHLCV pages /api/v3/klines starting at since.
func (b *Binance) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]kline.Bar, error) {
	id, err := b.marketID(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > binanceMaxKlines {
		limit = binanceMaxKlines
	}
	q := url.Values{}
	q.Set("symbol", id)
	q.Set("interval", timeframe)
	q.Set("limit", strconv.Itoa(limit))
	if !since.IsZero() {
		q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var raw [][]json.RawMessage
	if err := b.do(ctx, http.MethodGet, "/api/v3/klines", q, false, &raw); err != nil {
		return nil, err
	}
	out := make([]kline.Bar, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		vals := make([]float64, 5)
		for i := range vals {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, fmt.Errorf("decode kline field %d: %w", i+1, err)
			}
			vals[i] = parseFloat(s)
		}
		out = append(out, kline.Bar{
			Time:   time.UnixMilli(openTime).UTC(),
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		})
	}
	return out, nil
}

// FetchBalance reads the signed account snapshot.
func (b *Binance) FetchBalance(ctx context.Context) (Balance, error) {
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", nil, true, &acct); err != nil {
		return Balance{}, err
	}
	bal := Balance{Free: map[string]float64{}, Total: map[string]float64{}}
	for _, a := range acct.Balances {
		free := parseFloat(a.Free)
		bal.Free[a.Asset] = free
		bal.Total[a.Asset] = free + parseFloat(a.Locked)
	}
	return bal, nil
}

type binanceOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
}

func (o binanceOrder) toOrder(symbol string) Order {
	out := Order{
		ID:       strconv.FormatInt(o.OrderID, 10),
		ClientID: o.ClientOrderID,
		Symbol:   symbol,
		Type:     OrderType(strings.ToLower(o.Type)),
		Side:     Side(strings.ToLower(o.Side)),
		Amount:   parseFloat(o.OrigQty),
		Filled:   parseFloat(o.ExecutedQty),
		Cost:     parseFloat(o.CummulativeQuoteQty),
		Price:    parseFloat(o.Price),
	}
	if out.Filled > 0 {
		out.Price = out.Cost / out.Filled
	}
	switch o.Status {
	case "FILLED":
		out.Status = StatusClosed
	case "CANCELED", "REJECTED", "EXPIRED", "EXPIRED_IN_MATCH":
		out.Status = StatusCanceled
	default:
		out.Status = StatusOpen
	}
	ts := o.TransactTime
	if ts == 0 {
		ts = o.Time
	}
	if ts > 0 {
		out.Time = time.UnixMilli(ts).UTC()
	}
	return out
}

// CreateOrder places a market or limit order with a generated client order id.
func (b *Binance) CreateOrder(ctx context.Context, symbol string, typ OrderType, side Side, amount, price float64) (Order, error) {
	id, err := b.marketID(ctx, symbol)
	if err != nil {
		return Order{}, err
	}
	if amount <= 0 {
		return Order{}, fmt.Errorf("%w: amount %g must be positive", ErrInvalidOrder, amount)
	}
	q := url.Values{}
	q.Set("symbol", id)
	q.Set("side", strings.ToUpper(string(side)))
	q.Set("type", strings.ToUpper(string(typ)))
	q.Set("quantity", FormatAmount(amount))
	q.Set("newClientOrderId", uuid.NewString())
	q.Set("newOrderRespType", "RESULT")
	if typ == LimitOrder {
		q.Set("price", FormatAmount(price))
		q.Set("timeInForce", "GTC")
	}
	var res binanceOrder
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", q, true, &res); err != nil {
		return Order{}, err
	}
	return res.toOrder(symbol), nil
}

// FetchOrder queries an order by exchange id.
func (b *Binance) FetchOrder(ctx context.Context, orderID, symbol string) (Order, error) {
	id, err := b.marketID(ctx, symbol)
	if err != nil {
		return Order{}, err
	}
	q := url.Values{}
	q.Set("symbol", id)
	q.Set("orderId", orderID)
	var res binanceOrder
	if err := b.do(ctx, http.MethodGet, "/api/v3/order", q, true, &res); err != nil {
		return Order{}, err
	}
	return res.toOrder(symbol), nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
